package datarecording

import (
	"os"
	"strings"
	"time"
)

// SessionTable is the table that describes the recording run.
const SessionTable = "session_info"

const timeLayout = "2006-01-02 15:04:05.000000000"

// SessionInfo is one property of a recording run.
type SessionInfo struct {
	Property string
	Value    string
}

// Session records when and how a trace was taken. Properties are kept in
// memory and written when the session ends.
type Session struct {
	recorder DataRecorder
	entries  []SessionInfo
}

// StartSession creates the session table and records the start time, the
// command line and the working directory.
func StartSession(recorder DataRecorder) *Session {
	recorder.CreateTable(SessionTable, SessionInfo{})

	s := &Session{recorder: recorder}
	s.Set("Start Time", time.Now().Format(timeLayout))
	s.Set("Command", strings.Join(os.Args, " "))

	if wd, err := os.Getwd(); err == nil {
		s.Set("Working Directory", wd)
	}

	return s
}

// Set adds a property.
func (s *Session) Set(property, value string) {
	s.entries = append(s.entries, SessionInfo{Property: property, Value: value})
}

// End writes all properties along with the end time and flushes.
func (s *Session) End() {
	s.Set("End Time", time.Now().Format(timeLayout))

	for _, e := range s.entries {
		s.recorder.InsertData(SessionTable, e)
	}

	s.entries = nil

	s.recorder.Flush()
}
