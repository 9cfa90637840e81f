package regmap

import (
	"sync"

	"github.com/sarchlab/usb4bridge/hooking"
)

// WriteLog is a hook that keeps the most recent software register writes.
type WriteLog struct {
	lock    sync.Mutex
	limit   int
	entries []Access
}

// NewWriteLog creates a log that keeps at most limit entries. A limit of 0
// keeps everything.
func NewWriteLog(limit int) *WriteLog {
	return &WriteLog{limit: limit}
}

// Func records software writes.
func (l *WriteLog) Func(ctx hooking.HookCtx) {
	if ctx.Pos != HookPosRegWrite {
		return
	}

	acc, ok := ctx.Item.(Access)
	if !ok {
		return
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	l.entries = append(l.entries, acc)
	if l.limit > 0 && len(l.entries) > l.limit {
		l.entries = l.entries[len(l.entries)-l.limit:]
	}
}

// Entries returns a copy of the recorded writes, oldest first.
func (l *WriteLog) Entries() []Access {
	l.lock.Lock()
	defer l.lock.Unlock()

	out := make([]Access, len(l.entries))
	copy(out, l.entries)

	return out
}

// Writes returns the recorded (address, value) pairs, oldest first.
func (l *WriteLog) Writes() []Write {
	l.lock.Lock()
	defer l.lock.Unlock()

	out := make([]Write, len(l.entries))
	for i, e := range l.entries {
		out[i] = Write{Addr: e.Addr, Value: e.Value}
	}

	return out
}

// Len returns the number of recorded writes.
func (l *WriteLog) Len() int {
	l.lock.Lock()
	defer l.lock.Unlock()

	return len(l.entries)
}

// Reset drops all recorded writes.
func (l *WriteLog) Reset() {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.entries = nil
}

// Write is one software register write.
type Write struct {
	Addr  Addr
	Value uint8
}
