// Package logging provides the structured loggers used across the bridge.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Component identifies a subsystem for log filtering.
type Component string

// Bridge component identifiers.
const (
	ComponentTLP     Component = "tlp"
	ComponentLink    Component = "link"
	ComponentTunnel  Component = "tunnel"
	ComponentIRQ     Component = "irq"
	ComponentBridge  Component = "bridge"
	ComponentSilicon Component = "silicon"
	ComponentMonitor Component = "monitor"
	ComponentScript  Component = "script"
)

// Format specifies the output format for logging.
type Format int

// Log format options.
const (
	FormatText Format = iota
	FormatJSON
)

var (
	level  = new(slog.LevelVar)
	lock   sync.RWMutex
	output io.Writer = os.Stderr
	format           = FormatText
	root   *slog.Logger
)

func init() {
	level.Set(slog.LevelWarn)
	root = newRoot()
}

func newRoot() *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	if format == FormatJSON {
		return slog.New(slog.NewJSONHandler(output, opts))
	}

	return slog.New(slog.NewTextHandler(output, opts))
}

// SetLevel sets the minimum level for all bridge logging.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// Level returns the current minimum level.
func Level() slog.Level {
	return level.Level()
}

// SetFormat switches between text and JSON output.
func SetFormat(f Format) {
	lock.Lock()
	defer lock.Unlock()

	format = f
	root = newRoot()
}

// SetOutput redirects all loggers created afterwards to w.
func SetOutput(w io.Writer) {
	lock.Lock()
	defer lock.Unlock()

	output = w
	root = newRoot()
}

// SetLogger replaces the root logger.
func SetLogger(l *slog.Logger) {
	lock.Lock()
	defer lock.Unlock()

	root = l
}

// For returns a logger tagged with the component name.
func For(c Component) *slog.Logger {
	lock.RLock()
	defer lock.RUnlock()

	return root.With("component", string(c))
}

// ParseLevel converts "debug", "info", "warn" or "error" into a level.
// Unknown names map to warn.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// ParseFormat converts "json" or "text" into a Format.
func ParseFormat(name string) Format {
	if strings.EqualFold(strings.TrimSpace(name), "json") {
		return FormatJSON
	}

	return FormatText
}
