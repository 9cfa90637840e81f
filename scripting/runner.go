// Package scripting runs Lua scenarios against a bridge. Scripts see a
// "bridge" table with the core operations and, when the bridge runs on the
// silicon model, a "chip" table that injects hardware events.
//
//	local data, code = bridge.read_config(1, 0, 0, 0)
//	chip.raise_link(0x02)
//	for _, r in ipairs(bridge.drain()) do print(r.line, #r.fired) end
package scripting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	lua "github.com/yuin/gopher-lua"

	"github.com/sarchlab/usb4bridge/bridge"
	"github.com/sarchlab/usb4bridge/logging"
	"github.com/sarchlab/usb4bridge/silicon"
)

// ErrScript wraps errors raised while running a script.
var ErrScript = errors.New("scripting: script failed")

// Runner creates Lua states bound to one bridge.
type Runner struct {
	bridge *bridge.Bridge
	chip   *silicon.Chip
	out    io.Writer
	logger *slog.Logger
}

// NewRunner creates a runner for b. chip may be nil, in which case scripts
// get no "chip" table.
func NewRunner(b *bridge.Bridge, chip *silicon.Chip) *Runner {
	return &Runner{
		bridge: b,
		chip:   chip,
		out:    os.Stdout,
		logger: logging.For(logging.ComponentScript),
	}
}

// WithOutput redirects print.
func (r *Runner) WithOutput(w io.Writer) *Runner {
	r.out = w
	return r
}

// NewState creates a Lua state with the bindings installed. Blocking calls
// made by the script observe ctx. The caller closes the state.
func (r *Runner) NewState(ctx context.Context) *lua.LState {
	L := lua.NewState()
	L.SetContext(ctx)

	b := &bindings{runner: r, ctx: ctx}
	b.install(L)

	return L
}

// RunString runs a chunk of Lua source.
func (r *Runner) RunString(ctx context.Context, src string) error {
	L := r.NewState(ctx)
	defer L.Close()

	return wrap(L.DoString(src))
}

// RunFile runs a Lua file.
func (r *Runner) RunFile(ctx context.Context, path string) error {
	L := r.NewState(ctx)
	defer L.Close()

	r.logger.Info("running script", "path", path)

	return wrap(L.DoFile(path))
}

// Eval runs src in an existing state, as the interactive shell does.
func Eval(L *lua.LState, src string) error {
	return wrap(L.DoString(src))
}

func wrap(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrScript, err)
}
