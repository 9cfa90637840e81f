package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	lua "github.com/yuin/gopher-lua"
	"golang.org/x/term"

	"github.com/sarchlab/usb4bridge/scripting"
)

const shellPrompt = "bridge> "

func newShellCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Drive the bridge from an interactive Lua prompt.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withBench(cmd, func(w *bench) error {
				runner := scripting.NewRunner(w.bridge, w.chip).WithOutput(cmd.OutOrStdout())

				L := runner.NewState(cmd.Context())
				defer L.Close()

				in := cmd.InOrStdin()
				if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
					return terminalShell(cmd.Context(), f, runner, L)
				}

				return lineShell(in, cmd.OutOrStdout(), L)
			})
		},
	}
}

// terminalShell reads lines with editing and history from a raw terminal.
func terminalShell(
	ctx context.Context,
	f *os.File,
	runner *scripting.Runner,
	L *lua.LState,
) error {
	fd := int(f.Fd())

	old, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer term.Restore(fd, old)

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{f, os.Stdout}, shellPrompt)
	runner.WithOutput(t)

	for ctx.Err() == nil {
		line, err := t.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}

		if quit(line) {
			return nil
		}

		if err := scripting.Eval(L, line); err != nil {
			fmt.Fprintln(t, err)
		}
	}

	return nil
}

// lineShell evaluates one chunk per input line, for pipes and tests.
func lineShell(in io.Reader, out io.Writer, L *lua.LState) error {
	scanner := bufio.NewScanner(in)

	for scanner.Scan() {
		line := scanner.Text()
		if quit(line) {
			break
		}

		if strings.TrimSpace(line) == "" {
			continue
		}

		if err := scripting.Eval(L, line); err != nil {
			fmt.Fprintln(out, err)
		}
	}

	return scanner.Err()
}

func quit(line string) bool {
	switch strings.TrimSpace(line) {
	case "exit", "quit":
		return true
	}

	return false
}
