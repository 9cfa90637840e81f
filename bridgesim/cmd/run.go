package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sarchlab/usb4bridge/scripting"
)

func newRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run SCRIPT",
		Short: "Run a Lua scenario against the bridge.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBench(cmd, func(w *bench) error {
				runner := scripting.NewRunner(w.bridge, w.chip).WithOutput(cmd.OutOrStdout())
				return runner.RunFile(cmd.Context(), args[0])
			})
		},
	}
}
