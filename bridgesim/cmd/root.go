// Package cmd provides the command-line interface of bridgesim.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sarchlab/usb4bridge/config"
)

// options are the persistent flags shared by every command.
type options struct {
	envFiles       []string
	logLevel       string
	logFormat      string
	trace          string
	traceRegisters bool
	fault          string
}

// overrides maps the flags that were set onto configuration variables.
func (o *options) overrides(cmd *cobra.Command) map[string]string {
	vars := map[string]string{}
	flags := cmd.Flags()

	set := func(flag, key, value string) {
		if flags.Changed(flag) {
			vars[key] = value
		}
	}

	set("log-level", config.EnvLogLevel, o.logLevel)
	set("log-format", config.EnvLogFormat, o.logFormat)
	set("trace", config.EnvTraceDB, o.trace)
	set("trace-registers", config.EnvTraceRegisters, strconv.FormatBool(o.traceRegisters))
	set("fault", config.EnvFault, o.fault)

	return vars
}

func (o *options) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.LoadWith(o.overrides(cmd), o.envFiles...)
	if err != nil {
		return config.Config{}, err
	}

	cfg.ApplyLogging()

	return cfg, nil
}

// NewRootCommand builds the bridgesim command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "bridgesim",
		Short: "bridgesim runs the PCIe transaction and link-management core of a USB4 bridge.",
		Long: `bridgesim runs the PCIe transaction and link-management core of a ` +
			`USB4/NVMe bridge against a simulated chip. It issues transactions, ` +
			`trains the link, switches to tunnel mode, dispatches interrupts, ` +
			`serves a monitoring dashboard and runs Lua scenarios.`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringSliceVar(&opts.envFiles, "env", nil,
		"env files to load (default .env when it exists)")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "", "text or json")
	flags.StringVar(&opts.trace, "trace", "",
		"record a trace to a SQLite path or a clickhouse:// URL")
	flags.BoolVar(&opts.traceRegisters, "trace-registers", false,
		"also trace every register access")
	flags.StringVar(&opts.fault, "fault", "",
		"inject a transaction fault: none, error, hang or dead")

	rootCmd.AddCommand(
		newTLPCommand(opts),
		newProbeCommand(opts),
		newTrainCommand(opts),
		newTunnelCommand(opts),
		newIRQCommand(opts),
		newServeCommand(opts),
		newShellCommand(opts),
		newRunCommand(opts),
		newTraceCommand(),
	)

	return rootCmd
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil {
		os.Exit(1)
	}
}
