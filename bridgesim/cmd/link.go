package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sarchlab/usb4bridge/irq"
	"github.com/sarchlab/usb4bridge/regmap"
	"github.com/sarchlab/usb4bridge/state"
)

func printState(cmd *cobra.Command, f state.Fields) {
	fmt.Fprintf(cmd.OutOrStdout(),
		"link %s lanes 0x%02X target 0x%02X mode %s runs %d exhausted %d\n",
		f.Link, f.LaneMask, f.TargetLaneMask, f.Mode,
		f.TrainingRuns, f.TrainingExhausted)
}

func newTrainCommand(opts *options) *cobra.Command {
	var (
		target uint8
		runs   int
	)

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Train the link towards a lane mask.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withBench(cmd, func(w *bench) error {
				for range max(runs, 1) {
					if err := w.bridge.Train(cmd.Context(), target); err != nil {
						return err
					}

					printState(cmd, w.bridge.State().Snapshot())
				}

				reports, err := w.bridge.Drain(cmd.Context())
				printReports(cmd.OutOrStdout(), reports)

				return err
			})
		},
	}

	trainCmd.Flags().Uint8Var(&target, "target", state.FullWidth, "target lane mask")
	trainCmd.Flags().IntVar(&runs, "runs", 1, "number of training runs")

	return trainCmd
}

func newTunnelCommand(opts *options) *cobra.Command {
	var (
		adapter state.AdapterConfig
		host    bool
	)

	tunnelCmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Switch the bridge to tunnel mode.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withBench(cmd, func(w *bench) error {
				ctx := cmd.Context()

				if err := w.bridge.RequestTunnel(ctx, adapter); err != nil {
					return err
				}

				if host {
					w.chip.RaiseSystem(regmap.SysIntTunnelRequest)
				}

				reports, err := w.bridge.Drain(ctx)
				printReports(cmd.OutOrStdout(), reports)

				if err != nil {
					return err
				}

				if err := w.bridge.Step(ctx); err != nil {
					return err
				}

				reports, err = w.bridge.Drain(ctx)
				printReports(cmd.OutOrStdout(), reports)
				printState(cmd, w.bridge.State().Snapshot())

				return err
			})
		},
	}

	flags := tunnelCmd.Flags()
	flags.Uint8Var(&adapter.LinkConfigLo, "lo", 0, "link configuration low byte")
	flags.Uint8Var(&adapter.LinkConfigHi, "hi", 0, "link configuration high byte")
	flags.Uint8Var(&adapter.Mode, "mode", 0, "adapter mode")
	flags.Uint8Var(&adapter.Aux, "aux", 0, "adapter aux byte")
	flags.BoolVar(&host, "host", false, "also raise the host tunnel request interrupt")

	return tunnelCmd
}

type raiseFlags struct {
	link, aux, system, nvme, usbMaster uint8
	sources                            []string
	line                               string
}

func newIRQCommand(opts *options) *cobra.Command {
	var f raiseFlags

	irqCmd := &cobra.Command{
		Use:   "irq",
		Short: "Raise interrupt sources on the chip and dispatch them.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var line irq.Line

			if f.line != "" {
				var ok bool
				if line, ok = irq.ParseLine(f.line); !ok {
					return fmt.Errorf("unknown interrupt line %q", f.line)
				}
			}

			return opts.withBench(cmd, func(w *bench) error {
				raised := false
				raise := func(bits uint8, fn func(uint8)) {
					if bits != 0 {
						fn(bits)
						raised = true
					}
				}

				// Aux bits assert no line of their own.
				if f.aux != 0 {
					w.chip.RaiseLinkAux(f.aux)
				}

				raise(f.link, w.chip.RaiseLink)
				raise(f.system, w.chip.RaiseSystem)
				raise(f.nvme, w.chip.RaiseNVMe)
				raise(f.usbMaster, w.chip.RaiseUSBMaster)

				for _, s := range f.sources {
					switch strings.ToUpper(s) {
					case "A":
						w.chip.RaiseSource(irq.QueueA)
					case "B":
						w.chip.RaiseSource(irq.QueueB)
					default:
						return fmt.Errorf("unknown event source %q", s)
					}

					raised = true
				}

				if !raised || f.line != "" {
					w.bridge.Interrupt(line)
				}

				reports, err := w.bridge.Drain(cmd.Context())
				printReports(cmd.OutOrStdout(), reports)
				printState(cmd, w.bridge.State().Snapshot())

				return err
			})
		},
	}

	flags := irqCmd.Flags()
	flags.Uint8Var(&f.link, "link", 0, "link status bits")
	flags.Uint8Var(&f.aux, "aux", 0, "link event aux bits")
	flags.Uint8Var(&f.system, "system", 0, "system interrupt status bits")
	flags.Uint8Var(&f.nvme, "nvme", 0, "NVMe interrupt status bits")
	flags.Uint8Var(&f.usbMaster, "usb-master", 0, "USB master status bits")
	flags.StringSliceVar(&f.sources, "source", nil, "event sources to raise (A, B)")
	flags.StringVar(&f.line, "line", "", "assert a line directly: pcie or system")

	return irqCmd
}
