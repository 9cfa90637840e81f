package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sarchlab/usb4bridge/tlp"
)

func printResult(out io.Writer, data []byte, res tlp.Result) {
	if data != nil {
		fmt.Fprintf(out, "data % x\n", data)
	}

	fmt.Fprintf(out, "result %s code 0x%02X\n", res.Outcome, res.Code())
}

func parseConfigAddress(args []string) (tlp.ConfigAddress, error) {
	limits := []int{8, 5, 3, 10}
	vals := make([]uint64, len(limits))

	for i, bits := range limits {
		v, err := parseUint(args[i], bits)
		if err != nil {
			return tlp.ConfigAddress{}, err
		}

		vals[i] = v
	}

	return tlp.ConfigAddress{
		Bus:      uint8(vals[0]),
		Device:   uint8(vals[1]),
		Function: uint8(vals[2]),
		Register: uint16(vals[3]),
	}, nil
}

func newTLPCommand(opts *options) *cobra.Command {
	var (
		byteEnables uint8
		type1       bool
	)

	configType := func() tlp.ConfigType {
		if type1 {
			return tlp.Type1
		}

		return tlp.Type0
	}

	tlpCmd := &cobra.Command{
		Use:   "tlp",
		Short: "Issue one memory or configuration transaction.",
	}

	readMem := &cobra.Command{
		Use:   "read-mem ADDR",
		Short: "Read one dword of device memory.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseUint(args[0], 32)
			if err != nil {
				return err
			}

			return opts.withBench(cmd, func(w *bench) error {
				data, res, err := w.bridge.ReadMemory(cmd.Context(), uint32(addr))
				printResult(cmd.OutOrStdout(), data[:], res)

				return err
			})
		},
	}

	writeMem := &cobra.Command{
		Use:   "write-mem ADDR [BYTE...]",
		Short: "Write one dword of device memory.",
		Args:  cobra.RangeArgs(1, 5),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseUint(args[0], 32)
			if err != nil {
				return err
			}

			data, err := parseBytes(args[1:])
			if err != nil {
				return err
			}

			return opts.withBench(cmd, func(w *bench) error {
				res, err := w.bridge.WriteMemory(cmd.Context(), uint32(addr), data)
				printResult(cmd.OutOrStdout(), nil, res)

				return err
			})
		},
	}

	readCfg := &cobra.Command{
		Use:   "read-cfg BUS DEVICE FUNCTION REGISTER",
		Short: "Read one dword of configuration space.",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := parseConfigAddress(args)
			if err != nil {
				return err
			}

			return opts.withBench(cmd, func(w *bench) error {
				data, res, err := w.bridge.ReadConfig(cmd.Context(), configType(), cfg, byteEnables)
				printResult(cmd.OutOrStdout(), data[:], res)

				return err
			})
		},
	}

	writeCfg := &cobra.Command{
		Use:   "write-cfg BUS DEVICE FUNCTION REGISTER [BYTE...]",
		Short: "Write one dword of configuration space.",
		Args:  cobra.RangeArgs(4, 8),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := parseConfigAddress(args)
			if err != nil {
				return err
			}

			data, err := parseBytes(args[4:])
			if err != nil {
				return err
			}

			return opts.withBench(cmd, func(w *bench) error {
				res, err := w.bridge.WriteConfig(cmd.Context(), configType(), cfg, byteEnables, data)
				printResult(cmd.OutOrStdout(), nil, res)

				return err
			})
		},
	}

	for _, c := range []*cobra.Command{readCfg, writeCfg} {
		c.Flags().Uint8Var(&byteEnables, "be", tlp.AllBytes, "first-dword byte enables")
		c.Flags().BoolVar(&type1, "type1", false, "issue a type 1 request")
	}

	tlpCmd.AddCommand(readMem, writeMem, readCfg, writeCfg)

	return tlpCmd
}

func newProbeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "probe BUS DEVICE FUNCTION REGISTER",
		Short: "Read a configuration dword, retrying with backoff.",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := parseConfigAddress(args)
			if err != nil {
				return err
			}

			return opts.withBench(cmd, func(w *bench) error {
				data, err := w.bridge.Probe(cmd.Context(), cfg)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%s: % x\n", cfg, data)

				return nil
			})
		},
	}
}
