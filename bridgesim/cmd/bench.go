package cmd

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sarchlab/usb4bridge/bridge"
	"github.com/sarchlab/usb4bridge/config"
	"github.com/sarchlab/usb4bridge/datarecording"
	"github.com/sarchlab/usb4bridge/irq"
	"github.com/sarchlab/usb4bridge/silicon"
)

// A bench is one bridge wired to a simulated chip, optionally traced.
type bench struct {
	cfg      config.Config
	chip     *silicon.Chip
	bridge   *bridge.Bridge
	recorder datarecording.DataRecorder
	session  *datarecording.Session
}

func (o *options) openBench(cmd *cobra.Command) (*bench, error) {
	cfg, err := o.load(cmd)
	if err != nil {
		return nil, err
	}

	chip := cfg.BuildChip("Chip")
	w := &bench{
		cfg:    cfg,
		chip:   chip,
		bridge: cfg.BridgeBuilder(chip).Build("Bridge"),
	}

	if cfg.TraceDB == "" {
		return w, nil
	}

	w.recorder, err = datarecording.Open(cfg.TraceDB)
	if err != nil {
		return nil, err
	}

	w.session = datarecording.StartSession(w.recorder)
	w.session.Set("Fault", cfg.Fault.String())
	w.session.Set("Lanes", fmt.Sprintf("0x%02X", cfg.Lanes))
	w.bridge.AcceptHook(datarecording.NewTracer(w.recorder, chip, cfg.TraceRegisters))

	return w, nil
}

func (w *bench) Close() error {
	if w.recorder == nil {
		return nil
	}

	w.session.End()

	return w.recorder.Close()
}

// withBench opens a bench, runs fn and closes the bench.
func (o *options) withBench(
	cmd *cobra.Command,
	fn func(w *bench) error,
) error {
	w, err := o.openBench(cmd)
	if err != nil {
		return err
	}

	return errors.Join(fn(w), w.Close())
}

func printReports(out io.Writer, reports []irq.DispatchReport) {
	for _, r := range reports {
		fired := strings.Join(r.Fired, ",")
		if fired == "" {
			fired = "-"
		}

		fmt.Fprintf(out, "irq %s: %s\n", r.Line, fired)
	}
}

func parseUint(arg string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(arg, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q: %w", arg, err)
	}

	return v, nil
}

func parseBytes(args []string) ([4]byte, error) {
	var data [4]byte

	if len(args) > len(data) {
		return data, fmt.Errorf("at most %d data bytes", len(data))
	}

	for i, a := range args {
		v, err := parseUint(a, 8)
		if err != nil {
			return data, err
		}

		data[i] = uint8(v)
	}

	return data, nil
}
