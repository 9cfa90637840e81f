package cmd

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/usb4bridge/logging"
	"github.com/sarchlab/usb4bridge/monitoring"
)

func newServeCommand(opts *options) *cobra.Command {
	var (
		port     int
		open     bool
		duration time.Duration
	)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge and serve the monitoring dashboard.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withBench(cmd, func(w *bench) error {
				if !cmd.Flags().Changed("port") {
					port = w.cfg.MonitorPort
				}

				m := monitoring.NewMonitor().WithPortNumber(port)
				m.RegisterBridge(w.bridge, w.chip)

				l, err := m.Listen()
				if err != nil {
					return err
				}

				url := fmt.Sprintf("http://localhost:%d", l.Addr().(*net.TCPAddr).Port)
				fmt.Fprintf(cmd.OutOrStdout(), "Monitoring bridge with %s\n", url)

				if open {
					if err := browser.OpenURL(url); err != nil {
						logging.For(logging.ComponentMonitor).Warn("cannot open browser", "err", err)
					}
				}

				ctx := cmd.Context()
				if duration > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, duration)
					defer cancel()
				}

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error { return m.Serve(ctx, l) })
				g.Go(func() error { return w.bridge.Run(ctx) })

				return g.Wait()
			})
		},
	}

	flags := serveCmd.Flags()
	flags.IntVar(&port, "port", 0, "monitor port (default BRIDGE_MONITOR_PORT or a free port)")
	flags.BoolVar(&open, "open", false, "open the dashboard in a browser")
	flags.DurationVar(&duration, "duration", 0, "stop after this long (default until interrupted)")

	return serveCmd
}
