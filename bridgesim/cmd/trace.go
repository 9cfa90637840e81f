package cmd

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/fatih/structs"
	"github.com/spf13/cobra"

	"github.com/sarchlab/usb4bridge/datarecording"
)

type traceOptions struct {
	table   string
	where   string
	orderBy string
	limit   int
	offset  int
}

func newTraceCommand() *cobra.Command {
	opts := &traceOptions{}

	cmd := &cobra.Command{
		Use:   "trace FILE",
		Short: "Summarize a recorded trace or page through one of its tables.",
		Long: "Without --table, prints the session properties and the row count " +
			"of every recorded table. FILE may omit the .sqlite3 suffix, as " +
			"given to --trace.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := tracePath(args[0])
			if err != nil {
				return err
			}

			reader, err := datarecording.NewReader(path)
			if err != nil {
				return err
			}
			defer reader.Close()

			if opts.table == "" {
				return summarizeTrace(cmd, reader)
			}

			return opts.dumpTable(cmd, reader)
		},
	}

	cmd.Flags().StringVar(&opts.table, "table", "", "table to list, e.g. "+datarecording.TransactionTable)
	cmd.Flags().StringVar(&opts.where, "where", "", "SQL filter without WHERE, e.g. \"Outcome = 'timeout'\"")
	cmd.Flags().StringVar(&opts.orderBy, "order", "rowid", "SQL sort clause without ORDER BY")
	cmd.Flags().IntVar(&opts.limit, "limit", 20, "rows per page, 0 for all")
	cmd.Flags().IntVar(&opts.offset, "offset", 0, "rows to skip")

	return cmd
}

func tracePath(arg string) (string, error) {
	for _, p := range []string{arg, arg + ".sqlite3"} {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}

	return "", fmt.Errorf("trace %s: no such file", arg)
}

func summarizeTrace(cmd *cobra.Command, reader datarecording.DataReader) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	tables, err := reader.Tables(ctx)
	if err != nil {
		return err
	}

	if slices.Contains(tables, datarecording.SessionTable) {
		session, err := reader.Session(ctx)
		if err != nil {
			return err
		}

		for _, p := range session {
			fmt.Fprintf(out, "%s: %s\n", p.Property, p.Value)
		}
	}

	for _, t := range tables {
		if t == datarecording.SessionTable {
			continue
		}

		_, total, err := reader.Query(ctx, t, datarecording.QueryParams{Limit: 1})
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "table %s: %d rows\n", t, total)
	}

	return nil
}

func (o *traceOptions) dumpTable(cmd *cobra.Command, reader datarecording.DataReader) error {
	rows, total, err := reader.Query(cmd.Context(), o.table, datarecording.QueryParams{
		Where:   o.where,
		OrderBy: o.orderBy,
		Limit:   o.limit,
		Offset:  o.offset,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, r := range rows {
		printRow(out, r)
	}

	first := o.offset + 1
	if o.limit <= 0 {
		first = 1
	}

	if len(rows) == 0 {
		fmt.Fprintf(out, "rows 0 of %d\n", total)
		return nil
	}

	fmt.Fprintf(out, "rows %d-%d of %d\n", first, first+len(rows)-1, total)

	return nil
}

func printRow(out io.Writer, row any) {
	fields := structs.New(row).Fields()

	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprintf("%s=%v", f.Name(), f.Value())
	}

	fmt.Fprintln(out, strings.Join(parts, " "))
}
