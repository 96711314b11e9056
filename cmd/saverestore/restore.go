package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"modbus-saverestore/internal/filter"
	"modbus-saverestore/internal/machinestate"
	"modbus-saverestore/internal/output"
)

// errRestoreFailed marks a restore in which some writes were not confirmed.
var errRestoreFailed = errors.New("restore incomplete")

type stateFlags struct {
	file     string
	snapshot string
	filter   string
}

func (f *stateFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "machine state document to load")
	cmd.Flags().StringVar(&f.snapshot, "snapshot", "", "load the newest stored snapshot with this name instead of a file")
	cmd.Flags().StringVar(&f.filter, "filter", "", `record filter, e.g. 'node startsWith "QH"' or a plain word`)
}

// loadedState is the engine after it has polled once and taken the saved values.
type loadedState struct {
	ctx     context.Context
	eng     *engine
	records []machinestate.Record
	entries int
	matched int
}

func loadState(cmd *cobra.Command, flags stateFlags) (*loadedState, error) {
	f, err := filter.Compile(flags.filter)
	if err != nil {
		return nil, err
	}
	logger, err := buildLogger()
	if err != nil {
		return nil, err
	}
	ctx := shutdownContext(cmd.Context(), logger)

	doc, err := loadDocument(ctx, flags.file, flags.snapshot, logger)
	if err != nil {
		return nil, err
	}
	configuration := documentConfiguration(cmd.Flags().Changed("configuration"), doc)

	eng := newEngine(logger)
	if err := eng.waitForPoll(ctx, configuration, pollWait(cmd)); err != nil {
		eng.close()
		return nil, err
	}

	values := doc.Values()
	matched := eng.state.LoadSavedValues(values)
	eng.state.SetComment(doc.MachineState.Comment)
	return &loadedState{
		ctx:     ctx,
		eng:     eng,
		records: f.Apply(eng.state.Records()),
		entries: len(values),
		matched: matched,
	}, nil
}

func pollWait(cmd *cobra.Command) time.Duration {
	if d, err := cmd.Flags().GetDuration("wait"); err == nil && d > 0 {
		return d
	}
	return defaultPollWait
}

func newRestoreCmd() *cobra.Command {
	var (
		flags  stateFlags
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Write saved values back to the machine",
		Long: "Loads a machine state document, matches its values to the control points " +
			"of the configuration and writes them. Records without a saved value are " +
			"skipped. Exits non-zero when any write was not confirmed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ls, err := loadState(cmd, flags)
			if err != nil {
				return err
			}
			defer ls.eng.close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "loaded %d saved values, %d match control points\n", ls.entries, ls.matched)

			if dryRun {
				var pending []machinestate.Record
				for _, r := range ls.records {
					if r.Saved().Valid() {
						pending = append(pending, r)
					}
				}
				fmt.Fprintf(out, "dry run: would write %d control points\n", len(pending))
				return output.WriteTable(out, pending)
			}

			report := ls.eng.state.RestoreRecords(ls.ctx, ls.records)
			printReport(out, report)
			if err := report.Err(); err != nil {
				return fmt.Errorf("%w: %d of %d writes failed", errRestoreFailed, len(report.Failures), report.Attempted)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be written without writing")
	cmd.Flags().Duration("wait", defaultPollWait, "how long to wait for the first poll cycle")
	return cmd
}

func printReport(w io.Writer, r machinestate.Report) {
	fmt.Fprintf(w, "restored %d, skipped %d, failed %d in %s\n",
		r.Restored(), r.Skipped, len(r.Failures), r.Duration.Round(time.Millisecond))
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  FAILED %s: %v\n", f.ControlPointID, f.Err)
	}
}
