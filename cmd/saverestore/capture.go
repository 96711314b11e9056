package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"modbus-saverestore/internal/snapshot"
)

const defaultPollWait = 30 * time.Second

func newCaptureCmd() *cobra.Command {
	var (
		outPath string
		comment string
		saveAs  string
		wait    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Save the live values of the machine to a .mstate document",
		Long: "Reads every writable control point of the configuration once and writes " +
			"the values that came back to a machine state document. Points that could " +
			"not be read are left out.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if outPath == "" && saveAs == "" {
				return errors.New("nothing to write: pass --output or --save-as")
			}
			logger, err := buildLogger()
			if err != nil {
				return err
			}
			ctx := shutdownContext(cmd.Context(), logger)

			eng := newEngine(logger)
			defer eng.close()
			if err := eng.waitForPoll(ctx, cfg.Machine.Configuration, wait); err != nil {
				return err
			}

			eng.state.SetComment(comment)
			capture := eng.state.CaptureLive()
			doc := snapshot.FromCapture(capture, time.Now())

			if outPath != "" {
				if filepath.Ext(outPath) == "" {
					outPath += snapshot.FileExtension
				}
				if err := snapshot.Write(outPath, doc); err != nil {
					return err
				}
			}
			if saveAs != "" {
				store, err := openStore(ctx, logger)
				if err != nil {
					return err
				}
				defer store.Close()
				if _, err := store.Save(ctx, saveAs, doc); err != nil {
					return err
				}
			}

			total := len(eng.state.Records())
			fmt.Fprintf(cmd.OutOrStdout(), "captured %d of %d control points", len(capture.Values), total)
			if outPath != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " to %s", outPath)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			if missing := total - len(capture.Values); missing > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %d control points had no live value\n", missing)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "document to write ("+snapshot.FileExtension+" is appended when missing)")
	cmd.Flags().StringVar(&comment, "comment", "", "comment stored with the values")
	cmd.Flags().StringVar(&saveAs, "save-as", "", "also store the capture in the snapshot database under this name")
	cmd.Flags().DurationVar(&wait, "wait", defaultPollWait, "how long to wait for the first poll cycle")
	return cmd
}
