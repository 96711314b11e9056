package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"modbus-saverestore/internal/output"
)

func newDiffCmd() *cobra.Command {
	var (
		flags  stateFlags
		format string
	)
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Compare live values with a saved machine state",
		Long: "Polls the machine once and prints every control point with its live value, " +
			"its saved value and the difference live minus saved.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := parseFormat(format)
			if err != nil {
				return err
			}
			ls, err := loadState(cmd, flags)
			if err != nil {
				return err
			}
			defer ls.eng.close()
			return output.Write(cmd.OutOrStdout(), f, ls.records)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&format, "format", "table", "output format: table, csv or json")
	cmd.Flags().Duration("wait", defaultPollWait, "how long to wait for the first poll cycle")
	return cmd
}

// parseFormat normalizes an output format flag.
func parseFormat(s string) (string, error) {
	switch f := strings.ToLower(strings.TrimSpace(s)); f {
	case "table", "csv", "json":
		return f, nil
	}
	return "", fmt.Errorf("unknown format %q: want table, csv or json", s)
}
