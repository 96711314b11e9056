// Package output renders record sets for the command line.
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"modbus-saverestore/internal/machinestate"
)

// Columns of every tabular rendering.
var Columns = []string{"Node", "Setpoint Channel", "Live", "Saved", "Difference"}

func row(r machinestate.Record) []string {
	return []string{r.Node(), r.ID(), r.Live().String(), r.Saved().String(), r.Diff().String()}
}

// WriteJSON writes records as an indented JSON array.
func WriteJSON(w io.Writer, records []machinestate.Record) error {
	if records == nil {
		records = []machinestate.Record{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

// WriteCSV writes a header row and one row per record.
func WriteCSV(w io.Writer, records []machinestate.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range records {
		if err := cw.Write(row(r)); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteTable writes aligned columns for a terminal.
func WriteTable(w io.Writer, records []machinestate.Record) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	line := func(cells []string) {
		for _, c := range cells {
			fmt.Fprintf(tw, "%s\t", c)
		}
		fmt.Fprintln(tw)
	}
	line(Columns)
	for _, r := range records {
		line(row(r))
	}
	return tw.Flush()
}

// Write renders records in format: table, csv or json.
func Write(w io.Writer, format string, records []machinestate.Record) error {
	switch format {
	case "", "table":
		return WriteTable(w, records)
	case "csv":
		return WriteCSV(w, records)
	case "json":
		return WriteJSON(w, records)
	}
	return fmt.Errorf("unknown output format %q", format)
}

// WriteFile renders records into path.
func WriteFile(path, format string, records []machinestate.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := Write(f, format, records); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
