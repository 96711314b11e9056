// Package snapshot persists captured machine states: as .mstate documents on
// disk and as named snapshots in SQLite.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"modbus-saverestore/internal/machinestate"
)

// FormatVersion is written into every document.
const FormatVersion = "2.0.0"

// FileExtension is the conventional suffix of a machine state document.
const FileExtension = ".mstate"

// Document is a saved machine state.
type Document struct {
	Version       string       `yaml:"version"`
	Date          string       `yaml:"date"`
	Configuration string       `yaml:"configuration,omitempty"`
	MachineState  MachineState `yaml:"machine_state"`
}

type MachineState struct {
	Comment string        `yaml:"comment"`
	Records []EntryRecord `yaml:"records"`
}

// EntryRecord is one saved setpoint. Older documents name the fields
// channel and value; both spellings are read.
type EntryRecord struct {
	SetpointPV string   `yaml:"setpoint_pv,omitempty"`
	Setpoint   *float64 `yaml:"setpoint,omitempty"`
	Channel    string   `yaml:"channel,omitempty"`
	Value      *float64 `yaml:"value,omitempty"`
}

// ID returns the control point id in whichever spelling the record uses.
func (r EntryRecord) ID() string {
	if r.Setpoint != nil {
		return r.SetpointPV
	}
	return r.Channel
}

// Float returns the saved value and whether the record carries one.
func (r EntryRecord) Float() (float64, bool) {
	switch {
	case r.Setpoint != nil:
		return *r.Setpoint, true
	case r.Value != nil:
		return *r.Value, true
	}
	return 0, false
}

// FromCapture builds a document from the live values of a state.
func FromCapture(c machinestate.Capture, at time.Time) Document {
	doc := Document{
		Version:       FormatVersion,
		Date:          at.Format(time.RFC3339),
		Configuration: c.Configuration,
		MachineState:  MachineState{Comment: c.Comment},
	}
	for _, pv := range c.Values {
		v := pv.Value
		doc.MachineState.Records = append(doc.MachineState.Records, EntryRecord{SetpointPV: pv.ControlPointID, Setpoint: &v})
	}
	return doc
}

// Values returns the saved values keyed by control point id. Records without
// a value or id are ignored; a later record for the same id wins.
func (d Document) Values() map[string]float64 {
	out := make(map[string]float64, len(d.MachineState.Records))
	for _, r := range d.MachineState.Records {
		v, ok := r.Float()
		if !ok || r.ID() == "" {
			continue
		}
		out[r.ID()] = v
	}
	return out
}

// Read loads a document from path.
func Read(path string) (Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	return Decode(b)
}

func Decode(b []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return Document{}, fmt.Errorf("decode machine state: %w", err)
	}
	if doc.Version == "" {
		return Document{}, errors.New("decode machine state: missing version")
	}
	return doc, nil
}

// Write stores doc at path, replacing the file atomically.
func Write(path string, doc Document) error {
	if doc.Version == "" {
		doc.Version = FormatVersion
	}
	b, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
