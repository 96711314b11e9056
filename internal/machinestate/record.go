package machinestate

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
)

// ErrNoData means a control point was not part of a read result.
var ErrNoData = errors.New("no data")

// DefaultNumberFormat is the display precision used for live, saved and diff columns.
const DefaultNumberFormat = 5

// Value is a setpoint reading that may be absent.
// The zero Value is NoData.
type Value struct {
	v     float64
	valid bool
}

// NoData marks a control point that has no value yet or whose last read failed.
var NoData = Value{}

// Of wraps a float. NaN and infinities are treated as no data.
func Of(v float64) Value {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return NoData
	}
	return Value{v: v, valid: true}
}

// Float returns the number and whether it is defined.
func (v Value) Float() (float64, bool) { return v.v, v.valid }

func (v Value) Valid() bool { return v.valid }

// Sub returns v - o, or NoData if either side is undefined.
func (v Value) Sub(o Value) Value {
	if !v.valid || !o.valid {
		return NoData
	}
	return Of(v.v - o.v)
}

// String formats with DefaultNumberFormat decimals, "n/a" when undefined.
func (v Value) String() string {
	if !v.valid {
		return "n/a"
	}
	return strconv.FormatFloat(v.v, 'f', DefaultNumberFormat, 64)
}

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.valid {
		return []byte("null"), nil
	}
	return json.Marshal(v.v)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*v = NoData
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*v = Of(f)
	return nil
}

// Record tracks one writable control point: where it lives, what it reads now,
// and what was saved for it.
//
// Record is not safe for concurrent mutation; State serializes writers and hands
// readers value copies.
type Record struct {
	node  string
	id    string
	live  Value
	saved Value
	diff  Value
}

// NewRecord creates a record with no live and no saved value.
func NewRecord(node, controlPointID string) Record {
	return Record{node: node, id: controlPointID}
}

func (r Record) Node() string { return r.node }

// ID is the control point identifier (the process variable name).
func (r Record) ID() string { return r.id }

func (r Record) Live() Value { return r.live }
func (r Record) Saved() Value { return r.saved }

// Diff is live - saved, recomputed on every SetLive/SetSaved.
func (r Record) Diff() Value { return r.diff }

func (r *Record) SetLive(v Value) {
	r.live = v
	r.diff = r.live.Sub(r.saved)
}

func (r *Record) SetSaved(v Value) {
	r.saved = v
	r.diff = r.live.Sub(r.saved)
}

func (r Record) String() string {
	return "node: " + r.node + ", setpoint_channel: " + r.id
}

// MarshalJSON renders the record for API consumers.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Node  string `json:"node"`
		ID    string `json:"control_point_id"`
		Live  Value  `json:"live"`
		Saved Value  `json:"saved"`
		Diff  Value  `json:"diff"`
	}{r.node, r.id, r.live, r.saved, r.diff})
}
