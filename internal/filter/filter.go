// Package filter selects records with a small boolean expression language.
//
// Expressions see node, id, live, saved, diff, has_live and has_saved.
// Missing values read as NaN, so any comparison against them is false:
//
//	node startsWith "QH" && abs(diff) > 0.5
//
// A single word that is not a valid expression matches records whose node or
// id contains it, ignoring case.
package filter

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"modbus-saverestore/internal/machinestate"
)

type env struct {
	Node     string  `expr:"node"`
	ID       string  `expr:"id"`
	Live     float64 `expr:"live"`
	Saved    float64 `expr:"saved"`
	Diff     float64 `expr:"diff"`
	HasLive  bool    `expr:"has_live"`
	HasSaved bool    `expr:"has_saved"`
}

var bareWord = regexp.MustCompile(`^[\w:.\-/]+$`)

// Filter is a compiled record filter. The zero value matches everything.
type Filter struct {
	source    string
	program   *vm.Program
	substring string
}

// Compile parses expression. An empty expression matches every record.
func Compile(expression string) (*Filter, error) {
	source := strings.TrimSpace(expression)
	f := &Filter{source: source}
	if source == "" {
		return f, nil
	}
	program, err := expr.Compile(source, expr.Env(env{}), expr.AsBool())
	if err == nil {
		f.program = program
		return f, nil
	}
	if bareWord.MatchString(source) {
		f.substring = strings.ToLower(source)
		return f, nil
	}
	return nil, fmt.Errorf("filter %q: %w", source, err)
}

func (f *Filter) String() string { return f.source }

// Match reports whether r passes the filter.
func (f *Filter) Match(r machinestate.Record) bool {
	switch {
	case f == nil || (f.program == nil && f.substring == ""):
		return true
	case f.substring != "":
		return strings.Contains(strings.ToLower(r.Node()), f.substring) ||
			strings.Contains(strings.ToLower(r.ID()), f.substring)
	}
	out, err := expr.Run(f.program, toEnv(r))
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}

// Apply returns the records that pass, in order.
func (f *Filter) Apply(records []machinestate.Record) []machinestate.Record {
	out := make([]machinestate.Record, 0, len(records))
	for _, r := range records {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// IDs returns the control point ids of the records that pass.
func (f *Filter) IDs(records []machinestate.Record) []string {
	var ids []string
	for _, r := range f.Apply(records) {
		ids = append(ids, r.ID())
	}
	return ids
}

func toEnv(r machinestate.Record) env {
	e := env{Node: r.Node(), ID: r.ID()}
	e.Live, e.HasLive = floatOrNaN(r.Live())
	e.Saved, e.HasSaved = floatOrNaN(r.Saved())
	e.Diff, _ = floatOrNaN(r.Diff())
	return e
}

func floatOrNaN(v machinestate.Value) (float64, bool) {
	if f, ok := v.Float(); ok {
		return f, true
	}
	return math.NaN(), false
}
