// Package machinestate keeps a set of writable control points in sync with the
// machine: it polls live values in batches, tracks saved values next to them,
// and writes saved values back on request.
package machinestate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"modbus-saverestore/internal/metrics"
)

var ErrUnknownControlPoint = errors.New("unknown control point")

// Target is one control point reported by discovery.
type Target struct {
	Node           string
	ControlPointID string
}

// Discoverer lists the writable control points of a machine configuration.
type Discoverer interface {
	Discover(ctx context.Context, configuration string) ([]Target, error)
}

// Observer is told once per applied poll cycle. It may be called from any
// goroutine and should take a copy via State.Records rather than hold on to s.
type Observer interface {
	StateUpdated(s *State)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(*State)

func (f ObserverFunc) StateUpdated(s *State) { f(s) }

// Observers fans one update out to several observers in order.
type Observers []Observer

func (obs Observers) StateUpdated(s *State) {
	for _, o := range obs {
		if o != nil {
			o.StateUpdated(s)
		}
	}
}

// PointValue pairs a control point with a value.
type PointValue struct {
	ControlPointID string  `json:"control_point_id"`
	Value          float64 `json:"value"`
}

// Capture is what gets persisted when the operator saves the machine state.
type Capture struct {
	Configuration string
	Comment       string
	Values        []PointValue
}

// Options configures a State.
type Options struct {
	PollInterval   time.Duration
	RestoreTimeout time.Duration
	Logger         *slog.Logger
}

// State owns the records for the selected configuration and the poller that
// keeps their live values current.
type State struct {
	discoverer Discoverer
	poller     *Poller
	restorer   *Restorer
	interval   time.Duration
	logger     *slog.Logger

	// targetMu serializes SetTarget from discovery to record swap. Discovery
	// binds the transport, so two retargets must not interleave.
	targetMu sync.Mutex

	mu            sync.RWMutex
	configuration string
	records       []Record
	index         map[string]int
	generation    uint64
	comment       string

	obsMu    sync.RWMutex
	observer Observer
}

// New wires a State to its collaborators. Polling starts with Start.
func New(d Discoverer, reader BatchReader, writer Writer, opts Options) *State {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	s := &State{
		discoverer: d,
		interval:   interval,
		logger:     logger,
		index:      make(map[string]int),
	}
	s.poller = NewPoller(reader, s, PollerOptions{Logger: logger, OnUpdate: s.notify})
	s.restorer = NewRestorer(writer, RestorerOptions{Timeout: opts.RestoreTimeout, Logger: logger})
	return s
}

// Start begins background polling of the current target.
func (s *State) Start(ctx context.Context) { s.poller.Start(ctx, s.interval) }

// Close stops polling.
func (s *State) Close() { s.poller.Stop() }

// Refresh requests an immediate poll cycle.
func (s *State) Refresh() { s.poller.Refresh() }

// SetObserver installs the single delegate told about poll cycles. nil removes it.
func (s *State) SetObserver(o Observer) {
	s.obsMu.Lock()
	s.observer = o
	s.obsMu.Unlock()
}

// SetTarget replaces the record set with one record per writable control point
// of configuration and points the poller at it. On discovery failure the
// current records stay in place. Concurrent calls run one after another.
func (s *State) SetTarget(ctx context.Context, configuration string) error {
	s.targetMu.Lock()
	defer s.targetMu.Unlock()

	targets, err := s.discoverer.Discover(ctx, configuration)
	if err != nil {
		return fmt.Errorf("discover %s: %w", configuration, err)
	}

	records := make([]Record, 0, len(targets))
	index := make(map[string]int, len(targets))
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		if t.ControlPointID == "" {
			continue
		}
		if _, dup := index[t.ControlPointID]; dup {
			s.logger.Warn("state: duplicate control point ignored", "control_point", t.ControlPointID, "node", t.Node)
			continue
		}
		index[t.ControlPointID] = len(records)
		records = append(records, NewRecord(t.Node, t.ControlPointID))
		ids = append(ids, t.ControlPointID)
	}

	s.mu.Lock()
	s.configuration = configuration
	s.records = records
	s.index = index
	s.generation = s.poller.Retarget(ids)
	s.mu.Unlock()

	metrics.Records.Set(float64(len(records)))
	s.logger.Info("state: target set", "configuration", configuration, "records", len(records))
	return nil
}

// ApplyBatch implements BatchSink.
func (s *State) ApplyBatch(gen uint64, ids []string, res BatchResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return false
	}

	missing := 0
	for _, id := range ids {
		i, ok := s.index[id]
		if !ok {
			continue
		}
		v := res.Value(id)
		if !v.Valid() {
			missing++
		}
		s.records[i].SetLive(v)
	}

	metrics.PointReadFailures.Add(float64(missing))
	if res.Err != nil {
		s.logger.Warn("state: batch read failed", "error", res.Err, "points", len(ids))
	} else if missing > 0 {
		s.logger.Debug("state: points without data", "missing", missing, "points", len(ids))
	}
	return true
}

func (s *State) notify() {
	s.obsMu.RLock()
	o := s.observer
	s.obsMu.RUnlock()
	if o != nil {
		o.StateUpdated(s)
	}
}

// LoadSavedValues sets the saved value of every record named in values and
// returns how many matched. Other records keep their saved value.
func (s *State) LoadSavedValues(values map[string]float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := 0
	for i := range s.records {
		v, ok := values[s.records[i].ID()]
		if !ok {
			continue
		}
		s.records[i].SetSaved(Of(v))
		matched++
	}
	s.logger.Info("state: saved values loaded", "entries", len(values), "matched", matched)
	return matched
}

// Records returns a point-in-time copy of the record set in discovery order.
func (s *State) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.records)
}

// Record returns a copy of one record.
func (s *State) Record(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return Record{}, false
	}
	return s.records[i], true
}

func (s *State) Configuration() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configuration
}

func (s *State) Comment() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.comment
}

func (s *State) SetComment(c string) {
	s.mu.Lock()
	s.comment = c
	s.mu.Unlock()
}

// CaptureLive collects the live value of every record that has one, in record
// order, together with the comment.
func (s *State) CaptureLive() Capture {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := Capture{Configuration: s.configuration, Comment: s.comment}
	for _, r := range s.records {
		if v, ok := r.Live().Float(); ok {
			c.Values = append(c.Values, PointValue{ControlPointID: r.ID(), Value: v})
		}
	}
	return c
}

// Restore writes back the saved values of the named records. Ids that are not
// in the record set count as attempted and are reported as failures.
func (s *State) Restore(ctx context.Context, ids []string) Report {
	s.mu.RLock()
	selected := make([]Record, 0, len(ids))
	var unknown []WriteFailure
	for _, id := range ids {
		i, ok := s.index[id]
		if !ok {
			unknown = append(unknown, WriteFailure{ControlPointID: id, Err: ErrUnknownControlPoint})
			continue
		}
		selected = append(selected, s.records[i])
	}
	s.mu.RUnlock()

	report := s.restorer.Restore(ctx, selected)
	if len(unknown) > 0 {
		report.Attempted += len(unknown)
		report.Failures = append(unknown, report.Failures...)
		metrics.RestoreWrites.WithLabelValues(metrics.OutcomeAttempted).Add(float64(len(unknown)))
		metrics.RestoreWrites.WithLabelValues(metrics.OutcomeFailed).Add(float64(len(unknown)))
	}
	return report
}

// RestoreRecords restores an already selected set of record copies.
func (s *State) RestoreRecords(ctx context.Context, records []Record) Report {
	return s.restorer.Restore(ctx, records)
}
