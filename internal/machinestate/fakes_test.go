package machinestate

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// Batch reader fake
// ---------------------------------------------------------------------------

type fakeReader struct {
	respond func(ids []string) BatchResult
	// hold, when set, blocks every read until it receives or is closed.
	hold chan struct{}
	// ignoreCancel keeps a held read blocked even after its context ends.
	ignoreCancel bool

	mu          sync.Mutex
	calls       int
	inflight    int
	maxInflight int
	requested   [][]string
}

func (f *fakeReader) BatchRead(ctx context.Context, ids []string) <-chan BatchResult {
	f.mu.Lock()
	f.calls++
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	f.requested = append(f.requested, append([]string(nil), ids...))
	f.mu.Unlock()

	ch := make(chan BatchResult, 1)
	go func() {
		if f.hold != nil && f.ignoreCancel {
			<-f.hold
		} else if f.hold != nil {
			select {
			case <-f.hold:
			case <-ctx.Done():
			}
		}
		var res BatchResult
		if f.respond != nil {
			res = f.respond(ids)
		}
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
		ch <- res
	}()
	return ch
}

func (f *fakeReader) stats() (calls, maxInflight int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.maxInflight
}

func valuesFor(values map[string]float64) func([]string) BatchResult {
	return func(ids []string) BatchResult {
		out := make(map[string]float64)
		for _, id := range ids {
			if v, ok := values[id]; ok {
				out[id] = v
			}
		}
		return BatchResult{Values: out}
	}
}

// ---------------------------------------------------------------------------
// Sink fake
// ---------------------------------------------------------------------------

type appliedBatch struct {
	gen uint64
	ids []string
	res BatchResult
}

type fakeSink struct {
	mu      sync.Mutex
	current uint64
	applied []appliedBatch
	ch      chan appliedBatch
}

func newFakeSink() *fakeSink { return &fakeSink{ch: make(chan appliedBatch, 256)} }

func (s *fakeSink) setCurrent(gen uint64) {
	s.mu.Lock()
	s.current = gen
	s.mu.Unlock()
}

func (s *fakeSink) ApplyBatch(gen uint64, ids []string, res BatchResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.current {
		return false
	}
	b := appliedBatch{gen: gen, ids: ids, res: res}
	s.applied = append(s.applied, b)
	select {
	case s.ch <- b:
	default:
	}
	return true
}

func (s *fakeSink) gens() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.applied))
	for _, b := range s.applied {
		out = append(out, b.gen)
	}
	return out
}

// ---------------------------------------------------------------------------
// Writer fake
// ---------------------------------------------------------------------------

type fakeWriter struct {
	fail map[string]error
	// hang lists ids whose completion never arrives.
	hang map[string]bool
	// block lists ids whose Write does not return until ctx ends.
	block map[string]bool

	mu     sync.Mutex
	writes []PointValue
	wg     sync.WaitGroup
	hung   bool
}

func (w *fakeWriter) Write(ctx context.Context, id string, value float64, onComplete func(error)) {
	if w.block[id] {
		<-ctx.Done()
		onComplete(ctx.Err())
		return
	}
	w.mu.Lock()
	w.writes = append(w.writes, PointValue{ControlPointID: id, Value: value})
	if w.hang[id] {
		w.hung = true
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		onComplete(w.fail[id])
	}()
}

func (w *fakeWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	hung := w.hung
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	if hung {
		<-ctx.Done()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *fakeWriter) written() []PointValue {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]PointValue(nil), w.writes...)
}

// ---------------------------------------------------------------------------
// Discoverer fake
// ---------------------------------------------------------------------------

type fakeDiscoverer struct {
	configs map[string][]Target
	err     error
	// delay holds discovery of a configuration back, as a slow definition load would.
	delay map[string]time.Duration

	mu    sync.Mutex
	bound string
}

func (d *fakeDiscoverer) Discover(_ context.Context, configuration string) ([]Target, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.delay[configuration] > 0 {
		time.Sleep(d.delay[configuration])
	}
	d.mu.Lock()
	d.bound = configuration
	d.mu.Unlock()
	return d.configs[configuration], nil
}

// lastBound is the configuration whose points the discoverer resolved last,
// standing in for the transport's bound point table.
func (d *fakeDiscoverer) lastBound() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bound
}
