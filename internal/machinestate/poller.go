package machinestate

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"modbus-saverestore/internal/metrics"
)

// DefaultPollInterval matches the refresh cadence operators are used to.
const DefaultPollInterval = 5 * time.Second

var errBatchChannelClosed = errors.New("batch reader closed its result channel without a result")

// BatchResult is the outcome of one batch read. Values holds every point that
// was read; Errors holds per-point failures. Err fails the whole batch.
type BatchResult struct {
	Values map[string]float64
	Errors map[string]error
	Err    error
}

// Value returns the live value for id, or NoData if the point failed or is absent.
func (r BatchResult) Value(id string) Value {
	v, err := r.Lookup(id)
	if err != nil {
		return NoData
	}
	return Of(v)
}

// Lookup returns the value read for id, or why there is none: the batch
// error, the point's own error, or ErrNoData when the point was not reported.
func (r BatchResult) Lookup(id string) (float64, error) {
	if r.Err != nil {
		return 0, r.Err
	}
	if err, failed := r.Errors[id]; failed {
		return 0, err
	}
	v, ok := r.Values[id]
	if !ok {
		return 0, ErrNoData
	}
	return v, nil
}

// BatchReader issues one asynchronous read for a set of control points.
// Exactly one result must be delivered on the returned channel, also when ctx
// is cancelled.
type BatchReader interface {
	BatchRead(ctx context.Context, ids []string) <-chan BatchResult
}

// BatchSink receives completed batches. It returns false when gen no longer
// matches its record set.
type BatchSink interface {
	ApplyBatch(gen uint64, ids []string, res BatchResult) bool
}

// PollerOptions configures a Poller.
type PollerOptions struct {
	Logger *slog.Logger
	// OnUpdate runs once after every applied batch.
	OnUpdate func()
}

// Poller keeps at most one batch read in flight and feeds results to its sink.
//
// A tick that finds a read outstanding is dropped and remembered in a single
// flag; when the outstanding read completes the next read is submitted right
// away instead of waiting for another tick. Retarget bumps the generation so
// results for a superseded target set are never applied.
type Poller struct {
	reader   BatchReader
	sink     BatchSink
	logger   *slog.Logger
	onUpdate func()
	refresh  chan struct{}

	mu          sync.Mutex
	ids         []string
	generation  uint64
	epoch       uint64
	outstanding bool
	missed      bool
	cancelRead  context.CancelFunc
	runCtx      context.Context
	stop        context.CancelFunc
	done        chan struct{}
}

func NewPoller(reader BatchReader, sink BatchSink, opts PollerOptions) *Poller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		reader:   reader,
		sink:     sink,
		logger:   logger,
		onUpdate: opts.OnUpdate,
		refresh:  make(chan struct{}, 1),
	}
}

// Retarget replaces the polled control points and returns the new generation.
// An in-flight read is cancelled; its result is discarded when it arrives and
// the new set is polled immediately after.
func (p *Poller) Retarget(ids []string) uint64 {
	p.mu.Lock()
	p.generation++
	gen := p.generation
	p.ids = slices.Clone(ids)
	pending := p.outstanding
	if pending {
		p.missed = true
		if p.cancelRead != nil {
			p.cancelRead()
		}
	}
	p.mu.Unlock()

	if !pending {
		p.Refresh()
	}
	return gen
}

// Start begins polling every interval. The first read is issued immediately.
// Calling Start on a running poller does nothing.
func (p *Poller) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	p.mu.Lock()
	if p.stop != nil {
		p.mu.Unlock()
		return
	}
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	p.runCtx, p.stop, p.done = runCtx, stop, done
	p.epoch++
	p.mu.Unlock()

	go p.run(runCtx, interval, done)
}

// Stop halts the schedule and waits for the loop to exit. A read already
// dispatched is left to finish; its result is discarded.
func (p *Poller) Stop() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.runCtx, p.stop, p.done = nil, nil, nil
	p.missed = false
	p.mu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
}

// Refresh asks for an out-of-schedule poll. It never blocks and coalesces
// with other pending requests.
func (p *Poller) Refresh() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

// Outstanding reports whether a batch read is in flight.
func (p *Poller) Outstanding() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

func (p *Poller) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// the immediate first poll covers any refresh requested before Start
	select {
	case <-p.refresh:
	default:
	}
	p.initiate()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.initiate()
		case <-p.refresh:
			p.initiate()
		}
	}
}

func (p *Poller) initiate() {
	p.mu.Lock()
	if p.runCtx == nil {
		p.mu.Unlock()
		return
	}
	if p.outstanding {
		p.missed = true
		p.mu.Unlock()
		metrics.PollTicksDropped.Inc()
		return
	}
	if len(p.ids) == 0 {
		p.mu.Unlock()
		return
	}
	ids := slices.Clone(p.ids)
	gen, epoch := p.generation, p.epoch
	readCtx, cancel := context.WithCancel(p.runCtx)
	p.outstanding, p.missed, p.cancelRead = true, false, cancel
	p.mu.Unlock()

	started := time.Now()
	ch := p.reader.BatchRead(readCtx, ids)
	go p.await(ch, cancel, gen, epoch, ids, started)
}

func (p *Poller) await(ch <-chan BatchResult, cancel context.CancelFunc, gen, epoch uint64, ids []string, started time.Time) {
	res, ok := <-ch
	cancel()
	if !ok {
		res = BatchResult{Err: errBatchChannelClosed}
	}
	metrics.PollDuration.Observe(time.Since(started).Seconds())

	p.mu.Lock()
	current := gen == p.generation && epoch == p.epoch && p.runCtx != nil
	p.mu.Unlock()

	// apply before clearing outstanding so cycles never overlap
	applied := current && p.sink.ApplyBatch(gen, ids, res)
	if applied {
		metrics.PollCycles.Inc()
		if p.onUpdate != nil {
			p.onUpdate()
		}
	} else {
		metrics.PollBatchesDiscarded.Inc()
		p.logger.Debug("poller: batch discarded", "generation", gen, "points", len(ids))
	}

	p.mu.Lock()
	p.outstanding = false
	p.cancelRead = nil
	chain := p.missed && p.runCtx != nil
	p.missed = false
	p.mu.Unlock()

	if chain {
		p.initiate()
	}
}
