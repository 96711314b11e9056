// Package transport reads and writes control points over Modbus.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"modbus-saverestore/internal/discovery"
	"modbus-saverestore/internal/machinestate"
	"modbus-saverestore/internal/metrics"
)

var (
	ErrUnknownPoint = errors.New("control point is not bound")
	ErrReadOnly     = errors.New("control point is read-only")
	ErrOutOfRange   = errors.New("value out of range")
	ErrClosed       = errors.New("transport closed")
)

const (
	DefaultMaxWorkers = 10
	DefaultQueueSize  = 1000
)

// Options configures a Modbus transport.
type Options struct {
	// MaxWorkers bounds how many devices are read concurrently.
	MaxWorkers int
	// QueueSize bounds the write queue. Write blocks while it is full, until
	// its context ends.
	QueueSize int
	// WriteRate limits writes per second; zero disables pacing.
	WriteRate  float64
	WriteBurst int
	// ReconnectDelay is the pause between closing and reopening a connection.
	ReconnectDelay time.Duration
	Logger         *slog.Logger
}

type writeRequest struct {
	ctx        context.Context
	id         string
	value      float64
	onComplete func(error)
	done       chan struct{}
	seq        uint64
}

// Modbus polls and writes bound control points. Reads fan out across devices;
// writes go through a single ordered queue.
type Modbus struct {
	opts    Options
	logger  *slog.Logger
	limiter *rate.Limiter

	mu       sync.RWMutex
	bindings map[string]discovery.Binding
	conns    map[string]*deviceConn

	sendMu   sync.RWMutex
	closed   bool
	queue    chan *writeRequest
	stop     chan struct{}
	stopOnce sync.Once
	loop     chan struct{}

	pendMu  sync.Mutex
	seq     uint64
	pending map[uint64]chan struct{}
}

var (
	_ machinestate.BatchReader = (*Modbus)(nil)
	_ machinestate.Writer      = (*Modbus)(nil)
)

func New(opts Options) *Modbus {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 200 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Modbus{
		opts:     opts,
		logger:   logger,
		bindings: make(map[string]discovery.Binding),
		conns:    make(map[string]*deviceConn),
		queue:    make(chan *writeRequest, opts.QueueSize),
		stop:     make(chan struct{}),
		loop:     make(chan struct{}),
		pending:  make(map[uint64]chan struct{}),
	}
	if opts.WriteRate > 0 {
		burst := opts.WriteBurst
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(opts.WriteRate), burst)
	}
	go m.writeLoop()
	return m
}

// Bind replaces the point table. Connections no device uses any more are closed.
func (m *Modbus) Bind(bindings []discovery.Binding) {
	table := make(map[string]discovery.Binding, len(bindings))
	used := make(map[string]bool)
	for _, b := range bindings {
		table[b.ID] = b
		used[deviceKey(b)] = true
	}

	m.mu.Lock()
	m.bindings = table
	var stale []*deviceConn
	for key, c := range m.conns {
		if !used[key] {
			stale = append(stale, c)
			delete(m.conns, key)
		}
	}
	m.mu.Unlock()

	for _, c := range stale {
		c.close()
	}
	m.logger.Debug("transport: bound", "points", len(table), "closed_connections", len(stale))
}

// BatchRead implements machinestate.BatchReader.
func (m *Modbus) BatchRead(ctx context.Context, ids []string) <-chan machinestate.BatchResult {
	out := make(chan machinestate.BatchResult, 1)
	go func() {
		out <- m.readBatch(ctx, ids)
	}()
	return out
}

type deviceBatch struct {
	conn   *deviceConn
	points []discovery.Binding
}

func (m *Modbus) readBatch(ctx context.Context, ids []string) machinestate.BatchResult {
	res := machinestate.BatchResult{
		Values: make(map[string]float64, len(ids)),
		Errors: make(map[string]error),
	}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	var batches []*deviceBatch
	byKey := make(map[string]*deviceBatch)
	for _, id := range ids {
		b, ok := m.binding(id)
		if !ok {
			res.Errors[id] = ErrUnknownPoint
			continue
		}
		key := deviceKey(b)
		db := byKey[key]
		if db == nil {
			db = &deviceBatch{conn: m.conn(b)}
			byKey[key] = db
			batches = append(batches, db)
		}
		db.points = append(db.points, b)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(m.opts.MaxWorkers)
	for _, db := range batches {
		g.Go(func() error {
			values := make(map[string]float64, len(db.points))
			errs := make(map[string]error)
			for _, b := range db.points {
				if err := ctx.Err(); err != nil {
					errs[b.ID] = err
					continue
				}
				v, err := db.conn.read(b.Point)
				if err != nil {
					errs[b.ID] = fmt.Errorf("read %s@%d: %w", b.Point.Name, b.Point.Address, err)
					continue
				}
				values[b.ID] = v
			}
			mu.Lock()
			for id, v := range values {
				res.Values[id] = v
			}
			for id, err := range errs {
				res.Errors[id] = err
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(res.Errors) > 0 {
		m.logger.Debug("transport: batch read with errors", "points", len(ids), "failed", len(res.Errors))
	}
	return res
}

// Write implements machinestate.Writer. onComplete runs exactly once. A write
// that cannot be queued before ctx ends completes with ctx's error.
func (m *Modbus) Write(ctx context.Context, id string, value float64, onComplete func(error)) {
	req := &writeRequest{ctx: ctx, id: id, value: value, onComplete: onComplete, done: make(chan struct{})}

	m.sendMu.RLock()
	defer m.sendMu.RUnlock()
	if m.closed {
		onComplete(ErrClosed)
		return
	}
	m.pendMu.Lock()
	m.seq++
	req.seq = m.seq
	m.pending[req.seq] = req.done
	m.pendMu.Unlock()

	select {
	case m.queue <- req:
	case <-ctx.Done():
		metrics.TransportWritesAbandoned.Inc()
		m.complete(req, ctx.Err())
	case <-m.stop:
		m.complete(req, ErrClosed)
	}
}

// Flush waits for every write issued before the call to complete.
func (m *Modbus) Flush(ctx context.Context) error {
	m.pendMu.Lock()
	waits := make([]chan struct{}, 0, len(m.pending))
	for _, done := range m.pending {
		waits = append(waits, done)
	}
	m.pendMu.Unlock()

	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close fails queued writes with ErrClosed and closes every connection.
func (m *Modbus) Close() error {
	// wake writers blocked on a full queue before waiting them out
	m.stopOnce.Do(func() { close(m.stop) })

	m.sendMu.Lock()
	if m.closed {
		m.sendMu.Unlock()
		return nil
	}
	m.closed = true
	m.sendMu.Unlock()

	<-m.loop
	for drained := false; !drained; {
		select {
		case req := <-m.queue:
			m.complete(req, ErrClosed)
		default:
			drained = true
		}
	}

	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*deviceConn)
	m.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	return nil
}

func (m *Modbus) writeLoop() {
	defer close(m.loop)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-m.stop
		cancel()
	}()

	for {
		select {
		case <-m.stop:
			return
		case req := <-m.queue:
			if err := req.ctx.Err(); err != nil {
				metrics.TransportWritesAbandoned.Inc()
				m.complete(req, err)
				continue
			}
			if m.limiter != nil {
				if err := m.limiter.Wait(ctx); err != nil {
					m.complete(req, ErrClosed)
					continue
				}
			}
			m.complete(req, m.write(req.id, req.value))
		}
	}
}

func (m *Modbus) write(id string, value float64) error {
	b, ok := m.binding(id)
	if !ok {
		return ErrUnknownPoint
	}
	if !b.Point.Writable || b.Point.RegisterType == "input" || b.Point.RegisterType == "discrete" {
		return fmt.Errorf("%w: %s", ErrReadOnly, id)
	}

	started := time.Now()
	err := m.conn(b).write(b.Point, value)
	metrics.TransportWriteDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		m.logger.Warn("transport: write failed", "control_point", id, "value", value, "error", err)
		return err
	}
	m.logger.Debug("transport: written", "control_point", id, "value", value)
	return nil
}

func (m *Modbus) complete(req *writeRequest, err error) {
	req.onComplete(err)
	close(req.done)
	m.pendMu.Lock()
	delete(m.pending, req.seq)
	m.pendMu.Unlock()
}

func (m *Modbus) binding(id string) (discovery.Binding, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[id]
	return b, ok
}

func (m *Modbus) conn(b discovery.Binding) *deviceConn {
	key := deviceKey(b)
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[key]
	if !ok {
		c = &deviceConn{server: b.Server, slaveID: b.SlaveID, reconnectDelay: m.opts.ReconnectDelay, logger: m.logger}
		m.conns[key] = c
	}
	return c
}

func deviceKey(b discovery.Binding) string {
	return fmt.Sprintf("%s|%s|%s|%d", b.Server.ServerID, strings.ToLower(b.Server.Protocol),
		b.Server.Connection.Address(b.Server.Protocol), b.SlaveID)
}
