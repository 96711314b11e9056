package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"modbus-saverestore/internal/machinestate"
	"modbus-saverestore/internal/metrics"
)

const maxHistoryBatch = 256

// HistoryOptions configures a History.
type HistoryOptions struct {
	QueueSize int
	// CacheTTL is how long an unchanged value is suppressed before it is
	// recorded again.
	CacheTTL time.Duration
	// Epsilon is the largest difference still treated as unchanged.
	Epsilon float64
	Logger  *slog.Logger
}

// Sample is one recorded live value.
type Sample struct {
	ControlPointID string    `json:"control_point_id"`
	Node           string    `json:"node"`
	Value          float64   `json:"value"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// History records changed live values into the store. It is meant to be
// installed as a State observer; recording never blocks the poller.
type History struct {
	store  *Store
	cache  *changeCache
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	q      chan Sample
	done   chan struct{}
}

var _ machinestate.Observer = (*History)(nil)

func NewHistory(store *Store, opts HistoryOptions) *History {
	size := opts.QueueSize
	if size <= 0 {
		size = 1000
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &History{
		store:  store,
		cache:  newChangeCache(opts.CacheTTL, opts.Epsilon),
		logger: logger,
		q:      make(chan Sample, size),
		done:   make(chan struct{}),
	}
	go h.drain()
	return h
}

// StateUpdated queues every live value that changed since it was last recorded.
func (h *History) StateUpdated(s *machinestate.State) {
	now := time.Now().UTC()
	records := s.Records()
	keep := make(map[string]bool, len(records))

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, r := range records {
		keep[r.ID()] = true
		v, ok := r.Live().Float()
		if !ok || !h.cache.changed(r.ID(), v) {
			continue
		}
		select {
		case h.q <- Sample{ControlPointID: r.ID(), Node: r.Node(), Value: v, RecordedAt: now}:
		default:
			metrics.HistoryDropped.Inc()
		}
	}
	h.cache.forget(keep)
}

// Close flushes queued samples and stops the writer.
func (h *History) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.q)
	h.mu.Unlock()
	<-h.done
}

func (h *History) drain() {
	defer close(h.done)
	batch := make([]Sample, 0, maxHistoryBatch)
	for first := range h.q {
		batch = append(batch[:0], first)
	collect:
		for len(batch) < maxHistoryBatch {
			select {
			case s, ok := <-h.q:
				if !ok {
					break collect
				}
				batch = append(batch, s)
			default:
				break collect
			}
		}
		if err := h.insert(batch); err != nil {
			h.logger.Warn("history: insert failed", "samples", len(batch), "error", err)
		}
	}
}

func (h *History) insert(batch []Sample) error {
	ctx := context.Background()
	tx, err := h.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO live_values (control_point_id, node, value, recorded_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, s := range batch {
		if _, err := stmt.ExecContext(ctx, s.ControlPointID, s.Node, s.Value, s.RecordedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert %s: %w", s.ControlPointID, err)
		}
	}
	return tx.Commit()
}

// Recent returns up to limit samples of a control point, newest first.
func (s *Store) Recent(ctx context.Context, id string, limit int) ([]Sample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT control_point_id, node, value, recorded_at FROM live_values
		 WHERE control_point_id = ? ORDER BY recorded_at DESC, id DESC LIMIT ?`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query %s: %w", id, err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var (
			sm Sample
			at int64
		)
		if err := rows.Scan(&sm.ControlPointID, &sm.Node, &sm.Value, &at); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		sm.RecordedAt = time.Unix(0, at).UTC()
		out = append(out, sm)
	}
	return out, rows.Err()
}
