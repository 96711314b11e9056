package machinestate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"modbus-saverestore/internal/metrics"
)

// DefaultRestoreTimeout bounds a whole restore: issuing the writes and the
// flush barrier after them.
const DefaultRestoreTimeout = 10 * time.Second

var (
	ErrFlushTimeout     = errors.New("flush timed out before the write was confirmed")
	errWriteUnconfirmed = errors.New("flush returned without confirming the write")
)

// Writer issues asynchronous setpoint writes.
//
// Write may block while the writer is saturated but gives up when ctx ends,
// completing the write with ctx's error. onComplete runs exactly once.
// Flush blocks until the completion callback of every write issued before it
// has run, or until ctx ends.
type Writer interface {
	Write(ctx context.Context, id string, value float64, onComplete func(error))
	Flush(ctx context.Context) error
}

// WriteFailure is one control point that was not confirmed as delivered.
type WriteFailure struct {
	ControlPointID string
	Err            error
}

func (f WriteFailure) Error() string { return f.ControlPointID + ": " + f.Err.Error() }
func (f WriteFailure) Unwrap() error { return f.Err }

// Report summarizes a restore. Every attempted write either succeeded or has
// exactly one entry in Failures.
type Report struct {
	Attempted int
	Skipped   int
	Failures  []WriteFailure
	Duration  time.Duration
}

// Restored is the number of attempted writes that were confirmed.
func (r Report) Restored() int { return r.Attempted - len(r.Failures) }

// Err joins all failures, or returns nil when every attempted write was delivered.
func (r Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

// RestorerOptions configures a Restorer.
type RestorerOptions struct {
	// Timeout bounds the restore. Zero means DefaultRestoreTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Restorer writes saved values back to their control points.
type Restorer struct {
	writer  Writer
	timeout time.Duration
	logger  *slog.Logger
}

func NewRestorer(w Writer, opts RestorerOptions) *Restorer {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRestoreTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Restorer{writer: w, timeout: timeout, logger: logger}
}

type indexedFailure struct {
	idx int
	WriteFailure
}

// Restore writes the saved value of every record that has one and blocks
// until the writer confirms delivery or the timeout expires. Records without a
// saved value are counted as skipped. One failed point never stops the others
// from being written. Writes not issued or not confirmed by the deadline fail
// with ErrFlushTimeout.
func (r *Restorer) Restore(ctx context.Context, records []Record) Report {
	started := time.Now()
	var report Report

	wctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		mu       sync.Mutex
		sealed   bool
		pending  = make(map[int]string)
		failures []indexedFailure
	)

	for i, rec := range records {
		saved, ok := rec.Saved().Float()
		if !ok {
			report.Skipped++
			continue
		}
		report.Attempted++

		idx, id := i, rec.ID()
		if err := wctx.Err(); err != nil {
			mu.Lock()
			failures = append(failures, indexedFailure{idx, WriteFailure{ControlPointID: id, Err: pendingError(err)}})
			mu.Unlock()
			continue
		}
		mu.Lock()
		pending[idx] = id
		mu.Unlock()

		r.logger.Info("restore: writing", "control_point", id, "value", saved)
		r.writer.Write(wctx, id, saved, func(err error) {
			mu.Lock()
			defer mu.Unlock()
			if sealed {
				return
			}
			if _, ok := pending[idx]; !ok {
				return
			}
			delete(pending, idx)
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				err = pendingError(err)
			}
			if err != nil {
				failures = append(failures, indexedFailure{idx, WriteFailure{ControlPointID: id, Err: err}})
			}
		})
	}

	var flushErr error
	if report.Attempted > 0 {
		flushErr = r.writer.Flush(wctx)
	}

	mu.Lock()
	sealed = true
	for idx, id := range pending {
		failures = append(failures, indexedFailure{idx, WriteFailure{ControlPointID: id, Err: pendingError(flushErr)}})
	}
	mu.Unlock()

	sort.Slice(failures, func(a, b int) bool { return failures[a].idx < failures[b].idx })
	for _, f := range failures {
		report.Failures = append(report.Failures, f.WriteFailure)
	}
	report.Duration = time.Since(started)

	metrics.RestoreWrites.WithLabelValues(metrics.OutcomeAttempted).Add(float64(report.Attempted))
	metrics.RestoreWrites.WithLabelValues(metrics.OutcomeSkipped).Add(float64(report.Skipped))
	metrics.RestoreWrites.WithLabelValues(metrics.OutcomeFailed).Add(float64(len(report.Failures)))
	metrics.RestoreDuration.Observe(report.Duration.Seconds())

	if len(report.Failures) > 0 {
		r.logger.Warn("restore: finished with failures",
			"attempted", report.Attempted,
			"skipped", report.Skipped,
			"failed", len(report.Failures),
			"error", flushErr,
		)
	} else {
		r.logger.Info("restore: finished",
			"attempted", report.Attempted,
			"skipped", report.Skipped,
			"duration", report.Duration,
		)
	}
	return report
}

func pendingError(flushErr error) error {
	switch {
	case errors.Is(flushErr, context.DeadlineExceeded):
		return ErrFlushTimeout
	case flushErr != nil:
		return fmt.Errorf("flush: %w", flushErr)
	default:
		return errWriteUnconfirmed
	}
}
