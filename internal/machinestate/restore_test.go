package machinestate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func savedRecord(id string, saved float64) Record {
	r := NewRecord("N", id)
	r.SetSaved(Of(saved))
	return r
}

func TestRestorer_SkipsRecordsWithoutSavedValue(t *testing.T) {
	w := &fakeWriter{}
	r := NewRestorer(w, RestorerOptions{Logger: discardLogger()})

	report := r.Restore(context.Background(), []Record{savedRecord("PV:A", 1), NewRecord("N", "PV:B")})
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, report.Failures)
	assert.NoError(t, report.Err())
	assert.Equal(t, []PointValue{{ControlPointID: "PV:A", Value: 1}}, w.written())
}

func TestRestorer_OneFailureDoesNotStopOthers(t *testing.T) {
	errRejected := errors.New("device rejected write")
	w := &fakeWriter{fail: map[string]error{"PV:B": errRejected}}
	r := NewRestorer(w, RestorerOptions{Logger: discardLogger()})

	report := r.Restore(context.Background(), []Record{
		savedRecord("PV:A", 1), savedRecord("PV:B", 2), savedRecord("PV:C", 3),
	})
	assert.Equal(t, 3, report.Attempted)
	assert.Len(t, w.written(), 3)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "PV:B", report.Failures[0].ControlPointID)
	assert.ErrorIs(t, report.Err(), errRejected)
}

func TestRestorer_FlushTimeoutFailsPendingWrites(t *testing.T) {
	w := &fakeWriter{hang: map[string]bool{"PV:B": true, "PV:C": true}}
	r := NewRestorer(w, RestorerOptions{Timeout: 30 * time.Millisecond, Logger: discardLogger()})

	report := r.Restore(context.Background(), []Record{
		savedRecord("PV:C", 3), savedRecord("PV:A", 1), savedRecord("PV:B", 2),
	})
	assert.Equal(t, 3, report.Attempted)
	require.Len(t, report.Failures, 2)
	assert.Equal(t, "PV:C", report.Failures[0].ControlPointID, "failures keep record order")
	assert.Equal(t, "PV:B", report.Failures[1].ControlPointID)
	for _, f := range report.Failures {
		assert.ErrorIs(t, f.Err, ErrFlushTimeout)
	}
	assert.GreaterOrEqual(t, report.Duration, 30*time.Millisecond)
}

func TestRestorer_BlockedWriteIsBoundedByTimeout(t *testing.T) {
	w := &fakeWriter{block: map[string]bool{"PV:A": true}}
	r := NewRestorer(w, RestorerOptions{Timeout: 50 * time.Millisecond, Logger: discardLogger()})

	started := time.Now()
	report := r.Restore(context.Background(), []Record{
		savedRecord("PV:A", 1), savedRecord("PV:B", 2), savedRecord("PV:C", 3),
	})
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, 3, report.Attempted)
	require.Len(t, report.Failures, 3, "writes never issued fail too")
	for i, id := range []string{"PV:A", "PV:B", "PV:C"} {
		assert.Equal(t, id, report.Failures[i].ControlPointID)
		assert.ErrorIs(t, report.Failures[i].Err, ErrFlushTimeout)
	}
	assert.Empty(t, w.written())
}

func TestRestorer_NothingToWriteSkipsFlush(t *testing.T) {
	w := &fakeWriter{hang: map[string]bool{"PV:A": true}}
	r := NewRestorer(w, RestorerOptions{Timeout: time.Hour, Logger: discardLogger()})

	report := r.Restore(context.Background(), []Record{NewRecord("N", "PV:A")})
	assert.Zero(t, report.Attempted)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, w.written())
}

func TestPendingError(t *testing.T) {
	assert.ErrorIs(t, pendingError(context.DeadlineExceeded), ErrFlushTimeout)
	assert.ErrorIs(t, pendingError(assert.AnError), assert.AnError)
	assert.ErrorIs(t, pendingError(nil), errWriteUnconfirmed)
}
