package snapshot

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbus-saverestore/internal/machinestate"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "saverestore.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleDoc(comment string, values ...machinestate.PointValue) Document {
	return FromCapture(machinestate.Capture{Configuration: "ring.yaml", Comment: comment, Values: values}, time.Now())
}

func TestStore_SaveGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	sum, err := s.Save(ctx, "injection", sampleDoc("first",
		machinestate.PointValue{ControlPointID: "PV:A", Value: 1},
		machinestate.PointValue{ControlPointID: "PV:B", Value: 2},
	))
	require.NoError(t, err)
	assert.NotEmpty(t, sum.ID)
	assert.Equal(t, 2, sum.Records)

	snap, err := s.Get(ctx, sum.ID)
	require.NoError(t, err)
	assert.Equal(t, "injection", snap.Name)
	assert.Equal(t, "first", snap.Comment)
	assert.Equal(t, "ring.yaml", snap.Document.Configuration)
	assert.Equal(t, FormatVersion, snap.Document.Version)
	require.Len(t, snap.Document.MachineState.Records, 2)
	assert.Equal(t, "PV:A", snap.Document.MachineState.Records[0].ID(), "value order is kept")
	assert.Equal(t, map[string]float64{"PV:A": 1, "PV:B": 2}, snap.Document.Values())

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Save(ctx, "", sampleDoc("x"))
	assert.Error(t, err)
}

func TestStore_ListLatestDelete(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.nowFunc = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	a1, err := s.Save(ctx, "a", sampleDoc("a1"))
	require.NoError(t, err)
	_, err = s.Save(ctx, "b", sampleDoc("b1"))
	require.NoError(t, err)
	a2, err := s.Save(ctx, "a", sampleDoc("a2", machinestate.PointValue{ControlPointID: "PV:A", Value: 9}))
	require.NoError(t, err)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, a2.ID, list[0].ID, "newest first")
	assert.Equal(t, base.Add(3*time.Minute), list[0].CreatedAt)
	assert.Equal(t, 1, list[0].Records)

	latest, err := s.Latest(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, a2.ID, latest.ID)
	assert.Equal(t, map[string]float64{"PV:A": 9}, latest.Document.Values())

	require.NoError(t, s.Delete(ctx, a2.ID))
	latest, err = s.Latest(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, a1.ID, latest.ID)

	assert.ErrorIs(t, s.Delete(ctx, a2.ID), ErrNotFound)
	_, err = s.Latest(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saverestore.db")
	ctx := context.Background()

	s, err := Open(ctx, path, discardLogger())
	require.NoError(t, err)
	sum, err := s.Save(ctx, "keep", sampleDoc("c", machinestate.PointValue{ControlPointID: "PV:A", Value: 4}))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, discardLogger())
	require.NoError(t, err)
	defer s.Close()
	snap, err := s.Get(ctx, sum.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"PV:A": 4}, snap.Document.Values())
}
