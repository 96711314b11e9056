package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbus-saverestore/internal/machinestate"
)

type staticDiscoverer []machinestate.Target

func (d staticDiscoverer) Discover(context.Context, string) ([]machinestate.Target, error) {
	return d, nil
}

type mapReader struct {
	values chan map[string]float64
}

func (r *mapReader) BatchRead(_ context.Context, ids []string) <-chan machinestate.BatchResult {
	out := make(chan machinestate.BatchResult, 1)
	vals := <-r.values
	out <- machinestate.BatchResult{Values: vals}
	return out
}

type nopWriter struct{}

func (nopWriter) Write(_ context.Context, _ string, _ float64, done func(error)) { done(nil) }
func (nopWriter) Flush(context.Context) error                 { return nil }

func TestChangeCache(t *testing.T) {
	c := newChangeCache(time.Minute, 0.01)
	now := time.Unix(0, 0)
	c.now = func() time.Time { return now }

	assert.True(t, c.changed("A", 1))
	assert.False(t, c.changed("A", 1.005), "within epsilon")
	assert.True(t, c.changed("A", 1.5))

	now = now.Add(2 * time.Minute)
	assert.True(t, c.changed("A", 1.5), "expired entries are recorded again")

	c.forget(map[string]bool{})
	assert.True(t, c.changed("A", 1.5))
}

func TestHistory_RecordsChangedValues(t *testing.T) {
	store := openStore(t)
	reader := &mapReader{values: make(chan map[string]float64, 4)}
	state := machinestate.New(staticDiscoverer{{Node: "N", ControlPointID: "PV:A"}, {Node: "N", ControlPointID: "PV:B"}},
		reader, nopWriter{}, machinestate.Options{PollInterval: time.Hour, Logger: discardLogger()})
	require.NoError(t, state.SetTarget(context.Background(), "m"))

	h := NewHistory(store, HistoryOptions{Logger: discardLogger()})
	updated := make(chan struct{}, 4)
	state.SetObserver(machinestate.Observers{h, machinestate.ObserverFunc(func(*machinestate.State) { updated <- struct{}{} })})

	reader.values <- map[string]float64{"PV:A": 1}
	state.Start(context.Background())
	defer state.Close()
	<-updated

	reader.values <- map[string]float64{"PV:A": 1, "PV:B": 2}
	state.Refresh()
	<-updated

	reader.values <- map[string]float64{"PV:A": 3, "PV:B": 2}
	state.Refresh()
	<-updated
	h.Close()

	ctx := context.Background()
	a, err := store.Recent(ctx, "PV:A", 10)
	require.NoError(t, err)
	require.Len(t, a, 2, "the unchanged second reading is suppressed")
	assert.Equal(t, 3.0, a[0].Value)
	assert.Equal(t, 1.0, a[1].Value)

	b, err := store.Recent(ctx, "PV:B", 10)
	require.NoError(t, err)
	require.Len(t, b, 1)
	assert.Equal(t, "N", b[0].Node)

	// closed history ignores further updates
	h.StateUpdated(state)
}
