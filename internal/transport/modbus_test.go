package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbus-saverestore/internal/discovery"
	"modbus-saverestore/internal/machinestate"
	"modbus-saverestore/internal/modbus"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T) (*modbus.Server, discovery.Server) {
	t.Helper()
	s := modbus.NewServer(modbus.WithLogger(discardLogger()))
	require.NoError(t, s.Listen("127.0.0.1:0"))
	t.Cleanup(s.Close)

	host, portStr, err := net.SplitHostPort(s.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return s, discovery.Server{
		ServerID:   "sim",
		Protocol:   "modbus-tcp",
		Connection: discovery.Connection{Host: host, Port: port},
		Timeout:    time.Second,
		Enabled:    true,
	}
}

func binding(srv discovery.Server, id string, p discovery.Point) discovery.Binding {
	if p.Scale == 0 {
		p.Scale = 1
	}
	if p.RegisterType == "" {
		p.RegisterType = "holding"
	}
	if p.DataType == "" {
		p.DataType = "uint16"
	}
	p.Name = id
	return discovery.Binding{ID: id, Node: "DEV", Server: srv, SlaveID: 1, Point: p}
}

func newTransport(t *testing.T, opts Options) *Modbus {
	t.Helper()
	opts.Logger = discardLogger()
	opts.ReconnectDelay = time.Millisecond
	m := New(opts)
	t.Cleanup(func() { m.Close() })
	return m
}

func writeSync(t *testing.T, m *Modbus, id string, v float64) error {
	t.Helper()
	done := make(chan error, 1)
	m.Write(context.Background(), id, v, func(err error) { done <- err })
	require.NoError(t, m.Flush(context.Background()))
	select {
	case err := <-done:
		return err
	default:
		t.Fatal("flush returned before the write completed")
		return nil
	}
}

func TestModbus_BatchRead(t *testing.T) {
	s, srv := startServer(t)
	s.SetHoldingRegister(0, 1500)
	require.NoError(t, s.SetInputBytes(4, []byte{0x41, 0x48, 0x00, 0x00}))
	s.SetCoil(2, true)

	m := newTransport(t, Options{})
	m.Bind([]discovery.Binding{
		binding(srv, "DEV:current", discovery.Point{Address: 0, Scale: 0.1, Writable: true}),
		binding(srv, "DEV:readback", discovery.Point{Address: 4, DataType: "float32", RegisterType: "input"}),
		binding(srv, "DEV:enable", discovery.Point{Address: 2, DataType: "bool", RegisterType: "coil", Writable: true}),
	})

	res := <-m.BatchRead(context.Background(), []string{"DEV:current", "DEV:readback", "DEV:enable", "DEV:ghost"})
	require.NoError(t, res.Err)
	assert.InDelta(t, 150.0, res.Values["DEV:current"], 1e-9)
	assert.InDelta(t, 12.5, res.Values["DEV:readback"], 1e-9)
	assert.Equal(t, 1.0, res.Values["DEV:enable"])
	assert.ErrorIs(t, res.Errors["DEV:ghost"], ErrUnknownPoint)
	assert.False(t, res.Value("DEV:ghost").Valid())
}

func TestModbus_BatchReadSpansServers(t *testing.T) {
	s1, srv1 := startServer(t)
	s2, srv2 := startServer(t)
	srv2.ServerID = "sim2"
	s1.SetHoldingRegister(1, 11)
	s2.SetHoldingRegister(1, 22)

	m := newTransport(t, Options{MaxWorkers: 1})
	m.Bind([]discovery.Binding{
		binding(srv1, "A", discovery.Point{Address: 1}),
		binding(srv2, "B", discovery.Point{Address: 1}),
	})

	res := <-m.BatchRead(context.Background(), []string{"A", "B"})
	assert.Equal(t, 11.0, res.Values["A"])
	assert.Equal(t, 22.0, res.Values["B"])
	assert.Empty(t, res.Errors)
}

func TestModbus_BatchReadCancelledStillDelivers(t *testing.T) {
	_, srv := startServer(t)
	m := newTransport(t, Options{})
	m.Bind([]discovery.Binding{binding(srv, "A", discovery.Point{})})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	select {
	case res := <-m.BatchRead(ctx, []string{"A"}):
		assert.ErrorIs(t, res.Err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("no result for a cancelled read")
	}
}

func TestModbus_UnreachableDeviceIsPerPoint(t *testing.T) {
	s, srv := startServer(t)
	s.SetHoldingRegister(0, 7)
	dead := srv
	dead.ServerID = "dead"
	dead.Connection.Port = 1
	dead.Timeout = 200 * time.Millisecond

	m := newTransport(t, Options{})
	m.Bind([]discovery.Binding{
		binding(srv, "A", discovery.Point{}),
		binding(dead, "B", discovery.Point{}),
	})
	res := <-m.BatchRead(context.Background(), []string{"A", "B"})
	require.NoError(t, res.Err)
	assert.Equal(t, 7.0, res.Values["A"])
	assert.Error(t, res.Errors["B"])
}

func TestModbus_WriteRoundTrip(t *testing.T) {
	s, srv := startServer(t)
	m := newTransport(t, Options{})
	m.Bind([]discovery.Binding{
		binding(srv, "I", discovery.Point{Address: 0, Scale: 0.1, Writable: true}),
		binding(srv, "F", discovery.Point{Address: 10, DataType: "float32", ByteOrder: "CDAB", Writable: true}),
		binding(srv, "C", discovery.Point{Address: 3, DataType: "bool", RegisterType: "coil", Writable: true}),
	})

	require.NoError(t, writeSync(t, m, "I", 151.2))
	assert.Equal(t, uint16(1512), s.HoldingRegister(0))

	require.NoError(t, writeSync(t, m, "F", -3.25))
	require.NoError(t, writeSync(t, m, "C", 1))
	assert.True(t, s.Coil(3))

	res := <-m.BatchRead(context.Background(), []string{"I", "F", "C"})
	assert.InDelta(t, 151.2, res.Values["I"], 1e-9)
	assert.Equal(t, -3.25, res.Values["F"])
	assert.Equal(t, 1.0, res.Values["C"])
}

func TestModbus_WriteRejections(t *testing.T) {
	_, srv := startServer(t)
	m := newTransport(t, Options{})
	m.Bind([]discovery.Binding{
		binding(srv, "RO", discovery.Point{RegisterType: "input"}),
		binding(srv, "NW", discovery.Point{}),
		binding(srv, "U", discovery.Point{Writable: true}),
	})

	assert.ErrorIs(t, writeSync(t, m, "RO", 1), ErrReadOnly)
	assert.ErrorIs(t, writeSync(t, m, "NW", 1), ErrReadOnly)
	assert.ErrorIs(t, writeSync(t, m, "U", -5), ErrOutOfRange)
	assert.ErrorIs(t, writeSync(t, m, "missing", 1), ErrUnknownPoint)
}

func TestModbus_FlushWaitsForEarlierWrites(t *testing.T) {
	s, srv := startServer(t)
	m := newTransport(t, Options{WriteRate: 200, WriteBurst: 1})
	var bs []discovery.Binding
	for i := 0; i < 5; i++ {
		bs = append(bs, binding(srv, "P"+strconv.Itoa(i), discovery.Point{Address: uint16(i), Writable: true}))
	}
	m.Bind(bs)

	var (
		mu   sync.Mutex
		done []string
	)
	for i := 0; i < 5; i++ {
		id := "P" + strconv.Itoa(i)
		m.Write(context.Background(), id, float64(100+i), func(err error) {
			assert.NoError(t, err)
			mu.Lock()
			done = append(done, id)
			mu.Unlock()
		})
	}
	require.NoError(t, m.Flush(context.Background()))

	mu.Lock()
	assert.Equal(t, []string{"P0", "P1", "P2", "P3", "P4"}, done, "writes complete in issue order")
	mu.Unlock()
	for i := 0; i < 5; i++ {
		assert.Equal(t, uint16(100+i), s.HoldingRegister(uint16(i)))
	}
}

func TestModbus_FlushHonoursContext(t *testing.T) {
	_, srv := startServer(t)
	m := newTransport(t, Options{WriteRate: 1, WriteBurst: 1})
	m.Bind([]discovery.Binding{
		binding(srv, "A", discovery.Point{Writable: true}),
		binding(srv, "B", discovery.Point{Address: 1, Writable: true}),
	})

	m.Write(context.Background(), "A", 1, func(error) {})
	m.Write(context.Background(), "B", 2, func(error) {})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Flush(ctx), context.DeadlineExceeded)
}

func TestModbus_CloseFailsQueuedWrites(t *testing.T) {
	_, srv := startServer(t)
	m := New(Options{WriteRate: 0.001, WriteBurst: 1, Logger: discardLogger()})
	m.Bind([]discovery.Binding{binding(srv, "A", discovery.Point{Writable: true})})

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		m.Write(context.Background(), "A", float64(i), func(err error) { errs <- err })
	}
	// the first write takes the only token; the rest wait on the limiter
	require.Eventually(t, func() bool { return len(errs) >= 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, m.Close())

	var closed int
	for i := 0; i < 3; i++ {
		if err := <-errs; errors.Is(err, ErrClosed) {
			closed++
		}
	}
	assert.Equal(t, 2, closed)
	require.NoError(t, m.Flush(context.Background()))

	var after error
	m.Write(context.Background(), "A", 1, func(err error) { after = err })
	assert.ErrorIs(t, after, ErrClosed)
}

// silentDevice accepts connections and never answers.
func silentDevice(t *testing.T) discovery.Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		var conns []net.Conn
		defer func() {
			for _, c := range conns {
				c.Close()
			}
		}()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, c)
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return discovery.Server{
		ServerID:   "silent",
		Protocol:   "modbus-tcp",
		Connection: discovery.Connection{Host: addr.IP.String(), Port: addr.Port},
		Timeout:    300 * time.Millisecond,
		Enabled:    true,
	}
}

func TestModbus_WriteGivesUpWhenQueueStaysFull(t *testing.T) {
	m := newTransport(t, Options{QueueSize: 1})
	srv := silentDevice(t)
	m.Bind([]discovery.Binding{
		binding(srv, "A", discovery.Point{Writable: true}),
		binding(srv, "B", discovery.Point{Address: 1, Writable: true}),
		binding(srv, "C", discovery.Point{Address: 2, Writable: true}),
	})

	// A occupies the writer, B fills the queue
	m.Write(context.Background(), "A", 1, func(error) {})
	m.Write(context.Background(), "B", 2, func(error) {})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	errs := make(chan error, 1)
	started := time.Now()
	m.Write(ctx, "C", 3, func(err error) { errs <- err })
	assert.Less(t, time.Since(started), 250*time.Millisecond)
	assert.ErrorIs(t, <-errs, context.DeadlineExceeded)
}

func TestModbus_RestoreAgainstSilentDeviceKeepsTimeout(t *testing.T) {
	m := newTransport(t, Options{QueueSize: 1})
	srv := silentDevice(t)
	var (
		bs      []discovery.Binding
		records []machinestate.Record
	)
	for i := 0; i < 4; i++ {
		id := "P" + strconv.Itoa(i)
		bs = append(bs, binding(srv, id, discovery.Point{Address: uint16(i), Writable: true}))
		r := machinestate.NewRecord("DEV", id)
		r.SetSaved(machinestate.Of(float64(i)))
		records = append(records, r)
	}
	m.Bind(bs)

	r := machinestate.NewRestorer(m, machinestate.RestorerOptions{Timeout: 100 * time.Millisecond, Logger: discardLogger()})
	started := time.Now()
	report := r.Restore(context.Background(), records)
	require.Less(t, time.Since(started), time.Second)
	assert.Equal(t, 4, report.Attempted)
	require.Len(t, report.Failures, 4)
	for _, f := range report.Failures {
		assert.ErrorIs(t, f.Err, machinestate.ErrFlushTimeout)
	}
}

func TestModbus_BindDropsOldPoints(t *testing.T) {
	_, srv := startServer(t)
	m := newTransport(t, Options{})
	m.Bind([]discovery.Binding{binding(srv, "A", discovery.Point{})})
	m.Bind([]discovery.Binding{binding(srv, "B", discovery.Point{})})

	res := <-m.BatchRead(context.Background(), []string{"A", "B"})
	assert.ErrorIs(t, res.Errors["A"], ErrUnknownPoint)
	assert.NotContains(t, res.Errors, "B")
}
