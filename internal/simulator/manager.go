// Package simulator runs a machine definition as a set of in-process Modbus
// TCP servers, for demos and integration tests.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"modbus-saverestore/internal/discovery"
	"modbus-saverestore/internal/modbus"
	"modbus-saverestore/internal/transport"
)

const (
	maxConcurrentStarts = 16
	listenRetryDelay    = time.Second
)

var (
	ErrUnknownPoint = errors.New("simulator: unknown control point")
	ErrNotRunning   = errors.New("simulator: server not running")
)

type simPoint struct {
	serverID string
	point    discovery.Point
}

// Manager spins up one Modbus server per enabled TCP server of a machine
// definition. RTU servers are skipped.
type Manager struct {
	def      discovery.Definition
	settings Settings
	logger   *slog.Logger

	points map[string]simPoint
	seeds  map[string]float64
	ready  chan struct{}

	mu      sync.Mutex
	servers map[string]*modbus.Server
}

func NewManager(def discovery.Definition, settings Settings, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		def:      def,
		settings: settings,
		logger:   logger,
		points:   make(map[string]simPoint),
		seeds:    make(map[string]float64, len(settings.Seeds)),
		ready:    make(chan struct{}),
		servers:  make(map[string]*modbus.Server),
	}
	for _, srv := range def.Servers {
		if !srv.Enabled || discovery.IsRTU(srv.Protocol) {
			continue
		}
		for _, dev := range srv.Devices {
			for _, p := range dev.Points {
				m.points[discovery.ControlPointID(dev, p)] = simPoint{serverID: srv.ServerID, point: p}
			}
		}
	}
	for _, s := range settings.Seeds {
		if _, ok := m.points[s.ID]; !ok {
			logger.Warn("simulator: seed for unknown control point ignored", "control_point", s.ID)
			continue
		}
		m.seeds[s.ID] = s.Value
	}
	return m
}

// Ready is closed once every server has been started or has failed to start.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// Run starts all enabled TCP servers and blocks until ctx is canceled. A
// server that cannot listen after its retries stops the others and its error
// is returned. Run must be called once.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, maxConcurrentStarts)
	var starting sync.WaitGroup

	for _, srv := range m.def.Servers {
		if !srv.Enabled {
			continue
		}
		if discovery.IsRTU(srv.Protocol) {
			m.logger.Warn("simulator: protocol not simulated, skipping", "server", srv.ServerID, "protocol", srv.Protocol)
			continue
		}

		starting.Add(1)
		g.Go(func() error {
			server, err := m.start(gctx, srv, sem)
			starting.Done()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}

			<-gctx.Done()
			server.Close()
			m.mu.Lock()
			delete(m.servers, srv.ServerID)
			m.mu.Unlock()
			m.logger.Info("simulator: server stopped", "server", srv.ServerID)
			return nil
		})
	}

	go func() {
		starting.Wait()
		close(m.ready)
	}()

	if d := m.settings.Drift; d.Interval > 0 && d.Amplitude > 0 {
		g.Go(func() error {
			<-m.ready
			m.drift(gctx, d)
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) start(ctx context.Context, srv discovery.Server, sem chan struct{}) (*modbus.Server, error) {
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	addr := m.listenAddress(srv)
	retry := max(srv.RetryCount, 0)

	var err error
	for attempt := 0; attempt <= retry; attempt++ {
		server := modbus.NewServer(
			modbus.WithLogger(m.logger),
			modbus.WithWriteHook(m.writeHook(srv.ServerID)),
		)
		if err = server.Listen(addr); err == nil {
			m.seed(server, srv)
			m.mu.Lock()
			m.servers[srv.ServerID] = server
			m.mu.Unlock()
			m.logger.Info("simulator: server listening", "server", srv.ServerID, "addr", server.Addr().String())
			return server, nil
		}
		if attempt == retry {
			break
		}
		m.logger.Warn("simulator: listen failed, retrying", "server", srv.ServerID, "addr", addr, "error", err)
		select {
		case <-time.After(listenRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("server %s listen %s: %w", srv.ServerID, addr, err)
}

func (m *Manager) listenAddress(srv discovery.Server) string {
	host := srv.Connection.Host
	if m.settings.ListenHost != "" {
		host = m.settings.ListenHost
	}
	return net.JoinHostPort(host, strconv.Itoa(srv.Connection.Port))
}

func (m *Manager) writeHook(serverID string) func(modbus.WriteEvent) {
	return func(ev modbus.WriteEvent) {
		m.logger.Debug("simulator: write",
			"server", serverID,
			"unit", ev.UnitID,
			"function", ev.Function,
			"address", ev.Address,
			"quantity", ev.Quantity,
		)
	}
}

// seed stores the initial value of every declared point, or its seed override.
func (m *Manager) seed(server *modbus.Server, srv discovery.Server) {
	for _, dev := range srv.Devices {
		for _, p := range dev.Points {
			id := discovery.ControlPointID(dev, p)
			value := p.Initial
			if v, ok := m.seeds[id]; ok {
				value = v
			}
			if err := store(server, p, value); err != nil {
				m.logger.Warn("simulator: initial value not stored", "control_point", id, "value", value, "error", err)
			}
		}
	}
}

func store(server *modbus.Server, p discovery.Point, value float64) error {
	switch p.RegisterType {
	case "coil":
		server.SetCoil(p.Address, value != 0)
		return nil
	case "discrete":
		server.SetDiscreteInput(p.Address, value != 0)
		return nil
	}

	data, err := transport.EncodeRegisters(p, value)
	if err != nil {
		return err
	}
	if p.RegisterType == "input" {
		return server.SetInputBytes(p.Address, data)
	}
	return server.SetHoldingBytes(p.Address, data)
}

func load(server *modbus.Server, p discovery.Point) (float64, error) {
	var (
		data []byte
		err  error
	)
	switch p.RegisterType {
	case "coil":
		return boolValue(server.Coil(p.Address)), nil
	case "discrete":
		return boolValue(server.DiscreteInput(p.Address)), nil
	case "input":
		data, err = server.InputBytes(p.Address, int(p.RegisterCount()))
	default:
		data, err = server.HoldingBytes(p.Address, int(p.RegisterCount()))
	}
	if err != nil {
		return 0, err
	}
	return transport.DecodeRegisters(p, data)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (m *Manager) lookup(id string) (*modbus.Server, discovery.Point, error) {
	sp, ok := m.points[id]
	if !ok {
		return nil, discovery.Point{}, fmt.Errorf("%w: %s", ErrUnknownPoint, id)
	}
	m.mu.Lock()
	server := m.servers[sp.serverID]
	m.mu.Unlock()
	if server == nil {
		return nil, discovery.Point{}, fmt.Errorf("%w: %s", ErrNotRunning, sp.serverID)
	}
	return server, sp.point, nil
}

// Value reads the engineering value a control point currently holds.
func (m *Manager) Value(id string) (float64, error) {
	server, p, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	return load(server, p)
}

// SetValue overwrites a control point as if the machine had moved.
func (m *Manager) SetValue(id string, value float64) error {
	server, p, err := m.lookup(id)
	if err != nil {
		return err
	}
	return store(server, p, value)
}

// Server returns the running server for a server id, or nil.
func (m *Manager) Server(id string) *modbus.Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.servers[id]
}

// Addr returns the listen address of a running server, or nil.
func (m *Manager) Addr(id string) net.Addr {
	if s := m.Server(id); s != nil {
		return s.Addr()
	}
	return nil
}

func (m *Manager) driftPoints(d Drift) []string {
	if len(d.Points) > 0 {
		return d.Points
	}
	var ids []string
	for id, sp := range m.points {
		if sp.point.Writable && !sp.point.IsBit() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (m *Manager) drift(ctx context.Context, d Drift) {
	ids := m.driftPoints(d)
	m.logger.Info("simulator: drift enabled", "interval", d.Interval, "amplitude", d.Amplitude, "points", len(ids))

	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, id := range ids {
			v, err := m.Value(id)
			if err != nil {
				continue
			}
			step := (rand.Float64()*2 - 1) * d.Amplitude
			if err := m.SetValue(id, v+step); err != nil {
				m.logger.Debug("simulator: drift step rejected", "control_point", id, "error", err)
			}
		}
	}
}
