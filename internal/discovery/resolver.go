package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"modbus-saverestore/internal/machinestate"
)

var ErrNoSuchSequence = errors.New("no such sequence")

// Binding ties a control point id to everything needed to reach it on the wire.
type Binding struct {
	ID   string
	Node string
	// Server carries protocol, connection and timeouts; its Devices are cleared.
	Server  Server
	SlaveID uint8
	Point   Point
}

// ParseConfiguration splits "path#sequence" into its parts. The sequence is
// empty when the configuration names the whole machine.
func ParseConfiguration(configuration string) (path, sequence string) {
	configuration = strings.TrimSpace(configuration)
	if i := strings.LastIndexByte(configuration, '#'); i >= 0 {
		return configuration[:i], configuration[i+1:]
	}
	return configuration, ""
}

// Resolve returns the writable points that configuration selects in def, in
// definition order.
func Resolve(def Definition, sequence string) ([]Binding, error) {
	var (
		seq    Sequence
		filter bool
	)
	if sequence != "" {
		var ok bool
		seq, ok = def.Sequence(sequence)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchSequence, sequence)
		}
		filter = true
	}

	var out []Binding
	for _, s := range def.Servers {
		if !s.Enabled {
			continue
		}
		server := s
		server.Devices = nil
		for _, d := range s.Devices {
			if filter && !slices.Contains(seq.DeviceTypes, d.Type) {
				continue
			}
			handles := seq.Handles[d.Type]
			for _, p := range d.Points {
				if !p.Writable {
					continue
				}
				if len(handles) > 0 && !slices.Contains(handles, p.Name) {
					continue
				}
				out = append(out, Binding{
					ID:      ControlPointID(d, p),
					Node:    d.DeviceID,
					Server:  server,
					SlaveID: d.SlaveID,
					Point:   p,
				})
			}
		}
	}
	return out, nil
}

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	Logger *slog.Logger
	// OnResolve receives the bindings of every successful Discover before the
	// targets are returned.
	OnResolve func(configuration string, bindings []Binding)
}

// Resolver discovers control points from machine definition files.
type Resolver struct {
	logger    *slog.Logger
	onResolve func(string, []Binding)
}

func NewResolver(opts ResolverOptions) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger, onResolve: opts.OnResolve}
}

// Bindings loads the definition a configuration points at and resolves it.
func (r *Resolver) Bindings(configuration string) ([]Binding, error) {
	path, sequence := ParseConfiguration(configuration)
	if path == "" {
		return nil, errors.New("empty configuration")
	}
	def, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return Resolve(def, sequence)
}

// Discover implements machinestate.Discoverer.
func (r *Resolver) Discover(ctx context.Context, configuration string) ([]machinestate.Target, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bindings, err := r.Bindings(configuration)
	if err != nil {
		return nil, err
	}
	if r.onResolve != nil {
		r.onResolve(configuration, bindings)
	}

	targets := make([]machinestate.Target, 0, len(bindings))
	for _, b := range bindings {
		targets = append(targets, machinestate.Target{Node: b.Node, ControlPointID: b.ID})
	}
	r.logger.Debug("discovery: resolved", "configuration", configuration, "points", len(targets))
	return targets, nil
}
