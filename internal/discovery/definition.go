// Package discovery reads machine definitions and resolves a configuration
// string to the writable control points it selects.
package discovery

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Definition mirrors a machine definition file.
type Definition struct {
	Machine   string     `yaml:"machine"`
	Servers   []Server   `yaml:"servers"`
	Sequences []Sequence `yaml:"sequences"`
}

type Server struct {
	ServerID   string        `yaml:"server_id"`
	ServerName string        `yaml:"server_name"`
	Protocol   string        `yaml:"protocol"` // modbus-tcp | modbus-rtu
	Connection Connection    `yaml:"connection"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
	Enabled    bool          `yaml:"enabled"`
	Devices    []Device      `yaml:"devices"`
}

type Connection struct {
	// TCP
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// RTU
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`
	DataBits   int    `yaml:"data_bits"`
	StopBits   int    `yaml:"stop_bits"`
	Parity     string `yaml:"parity"`
}

// Address is the dial target of a TCP server, or the serial port for RTU.
func (c Connection) Address(protocol string) string {
	if IsRTU(protocol) {
		return c.SerialPort
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Device is one node of the machine: a magnet power supply, an RF cavity.
type Device struct {
	DeviceID string  `yaml:"device_id"`
	Type     string  `yaml:"type"`
	Vendor   string  `yaml:"vendor"`
	SlaveID  uint8   `yaml:"slave_id"`
	Points   []Point `yaml:"points"`
}

type Point struct {
	Name         string   `yaml:"name"`
	PV           string   `yaml:"pv"`
	Address      uint16   `yaml:"address"`
	DataType     string   `yaml:"data_type"`     // uint16 | int16 | uint32 | int32 | float32
	ByteOrder    string   `yaml:"byte_order"`    // ABCD | DCBA | BADC | CDAB
	RegisterType string   `yaml:"register_type"` // holding | input | coil | discrete
	Scale        float64  `yaml:"scale"`
	Offset       float64  `yaml:"offset"`
	Unit         string   `yaml:"unit"`
	Writable     bool     `yaml:"writable"`
	Initial      float64  `yaml:"initial"`
	Min          *float64 `yaml:"min"`
	Max          *float64 `yaml:"max"`
}

// Sequence narrows a definition to the devices of some types and, per type,
// to a list of handles (point names).
type Sequence struct {
	ID          string              `yaml:"id"`
	Description string              `yaml:"description"`
	DeviceTypes []string            `yaml:"device_types"`
	Handles     map[string][]string `yaml:"handles"`
}

// ControlPointID is the identifier a point is polled, saved and restored by.
func ControlPointID(d Device, p Point) string {
	if p.PV != "" {
		return p.PV
	}
	return d.DeviceID + ":" + p.Name
}

func IsRTU(protocol string) bool {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "modbus-rtu", "rtu":
		return true
	}
	return false
}

// RegisterCount is the number of 16-bit registers a point occupies.
func (p Point) RegisterCount() uint16 {
	switch p.DataType {
	case "float32", "uint32", "int32":
		return 2
	}
	return 1
}

// IsBit reports whether the point lives in a coil or discrete input table.
func (p Point) IsBit() bool {
	return p.RegisterType == "coil" || p.RegisterType == "discrete"
}

// Load reads a definition from path and applies defaults.
func Load(path string) (Definition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, err
	}
	return Parse(b)
}

// Parse decodes a definition and applies defaults.
func Parse(b []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(b, &def); err != nil {
		return Definition{}, fmt.Errorf("parse machine definition: %w", err)
	}
	applyDefaults(&def)
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

func applyDefaults(def *Definition) {
	for si := range def.Servers {
		s := &def.Servers[si]
		if strings.TrimSpace(s.Protocol) == "" {
			s.Protocol = "modbus-tcp"
		}
		if s.Timeout <= 0 {
			s.Timeout = 5 * time.Second
		}
		if s.RetryCount < 0 {
			s.RetryCount = 0
		}
		for di := range s.Devices {
			d := &s.Devices[di]
			if d.SlaveID == 0 {
				d.SlaveID = 1
			}
			for pi := range d.Points {
				p := &d.Points[pi]
				p.RegisterType = strings.ToLower(strings.TrimSpace(p.RegisterType))
				if p.RegisterType == "" {
					p.RegisterType = "holding"
				}
				p.DataType = strings.ToLower(strings.TrimSpace(p.DataType))
				if p.DataType == "" {
					if p.IsBit() {
						p.DataType = "bool"
					} else {
						p.DataType = "uint16"
					}
				}
				p.ByteOrder = strings.ToUpper(strings.TrimSpace(p.ByteOrder))
				if p.ByteOrder == "" {
					p.ByteOrder = "ABCD"
				}
				if p.Scale == 0 {
					p.Scale = 1
				}
			}
		}
	}
}

// Validate checks the definition for errors that would make resolution ambiguous.
func (def Definition) Validate() error {
	var errs []error
	if len(def.Servers) == 0 {
		errs = append(errs, errors.New("no servers configured"))
	}
	servers := make(map[string]bool)
	for _, s := range def.Servers {
		if s.ServerID == "" {
			errs = append(errs, errors.New("server without server_id"))
		} else if servers[s.ServerID] {
			errs = append(errs, fmt.Errorf("duplicate server_id %q", s.ServerID))
		}
		servers[s.ServerID] = true
		if IsRTU(s.Protocol) && strings.TrimSpace(s.Connection.SerialPort) == "" {
			errs = append(errs, fmt.Errorf("server %s: serial_port is required for RTU", s.ServerID))
		}
		for _, d := range s.Devices {
			if d.DeviceID == "" {
				errs = append(errs, fmt.Errorf("server %s: device without device_id", s.ServerID))
			}
			for _, p := range d.Points {
				if p.Name == "" {
					errs = append(errs, fmt.Errorf("device %s: point without name", d.DeviceID))
				}
				if p.Writable && (p.RegisterType == "input" || p.RegisterType == "discrete") {
					errs = append(errs, fmt.Errorf("point %s: %s registers are read-only", ControlPointID(d, p), p.RegisterType))
				}
			}
		}
	}
	sequences := make(map[string]bool)
	for _, q := range def.Sequences {
		if q.ID == "" {
			errs = append(errs, errors.New("sequence without id"))
		} else if sequences[q.ID] {
			errs = append(errs, fmt.Errorf("duplicate sequence %q", q.ID))
		}
		sequences[q.ID] = true
	}
	return errors.Join(errs...)
}

// Sequence returns the sequence with the given id.
func (def Definition) Sequence(id string) (Sequence, bool) {
	for _, q := range def.Sequences {
		if q.ID == id {
			return q, true
		}
	}
	return Sequence{}, false
}
