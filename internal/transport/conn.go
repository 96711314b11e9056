package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mb "github.com/goburrow/modbus"

	"modbus-saverestore/internal/discovery"
)

// handlerWithConn embeds mb.ClientHandler and exposes Connect/Close used for lifecycle.
type handlerWithConn interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

// deviceConn is the connection to one slave. Requests on it are serialized.
type deviceConn struct {
	server         discovery.Server
	slaveID        uint8
	reconnectDelay time.Duration
	logger         *slog.Logger

	mu        sync.Mutex
	handler   handlerWithConn
	client    mb.Client
	connected bool
}

func newHandler(s discovery.Server, slaveID uint8) (handlerWithConn, error) {
	switch strings.ToLower(strings.TrimSpace(s.Protocol)) {
	case "modbus-tcp", "tcp":
		h := mb.NewTCPClientHandler(s.Connection.Address(s.Protocol))
		h.Timeout = s.Timeout
		h.SlaveId = slaveID
		return h, nil
	case "modbus-rtu", "rtu":
		c := s.Connection
		h := mb.NewRTUClientHandler(c.SerialPort)
		if c.BaudRate > 0 {
			h.BaudRate = c.BaudRate
		}
		if c.DataBits > 0 {
			h.DataBits = c.DataBits
		}
		if c.StopBits > 0 {
			h.StopBits = c.StopBits
		}
		if p := strings.ToUpper(strings.TrimSpace(c.Parity)); p != "" {
			h.Parity = p
		}
		h.Timeout = s.Timeout
		h.SlaveId = slaveID
		return h, nil
	default:
		return nil, fmt.Errorf("protocol %s not implemented", s.Protocol)
	}
}

// ensure connects with up to RetryCount retries. Caller holds c.mu.
func (c *deviceConn) ensure() error {
	if c.connected {
		return nil
	}
	if c.handler == nil {
		h, err := newHandler(c.server, c.slaveID)
		if err != nil {
			return err
		}
		c.handler = h
		c.client = mb.NewClient(h)
	}
	addr := c.server.Connection.Address(c.server.Protocol)
	var err error
	for attempt := 0; attempt <= c.server.RetryCount; attempt++ {
		if attempt > 0 {
			time.Sleep(c.reconnectDelay)
		}
		if err = c.handler.Connect(); err == nil {
			c.connected = true
			c.logger.Debug("transport: connected", "address", addr, "slave_id", c.slaveID)
			return nil
		}
	}
	return fmt.Errorf("connect %s: %w", addr, err)
}

// reconnect closes and reopens the handler. Caller holds c.mu.
func (c *deviceConn) reconnect() error {
	if c.handler != nil {
		c.handler.Close()
	}
	c.connected = false
	time.Sleep(c.reconnectDelay)
	return c.ensure()
}

// do runs op once, and once more after a reconnect if it failed.
func (c *deviceConn) do(op func(mb.Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensure(); err != nil {
		return err
	}
	err := op(c.client)
	if err == nil {
		return nil
	}
	var mbErr *mb.ModbusError
	if errors.As(err, &mbErr) {
		// the device answered; the link is fine
		return err
	}
	if recErr := c.reconnect(); recErr != nil {
		return err
	}
	return op(c.client)
}

func (c *deviceConn) read(p discovery.Point) (float64, error) {
	var v float64
	err := c.do(func(client mb.Client) error {
		var (
			data []byte
			err  error
		)
		switch p.RegisterType {
		case "holding":
			data, err = client.ReadHoldingRegisters(p.Address, p.RegisterCount())
		case "input":
			data, err = client.ReadInputRegisters(p.Address, p.RegisterCount())
		case "coil":
			data, err = client.ReadCoils(p.Address, 1)
		case "discrete":
			data, err = client.ReadDiscreteInputs(p.Address, 1)
		default:
			return fmt.Errorf("unsupported register type: %s", p.RegisterType)
		}
		if err != nil {
			return err
		}
		if p.IsBit() {
			v = decodeBit(data)
			return nil
		}
		v, err = DecodeRegisters(p, data)
		return err
	})
	return v, err
}

func (c *deviceConn) write(p discovery.Point, value float64) error {
	switch p.RegisterType {
	case "coil":
		word, err := encodeCoil(p, value)
		if err != nil {
			return err
		}
		return c.do(func(client mb.Client) error {
			_, err := client.WriteSingleCoil(p.Address, word)
			return err
		})
	case "holding":
		data, err := EncodeRegisters(p, value)
		if err != nil {
			return err
		}
		return c.do(func(client mb.Client) error {
			if len(data) == 2 {
				_, err := client.WriteSingleRegister(p.Address, binary.BigEndian.Uint16(data))
				return err
			}
			_, err := client.WriteMultipleRegisters(p.Address, uint16(len(data)/2), data)
			return err
		})
	default:
		return fmt.Errorf("%w: %s register", ErrReadOnly, p.RegisterType)
	}
}

func (c *deviceConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		c.handler.Close()
	}
	c.connected = false
}
