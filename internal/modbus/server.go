// Package modbus is a small Modbus TCP server backing the machine simulator
// and the transport integration tests.
package modbus

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
)

const (
	functionReadCoils          = 0x01
	functionReadDiscreteInputs = 0x02
	functionReadHoldingRegs    = 0x03
	functionReadInputRegs      = 0x04
	functionWriteSingleCoil    = 0x05
	functionWriteSingleReg     = 0x06
	functionWriteMultipleCoils = 0x0F
	functionWriteMultipleRegs  = 0x10

	exceptionIllegalFunction = 0x01
	exceptionIllegalDataAddr = 0x02
	exceptionIllegalDataVal  = 0x03

	tableSize = 65536
)

var (
	errOutOfRange    = errors.New("out of range")
	errInvalidQty    = errors.New("invalid quantity")
	errInvalidPDULen = errors.New("invalid pdu length")
	errInvalidValue  = errors.New("invalid value")
)

// WriteEvent describes a write request the server applied.
type WriteEvent struct {
	UnitID   byte
	Function byte
	Address  uint16
	Quantity uint16
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithWriteHook registers a function called after every applied write.
func WithWriteHook(fn func(WriteEvent)) Option {
	return func(s *Server) { s.onWrite = fn }
}

// Server implements a Modbus TCP server with the read and write functions a
// setpoint controller needs. All unit ids share one register space.
type Server struct {
	listener  net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
	onWrite   func(WriteEvent)

	mu       sync.RWMutex
	holding  []uint16
	input    []uint16
	coils    []bool
	discrete []bool
}

// NewServer constructs a server with full-size tables.
func NewServer(opts ...Option) *Server {
	s := &Server{
		holding:  make([]uint16, tableSize),
		input:    make([]uint16, tableSize),
		coils:    make([]bool, tableSize),
		discrete: make([]bool, tableSize),
		quit:     make(chan struct{}),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen starts accepting Modbus TCP connections on the provided address.
func (s *Server) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = l

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the listening address, useful after Listen("127.0.0.1:0").
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.quit:
			conn.Close()
		case <-done:
		}
	}()

	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}

		length := binary.BigEndian.Uint16(header[4:6])
		if length <= 1 {
			continue
		}

		unitID := header[6]
		pdu := make([]byte, int(length-1))
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		response, event := s.handlePDU(pdu)
		if event != nil {
			event.UnitID = unitID
			s.logger.Debug("modbus: write applied", "unit", unitID, "function", event.Function, "address", event.Address, "quantity", event.Quantity)
			if s.onWrite != nil {
				s.onWrite(*event)
			}
		}

		binary.BigEndian.PutUint16(header[2:4], 0)
		binary.BigEndian.PutUint16(header[4:6], uint16(len(response)+1))
		header[6] = unitID

		if _, err := conn.Write(append(header, response...)); err != nil {
			return
		}
	}
}

func (s *Server) handlePDU(pdu []byte) ([]byte, *WriteEvent) {
	function := pdu[0]
	var (
		data  []byte
		event *WriteEvent
		err   error
	)
	switch function {
	case functionReadCoils:
		data, err = s.readBits(s.coils, pdu)
	case functionReadDiscreteInputs:
		data, err = s.readBits(s.discrete, pdu)
	case functionReadHoldingRegs:
		data, err = s.readRegisters(s.holding, pdu)
	case functionReadInputRegs:
		data, err = s.readRegisters(s.input, pdu)
	case functionWriteSingleCoil:
		event, err = s.writeSingleCoil(pdu)
	case functionWriteSingleReg:
		event, err = s.writeSingleRegister(pdu)
	case functionWriteMultipleCoils:
		event, err = s.writeMultipleCoils(pdu)
	case functionWriteMultipleRegs:
		event, err = s.writeMultipleRegisters(pdu)
	default:
		return exceptionResponse(function, exceptionIllegalFunction), nil
	}
	if err != nil {
		return exceptionResponse(function, errToCode(err)), nil
	}
	if event != nil {
		// write responses echo function, address and quantity or value
		return append([]byte(nil), pdu[:5]...), event
	}
	return append([]byte{function, byte(len(data))}, data...), nil
}

func addressAndQuantity(pdu []byte) (start, quantity uint16, err error) {
	if len(pdu) < 5 {
		return 0, 0, errInvalidPDULen
	}
	return binary.BigEndian.Uint16(pdu[1:3]), binary.BigEndian.Uint16(pdu[3:5]), nil
}

func checkRange(start, quantity uint16, max uint16) error {
	if quantity == 0 || quantity > max {
		return errInvalidQty
	}
	if int(start)+int(quantity) > tableSize {
		return errOutOfRange
	}
	return nil
}

func (s *Server) readBits(source []bool, pdu []byte) ([]byte, error) {
	start, quantity, err := addressAndQuantity(pdu)
	if err != nil {
		return nil, err
	}
	if err := checkRange(start, quantity, 2000); err != nil {
		return nil, err
	}

	result := make([]byte, (int(quantity)+7)/8)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := 0; i < int(quantity); i++ {
		if source[int(start)+i] {
			result[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return result, nil
}

func (s *Server) readRegisters(source []uint16, pdu []byte) ([]byte, error) {
	start, quantity, err := addressAndQuantity(pdu)
	if err != nil {
		return nil, err
	}
	if err := checkRange(start, quantity, 125); err != nil {
		return nil, err
	}

	result := make([]byte, int(quantity)*2)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(result[i*2:], source[int(start)+i])
	}
	return result, nil
}

func (s *Server) writeSingleCoil(pdu []byte) (*WriteEvent, error) {
	address, value, err := addressAndQuantity(pdu)
	if err != nil {
		return nil, err
	}
	if value != 0xFF00 && value != 0x0000 {
		return nil, errInvalidValue
	}
	s.mu.Lock()
	s.coils[address] = value == 0xFF00
	s.mu.Unlock()
	return &WriteEvent{Function: functionWriteSingleCoil, Address: address, Quantity: 1}, nil
}

func (s *Server) writeSingleRegister(pdu []byte) (*WriteEvent, error) {
	address, value, err := addressAndQuantity(pdu)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.holding[address] = value
	s.mu.Unlock()
	return &WriteEvent{Function: functionWriteSingleReg, Address: address, Quantity: 1}, nil
}

func (s *Server) writeMultipleCoils(pdu []byte) (*WriteEvent, error) {
	start, quantity, err := addressAndQuantity(pdu)
	if err != nil {
		return nil, err
	}
	if err := checkRange(start, quantity, 1968); err != nil {
		return nil, err
	}
	byteCount := (int(quantity) + 7) / 8
	if len(pdu) < 6 || int(pdu[5]) != byteCount || len(pdu) < 6+byteCount {
		return nil, errInvalidPDULen
	}
	bits := pdu[6 : 6+byteCount]

	s.mu.Lock()
	for i := 0; i < int(quantity); i++ {
		s.coils[int(start)+i] = bits[i/8]&(1<<(uint(i)%8)) != 0
	}
	s.mu.Unlock()
	return &WriteEvent{Function: functionWriteMultipleCoils, Address: start, Quantity: quantity}, nil
}

func (s *Server) writeMultipleRegisters(pdu []byte) (*WriteEvent, error) {
	start, quantity, err := addressAndQuantity(pdu)
	if err != nil {
		return nil, err
	}
	if err := checkRange(start, quantity, 123); err != nil {
		return nil, err
	}
	byteCount := int(quantity) * 2
	if len(pdu) < 6 || int(pdu[5]) != byteCount || len(pdu) < 6+byteCount {
		return nil, errInvalidPDULen
	}
	data := pdu[6 : 6+byteCount]

	s.mu.Lock()
	for i := 0; i < int(quantity); i++ {
		s.holding[int(start)+i] = binary.BigEndian.Uint16(data[i*2:])
	}
	s.mu.Unlock()
	return &WriteEvent{Function: functionWriteMultipleRegs, Address: start, Quantity: quantity}, nil
}

func exceptionResponse(function byte, code byte) []byte {
	return []byte{function | 0x80, code}
}

func errToCode(err error) byte {
	switch {
	case errors.Is(err, errOutOfRange):
		return exceptionIllegalDataAddr
	case errors.Is(err, errInvalidQty), errors.Is(err, errInvalidPDULen), errors.Is(err, errInvalidValue):
		return exceptionIllegalDataVal
	default:
		return exceptionIllegalFunction
	}
}

// Close stops the server and waits for all goroutines to exit.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
}
