package modbus

import (
	"encoding/binary"
	"fmt"
)

func checkAddress(address uint16, count int) error {
	if int(address)+count > tableSize {
		return fmt.Errorf("address %d out of range", address)
	}
	return nil
}

// SetHoldingRegister updates a holding register value.
func (s *Server) SetHoldingRegister(address uint16, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holding[address] = value
}

// SetInputRegister updates an input register value.
func (s *Server) SetInputRegister(address uint16, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input[address] = value
}

// SetCoil updates a coil value.
func (s *Server) SetCoil(address uint16, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coils[address] = value
}

// SetDiscreteInput updates a discrete input value.
func (s *Server) SetDiscreteInput(address uint16, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discrete[address] = value
}

func (s *Server) HoldingRegister(address uint16) uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holding[address]
}

func (s *Server) InputRegister(address uint16) uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.input[address]
}

func (s *Server) Coil(address uint16) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.coils[address]
}

func (s *Server) DiscreteInput(address uint16) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.discrete[address]
}

// SetHoldingBytes stores big-endian register data starting at address.
func (s *Server) SetHoldingBytes(address uint16, data []byte) error {
	return s.setBytes(s.holding, address, data)
}

// SetInputBytes stores big-endian register data starting at address.
func (s *Server) SetInputBytes(address uint16, data []byte) error {
	return s.setBytes(s.input, address, data)
}

// HoldingBytes returns count holding registers as big-endian bytes.
func (s *Server) HoldingBytes(address uint16, count int) ([]byte, error) {
	return s.getBytes(s.holding, address, count)
}

// InputBytes returns count input registers as big-endian bytes.
func (s *Server) InputBytes(address uint16, count int) ([]byte, error) {
	return s.getBytes(s.input, address, count)
}

func (s *Server) setBytes(table []uint16, address uint16, data []byte) error {
	if len(data)%2 != 0 {
		return fmt.Errorf("odd register data length %d", len(data))
	}
	if err := checkAddress(address, len(data)/2); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < len(data)/2; i++ {
		table[int(address)+i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return nil
}

func (s *Server) getBytes(table []uint16, address uint16, count int) ([]byte, error) {
	if err := checkAddress(address, count); err != nil {
		return nil, err
	}
	out := make([]byte, count*2)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := 0; i < count; i++ {
		binary.BigEndian.PutUint16(out[i*2:], table[int(address)+i])
	}
	return out, nil
}
