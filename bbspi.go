//go:build tinygo

package sdspi

import (
	"device"
	"machine"
)

// SPIbb is a dumb bit-bang implementation of SPI protocol that is hardcoded
// to mode 0 and always has 4 wires. Useful for boards whose hardware SPI
// blocks are spoken for. Implements Bus.
type SPIbb struct {
	SCK   machine.Pin
	SDI   machine.Pin
	SDO   machine.Pin
	Delay uint32
}

// Configure sets up the SCK and SDO pins as outputs, SDI as input, and sets
// SCK low (mode 0 idle).
func (s *SPIbb) Configure() {
	s.SCK.Configure(machine.PinConfig{Mode: machine.PinOutput})
	s.SDO.Configure(machine.PinConfig{Mode: machine.PinOutput})
	s.SDI.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	s.SCK.Low()
	s.SDO.Low()
	if s.Delay == 0 {
		s.Delay = 1
	}
}

// Tx matches the signature of machine.SPI.Tx and exchanges multiple bytes.
// Either slice may be nil; reads clock out idle filler.
func (s *SPIbb) Tx(w []byte, r []byte) error {
	switch {
	case len(r) == len(w):
		for i, b := range w {
			r[i] = s.transfer(b)
		}
	case len(r) == 0:
		for _, b := range w {
			s.transfer(b)
		}
	case len(w) == 0:
		for i := range r {
			r[i] = s.transfer(0xFF)
		}
	default:
		n := min(len(w), len(r))
		for i := 0; i < n; i++ {
			r[i] = s.transfer(w[i])
		}
		for _, b := range w[n:] {
			s.transfer(b)
		}
		for i := n; i < len(r); i++ {
			r[i] = s.transfer(0xFF)
		}
	}
	return nil
}

// Transfer matches the signature of machine.SPI.Transfer and exchanges a
// single byte. No error is ever returned.
func (s *SPIbb) Transfer(b byte) (out byte, _ error) {
	return s.transfer(b), nil
}

//go:inline
func (s *SPIbb) transfer(b byte) (out byte) {
	out |= b2u8(s.bitTransfer(b&(1<<7) != 0)) << 7
	out |= b2u8(s.bitTransfer(b&(1<<6) != 0)) << 6
	out |= b2u8(s.bitTransfer(b&(1<<5) != 0)) << 5
	out |= b2u8(s.bitTransfer(b&(1<<4) != 0)) << 4
	out |= b2u8(s.bitTransfer(b&(1<<3) != 0)) << 3
	out |= b2u8(s.bitTransfer(b&(1<<2) != 0)) << 2
	out |= b2u8(s.bitTransfer(b&(1<<1) != 0)) << 1
	out |= b2u8(s.bitTransfer(b&1 != 0))
	return out
}

//go:inline
func (s *SPIbb) bitTransfer(b bool) bool {
	s.SDO.Set(b)
	s.delay()
	s.SCK.High()
	s.delay()
	inputBit := s.SDI.Get()
	s.delay()
	s.SCK.Low()
	s.delay()
	return inputBit
}

// delay represents a quarter of the clock cycle.
//
//go:inline
func (s *SPIbb) delay() {
	for i := uint32(0); i < s.Delay; i++ {
		device.Asm("nop")
	}
}

//go:inline
func b2u8(b bool) byte {
	if b {
		return 1
	}
	return 0
}
