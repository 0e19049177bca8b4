//go:build tinygo

package sdspi

import "machine"

// NewSPIDevice returns a Device on a hardware SPI bus with cs as the
// chip-select pin. The pin is configured as an output and deasserted. The
// bus must already be configured in mode 0; pass a Config.SetRate that
// reconfigures its frequency to let Init raise the clock after negotiation.
// machine.SPI satisfies Bus on all ports, as does SPIbb.
func NewSPIDevice(bus Bus, cs machine.Pin) *Device {
	cs.Configure(machine.PinConfig{Mode: machine.PinOutput})
	cs.High()
	return New(bus, cs.Set)
}
