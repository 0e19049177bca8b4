// Package cardsim simulates an SPI-mode SD card attached to a full-duplex
// byte channel. It models the protocol state machine a real card implements:
// 6-byte command frames, R1/R3/R7 responses after a configurable number of
// idle bytes, data packets framed by the 0xFE token with trailing CRC16, the
// write data-response/busy sequence, and the idle-state lifecycle around
// CMD0/ACMD41. Sector contents live in memory.
//
// The checksum engines here are table driven and independent of the driver's
// bit-at-a-time implementation so the two cross-validate each other.
package cardsim

import "errors"

type state uint8

const (
	stateIdle state = iota
	stateFrame
	stateWriteData
)

// Cmd is one logged command exchange.
type Cmd struct {
	Index uint8
	Arg   uint32
	App   bool // preceded by CMD55.
}

// Card is a simulated SD card. The zero value behaves as a legacy
// standard-capacity card advertising the 3.2-3.4V window; set Version to 2
// for the modern interface condition. Adjust the exported fields before
// first use.
type Card struct {
	// Version selects the interface-condition behavior: 2 echoes the CMD8
	// pattern, any other value reports the command illegal (legacy card).
	Version int
	// HighCapacity sets the OCR card-capacity-status bit and switches the
	// card to sector addressing.
	HighCapacity bool
	// WriteProtect sets the CSD write-protect bits and makes the card reject
	// write data with the write-error data response.
	WriteProtect bool
	// OCRVoltage is the OCR byte holding the 3.2-3.4V window bits. Zero
	// value means 0x30 (window supported); set to a value without the 0x30
	// bits to simulate an incompatible card.
	OCRVoltage *byte
	// IgnoreOCRRead makes the card report CMD58 illegal, so the host never
	// sees a valid OCR response.
	IgnoreOCRRead bool
	// RespDelay is the number of idle filler bytes preceding every response.
	RespDelay int
	// OpCondPolls is how many ACMD41/CMD1 polls the card stays idle for
	// before reporting ready.
	OpCondPolls int
	// Sectors is the card size in 512-byte sectors. Zero value means 65536.
	Sectors uint32
	// Mute drops all traffic; the host sees only idle filler.
	Mute bool
	// CorruptNextReadCRC flips a CRC bit on the next outgoing data packet,
	// then clears itself.
	CorruptNextReadCRC bool

	selected   bool
	ready      bool // left idle state via ACMD41/CMD1.
	crcEnabled bool
	appCmd     bool

	state  state
	frame  [6]byte
	nframe int

	out      []byte
	wrbuf    [514]byte // payload + CRC16 while collecting a write.
	nwr      int
	gotToken bool

	content map[uint32]*[512]byte
	log     []Cmd
	rates   []uint32
}

var errShortTx = errors.New("cardsim: tx buffer length mismatch")

// Pin returns an output-pin setter for the chip-select line; false selects
// the card (active low).
func (c *Card) Pin() func(level bool) {
	return func(level bool) { c.selected = !level }
}

// SetRate records clock-rate changes requested by the host.
func (c *Card) SetRate(hz uint32) error {
	c.rates = append(c.rates, hz)
	return nil
}

// Rates returns every clock rate the host configured, in order.
func (c *Card) Rates() []uint32 { return c.rates }

// Commands returns the log of fully received command frames.
func (c *Card) Commands() []Cmd { return c.log }

// CountCmd returns how many times the command index was received.
func (c *Card) CountCmd(index uint8) (n int) {
	for _, e := range c.log {
		if e.Index == index {
			n++
		}
	}
	return n
}

// LastCmd returns the most recent command with the given index, if any.
func (c *Card) LastCmd(index uint8) (Cmd, bool) {
	for i := len(c.log) - 1; i >= 0; i-- {
		if c.log[i].Index == index {
			return c.log[i], true
		}
	}
	return Cmd{}, false
}

// SectorData returns a copy of the sector's current content.
func (c *Card) SectorData(sector uint32) (buf [512]byte) {
	if p := c.content[sector]; p != nil {
		buf = *p
	}
	return buf
}

// LoadSector preloads a sector's content.
func (c *Card) LoadSector(sector uint32, data []byte) {
	p := c.sector(sector)
	copy(p[:], data)
}

// Transfer exchanges a single byte, like machine.SPI.Transfer.
func (c *Card) Transfer(b byte) (byte, error) {
	return c.exchange(b), nil
}

// Tx exchanges w against r, like machine.SPI.Tx. Either may be nil; reads
// clock out idle filler from the host side.
func (c *Card) Tx(w, r []byte) error {
	switch {
	case len(w) == len(r):
		for i, b := range w {
			r[i] = c.exchange(b)
		}
	case len(r) == 0:
		for _, b := range w {
			c.exchange(b)
		}
	case len(w) == 0:
		for i := range r {
			r[i] = c.exchange(0xFF)
		}
	default:
		return errShortTx
	}
	return nil
}

// exchange clocks one byte in each direction. The outgoing byte was queued
// by whatever the card was responding to before this input byte arrived.
func (c *Card) exchange(in byte) (out byte) {
	if !c.selected || c.Mute {
		return 0xFF
	}
	out = 0xFF
	if len(c.out) > 0 {
		out = c.out[0]
		c.out = c.out[1:]
	}
	c.consume(in)
	return out
}

func (c *Card) consume(in byte) {
	switch c.state {
	case stateIdle:
		if in == 0xFF || in&0xC0 != 0x40 {
			return
		}
		// New command aborts whatever response was still pending.
		c.out = nil
		c.frame[0] = in
		c.nframe = 1
		c.state = stateFrame
	case stateFrame:
		c.frame[c.nframe] = in
		c.nframe++
		if c.nframe == len(c.frame) {
			c.state = stateIdle
			c.command()
		}
	case stateWriteData:
		c.writeData(in)
	}
}

// push queues response bytes preceded by the configured response delay.
func (c *Card) push(resp ...byte) {
	for i := 0; i < c.RespDelay; i++ {
		c.out = append(c.out, 0xFF)
	}
	c.out = append(c.out, resp...)
}

// pushData appends a data packet: start token, payload, CRC16.
func (c *Card) pushData(payload []byte) {
	crc := crc16(payload)
	if c.CorruptNextReadCRC {
		crc ^= 0xFF
		c.CorruptNextReadCRC = false
	}
	c.out = append(c.out, 0xFE)
	c.out = append(c.out, payload...)
	c.out = append(c.out, byte(crc>>8), byte(crc))
}

func (c *Card) r1() byte {
	if c.ready {
		return 0x00
	}
	return 0x01
}

func (c *Card) command() {
	index := c.frame[0] & 0x3F
	arg := uint32(c.frame[1])<<24 | uint32(c.frame[2])<<16 | uint32(c.frame[3])<<8 | uint32(c.frame[4])
	app := c.appCmd
	c.appCmd = false
	c.log = append(c.log, Cmd{Index: index, Arg: arg, App: app})

	if c.crcEnabled && crc7(c.frame[:5])|1 != c.frame[5] {
		c.push(c.r1() | 0x08) // COM_CRC_ERROR
		return
	}

	switch index {
	case 0: // GO_IDLE_STATE
		c.ready = false
		c.crcEnabled = false
		c.push(0x01)
	case 8: // SEND_IF_COND
		if c.Version == 2 {
			c.push(c.r1(), 0x00, 0x00, byte(arg>>8), byte(arg))
		} else {
			c.push(c.r1() | 0x04)
		}
	case 55: // APP_CMD
		c.appCmd = true
		c.push(c.r1())
	case 41, 1: // (A)CMD41 / CMD1 operating condition
		if c.OpCondPolls > 0 {
			c.OpCondPolls--
			c.push(0x01)
		} else {
			c.ready = true
			c.push(0x00)
		}
	case 58: // READ_OCR
		if c.IgnoreOCRRead {
			c.push(c.r1() | 0x04)
			return
		}
		ccs := byte(0)
		if c.HighCapacity && c.ready {
			ccs = 0x40
		}
		c.push(c.r1(), 0x80|ccs, c.voltage(), 0x00, 0x00)
	case 59: // CRC_ON_OFF
		c.crcEnabled = arg&1 != 0
		c.push(c.r1())
	case 16: // SET_BLOCKLEN
		c.push(c.r1())
	case 9: // SEND_CSD
		c.push(c.r1())
		csd := c.csd()
		c.pushData(csd[:])
	case 10: // SEND_CID
		c.push(c.r1())
		cid := c.cid()
		c.pushData(cid[:])
	case 17: // READ_SINGLE_BLOCK
		c.push(c.r1())
		sec := c.sector(c.mapArg(arg))
		c.pushData(sec[:])
	case 24: // WRITE_BLOCK
		c.push(c.r1())
		c.nwr = 0
		c.gotToken = false
		c.state = stateWriteData
	default:
		c.push(c.r1() | 0x04)
	}
}

func (c *Card) writeData(in byte) {
	if !c.gotToken {
		if in == 0xFE {
			c.gotToken = true
		}
		return
	}
	c.wrbuf[c.nwr] = in
	c.nwr++
	if c.nwr < len(c.wrbuf) {
		return
	}
	c.state = stateIdle
	payload := c.wrbuf[:512]
	recdCRC := uint16(c.wrbuf[512])<<8 | uint16(c.wrbuf[513])
	switch {
	case c.WriteProtect:
		c.push(0x0D) // write error
	case c.crcEnabled && recdCRC != crc16(payload):
		c.push(0x0B) // CRC error
	default:
		wr, _ := c.LastCmd(24)
		dst := c.sector(c.mapArg(wr.Arg))
		copy(dst[:], payload)
		c.push(0x05) // accepted
	}
	// Short busy window before the idle line is released.
	c.out = append(c.out, 0x00, 0x00)
}

// mapArg converts a command argument to a sector index per the card's
// addressing mode.
func (c *Card) mapArg(arg uint32) uint32 {
	if c.HighCapacity {
		return arg
	}
	return arg / 512
}

func (c *Card) sector(n uint32) *[512]byte {
	if c.content == nil {
		c.content = make(map[uint32]*[512]byte)
	}
	p := c.content[n]
	if p == nil {
		p = new([512]byte)
		c.content[n] = p
	}
	return p
}

func (c *Card) voltage() byte {
	if c.OCRVoltage == nil {
		return 0x30
	}
	return *c.OCRVoltage
}

func (c *Card) numSectors() uint32 {
	if c.Sectors == 0 {
		return 65536
	}
	return c.Sectors
}

// csd synthesizes a CSD register consistent with the card's configured
// capacity, structure version and write-protect bits.
func (c *Card) csd() (csd [16]byte) {
	if c.Version == 2 {
		csize := c.numSectors()/1024 - 1
		csd[0] = 0x40
		csd[7] = byte(csize>>16) & 0x3F
		csd[8] = byte(csize >> 8)
		csd[9] = byte(csize)
	} else {
		// READ_BL_LEN=9, C_SIZE_MULT=7: capacity=(C_SIZE+1)*512 sectors.
		csize := c.numSectors()/512 - 1
		csd[5] = 0x09
		csd[6] = byte(csize>>10) & 0x03
		csd[7] = byte(csize >> 2)
		csd[8] = byte(csize&0x03) << 6
		csd[9] = 0x03
		csd[10] = 0x80
	}
	if c.WriteProtect {
		csd[14] |= 0x10
	}
	return csd
}

func (c *Card) cid() (cid [16]byte) {
	cid[0] = 0x27 // made-up manufacturer.
	copy(cid[1:3], "SM")
	copy(cid[3:8], "SIMCD")
	cid[9], cid[10], cid[11], cid[12] = 0xDE, 0xAD, 0xBE, 0xEF
	return cid
}
