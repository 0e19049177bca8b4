// Package sdspi implements the SD-card SPI-mode block storage protocol on
// top of a full-duplex byte-oriented SPI bus and a chip-select line. It
// drives the multi-step initialization handshake (version, voltage and
// capacity negotiation), CRC7-framed commands, and single-sector reads and
// writes with CRC16 validation and busy-state polling.
//
// The driver is fully synchronous and owns the bus exclusively between
// chip-select assert and deassert; it has no internal concurrency and is not
// safe for concurrent callers.
package sdspi

import (
	"log/slog"
	"time"
)

// Bus is the byte-synchronous SPI channel the driver owns. Every transfer
// clocks one byte out and one byte in; reads are performed by transmitting
// idle filler (0xFF). machine.SPI satisfies Bus on TinyGo targets.
type Bus interface {
	// Tx clocks out w while filling r. Either slice may be nil.
	Tx(w, r []byte) error
	// Transfer exchanges a single byte.
	Transfer(b byte) (byte, error)
}

// OutputPin sets the level of the chip-select line. The driver calls it with
// false to assert (select, active low) and true to deassert.
type OutputPin func(level bool)

// Config parametrizes Init.
type Config struct {
	// Logger receives structured driver logs. nil disables logging.
	Logger *slog.Logger
	// SetRate reconfigures the SPI clock. Init calls it with InitRate before
	// the handshake and with XferRate after full negotiation succeeds. When
	// nil the bus is used at whatever rate it was configured with.
	SetRate func(hz uint32) error
	// InitRate is the conservative handshake clock. Defaults to 400kHz.
	InitRate uint32
	// XferRate is the operating clock after init. Defaults to 4MHz.
	XferRate uint32
}

// Device is the driver context for a single SPI-attached SD card. The zero
// value is not usable; construct with New. All methods block the caller for
// a bounded duration governed by the protocol's attempt counts and timeouts.
type Device struct {
	bus     Bus
	cs      OutputPin
	setRate func(hz uint32) error
	logger  *slog.Logger

	flags    statusFlags
	errflags ErrorFlags

	// Separate scratch buffers per logical use. The wire sequencing matters;
	// aliasing the command frame with the response window does not.
	cmdbuf    [6]byte          // outgoing command frame.
	prefixbuf [6]byte          // CMD55 prefix frame for app commands.
	respbuf   [8]byte          // response scan window, front-aligned after the scan.
	ffbuf     [8]byte          // idle filler for response reads.
	dummybuf  [SectorSize]byte // idle filler for payload reads.
}

// New returns a Device driving the card behind bus and the cs chip-select
// line. cs must already be configured as an output and deasserted (high).
// Call Init before any sector I/O.
func New(bus Bus, cs OutputPin) *Device {
	d := &Device{
		bus: bus,
		cs:  cs,
	}
	for i := range d.ffbuf {
		d.ffbuf[i] = tokenIdle
	}
	for i := range d.dummybuf {
		d.dummybuf[i] = tokenIdle
	}
	return d
}

// ErrorFlags returns the accumulated failure-cause bits. Flags are never
// cleared; they are a diagnostic trail, not the current error.
func (d *Device) ErrorFlags() ErrorFlags { return d.errflags }

// IsInitialized reports whether the full init handshake has succeeded.
func (d *Device) IsInitialized() bool { return d.flags&flagInitialized != 0 }

// IsHighCapacity reports SDHC/SDXC sector addressing. Only meaningful once
// IsInitialized returns true.
func (d *Device) IsHighCapacity() bool { return d.flags&flagHighCapacity != 0 }

// IsWriteProtected reports the write-protect bits found in the CSD during
// init. Callers should check it before attempting writes; the write path
// itself does not re-check.
func (d *Device) IsWriteProtected() bool { return d.flags&flagWriteProtected != 0 }

// Init runs the SPI-mode initialization handshake. On success the card is
// usable for sector I/O and the bus is raised to the transfer clock rate.
// On failure ErrorFlags describes the cause. Init may be called again after
// a failure; it restarts from the top, though flags accumulated by the prior
// run persist.
func (d *Device) Init(cfg Config) (err error) {
	if cfg.InitRate == 0 {
		cfg.InitRate = DefaultInitRate
	}
	if cfg.XferRate == 0 {
		cfg.XferRate = DefaultXferRate
	}
	d.logger = cfg.Logger
	d.setRate = cfg.SetRate
	d.info("init:start")
	if d.errflags != 0 {
		d.warn("init:flags-from-prior-run", slog.String("errflags", d.errflags.String()))
	}
	start := time.Now()

	if d.setRate != nil {
		err = d.setRate(cfg.InitRate)
		if err != nil {
			return err
		}
	}
	// Power-up framing: wait 1ms then apply a minimum of 74 clocks with the
	// chip deselected so the card's SPI engine synchronizes.
	time.Sleep(time.Millisecond)
	for i := 0; i < 10; i++ {
		err = d.bus.Tx(d.ffbuf[:], nil)
		if err != nil {
			return err
		}
	}

	// Software reset into idle state.
	if !d.checkCommand(cmdGoIdleState, 0, 0, r1IdleState, 50) {
		d.errflags |= ErrflagNoIdle
		return errNoIdle
	}

	// Interface condition classifies the card version. Any response other
	// than all-idle counts; the pattern echo distinguishes v2 from v1.
	version := 0
	if !d.checkCommand(cmdSendIfCond, 0x10A, cmdFlagFullResp|cmdFlagNotExpect, tokenIdle, 3) {
		d.errflags |= ErrflagIfCond
		return errIfCondMismatch
	}
	resp := &d.respbuf
	switch {
	case resp[0]&r1IllegalCommand != 0:
		version = 1
	case resp[0] == r1IdleState && resp[3] == 1 && resp[4] == 10:
		version = 2
	default:
		d.errflags |= ErrflagIfCond
		return errIfCondMismatch
	}
	d.debug("init:if-cond", slog.Int("version", version))

	if !d.checkCommand(cmdCRCOnOff, 1, 0, r1IdleState, 3) {
		d.errflags |= ErrflagCRC
		return errCRCEnable
	}

	// Voltage check: the OCR must advertise the 3.2-3.4V window.
	if !d.checkCommand(cmdReadOCR, 0, cmdFlagFullResp, r1IdleState, 20) {
		d.errflags |= ErrflagOCR
		return errOCR
	}
	if resp[2]&0x30 != 0x30 {
		d.errflags |= ErrflagOCR
		return errOCR
	}

	// Leave idle state. The card may legitimately take many polls here.
	opcondArg := uint32(0)
	if version == 2 {
		opcondArg = 1 << 30 // host supports high capacity.
	}
	if !d.checkCommand(cmdSendOpCond, opcondArg, cmdFlagAppCmd, 0, 250) {
		d.errflags |= ErrflagOpCond
		return errOpCondTimeout
	}

	if version == 2 {
		// Re-read the OCR for the card-capacity-status bit.
		if !d.checkCommand(cmdReadOCR, 0, cmdFlagFullResp, 0, 5) {
			d.errflags |= ErrflagOCR
			return errOCR
		}
		if resp[1]&0x40 != 0 {
			d.flags |= flagHighCapacity
		}
	}

	if !d.checkCommand(cmdSetBlocklen, SectorSize, 0, 0, 3) {
		d.errflags |= ErrflagOther
		return errSetBlocklen
	}

	// A card with write-protect bits set in the CSD (or an unreadable CSD)
	// is refused outright rather than brought up read-only.
	var csd CSD
	if d.readDataBlock(cmdSendCSD, 0, csd[:]) != nil || csd.WriteProtected() {
		d.flags |= flagWriteProtected
		return errWriteProtected
	}

	d.flags |= flagInitialized
	if d.setRate != nil {
		err = d.setRate(cfg.XferRate)
		if err != nil {
			return err
		}
	}
	d.info("init:done",
		slog.Bool("highCapacity", d.IsHighCapacity()),
		slog.Uint64("sectors", uint64(csd.NumberOfSectors())),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

// Deinit returns the card to idle state and disables CRC checking,
// best-effort with no error checking. Subsequent calls are no-ops.
func (d *Device) Deinit() {
	if d.flags&flagDeinit != 0 {
		return
	}
	d.flags |= flagDeinit
	d.sendCommand(cmdGoIdleState, 0, 0)
	d.sendCommand(cmdCRCOnOff, 0, 0)
	d.info("deinit")
}

// sectorArg maps a logical sector number to a command argument. High
// capacity cards address sectors directly; standard capacity cards address
// byte offsets. The mapping is fixed once init classifies the card.
func (d *Device) sectorArg(sector uint32) uint32 {
	if d.flags&flagHighCapacity != 0 {
		return sector
	}
	return sector * SectorSize
}
