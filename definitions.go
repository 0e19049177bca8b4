package sdspi

import (
	"errors"
	"strconv"
	"time"
)

// SectorSize is the fixed block length negotiated with the card (CMD16).
// SPI-mode transfers in this driver are always whole sectors.
const SectorSize = 512

// Default SPI clock rates. The handshake runs at the conservative init
// rate; the card is only clocked at the transfer rate after the full
// negotiation succeeds.
const (
	DefaultInitRate uint32 = 400_000
	DefaultXferRate uint32 = 4_000_000
)

// SD command indexes (SPI mode). The transmitted first byte is the
// index OR'd with 0x40 (start+transmission bits).
const (
	cmdGoIdleState     = 0  // CMD0: software reset, enter idle state.
	cmdSendOpCondMMC   = 1  // CMD1: legacy operating-condition poll.
	cmdSendIfCond      = 8  // CMD8: voltage/check-pattern interface condition.
	cmdSendCSD         = 9  // CMD9: read card-specific data register.
	cmdSendCID         = 10 // CMD10: read card identification register.
	cmdSetBlocklen     = 16 // CMD16: set block length for block commands.
	cmdReadSingleBlock = 17 // CMD17
	cmdWriteBlock      = 24 // CMD24
	cmdSendOpCond      = 41 // ACMD41: SDC operating-condition poll.
	cmdAppCmd          = 55 // CMD55: prefix for application-specific commands.
	cmdReadOCR         = 58 // CMD58: read operating-conditions register.
	cmdCRCOnOff        = 59 // CMD59: enable/disable CRC checking.
)

// Single-byte wire tokens.
const (
	tokenStartBlock = 0xFE // precedes every single-block data payload.
	tokenIdle       = 0xFF // filler; also signals "bus idle/not busy".
)

// R1 response bits.
const (
	r1IdleState      = 1 << 0
	r1IllegalCommand = 1 << 2
)

// Protocol timing bounds.
const (
	retrySpacing = time.Millisecond      // delay between checkCommand attempts.
	busyTimeout  = 50 * time.Millisecond // data-start token and busy-clear deadline.
)

// cmdFlags modify how sendCommand frames and reads a single command exchange.
type cmdFlags uint8

const (
	// cmdFlagAppCmd transmits the CMD55 prefix frame before the command.
	cmdFlagAppCmd cmdFlags = 1 << iota
	// cmdFlagFullResp guarantees the full 8-byte response window is populated
	// starting at the first non-idle byte.
	cmdFlagFullResp
	// cmdFlagNotExpect inverts checkCommand's comparison: succeed when the
	// response differs from the expected sentinel.
	cmdFlagNotExpect
)

// statusFlags records the driver lifecycle bits on Device.
type statusFlags uint8

const (
	flagInitialized statusFlags = 1 << iota
	flagHighCapacity
	flagWriteProtected
	flagDeinit
)

// ErrorFlags accumulates failure causes over the life of a Device. Bits are
// OR'd in and never cleared so a failed initialization or I/O leaves a
// diagnostic trail even after later retries.
type ErrorFlags uint8

const (
	// ErrflagNoIdle: card never acknowledged CMD0 (go idle).
	ErrflagNoIdle ErrorFlags = 1 << iota
	// ErrflagIfCond: CMD8 interface-condition mismatch or no response.
	ErrflagIfCond
	// ErrflagCRC: CRC could not be enabled, or a data block failed its CRC16.
	ErrflagCRC
	// ErrflagOpCond: card never left idle during operating-condition polling.
	ErrflagOpCond
	// ErrflagOCR: OCR read failed or voltage window unsupported.
	ErrflagOCR
	// ErrflagRead: single-block read failed.
	ErrflagRead
	// ErrflagWrite: single-block write rejected or busy timeout.
	ErrflagWrite
	// ErrflagOther: any remaining initialization failure (block length).
	ErrflagOther
)

func (ef ErrorFlags) String() string {
	if ef == 0 {
		return "none"
	}
	var s string
	appendFlag := func(bit ErrorFlags, name string) {
		if ef&bit == 0 {
			return
		}
		if len(s) > 0 {
			s += "|"
		}
		s += name
	}
	appendFlag(ErrflagNoIdle, "no-idle")
	appendFlag(ErrflagIfCond, "if-cond")
	appendFlag(ErrflagCRC, "crc")
	appendFlag(ErrflagOpCond, "op-cond")
	appendFlag(ErrflagOCR, "ocr")
	appendFlag(ErrflagRead, "read")
	appendFlag(ErrflagWrite, "write")
	appendFlag(ErrflagOther, "other")
	return s
}

var (
	ErrNotInitialized   = errors.New("sdspi: card not initialized")
	ErrBadSectorBuffer  = errors.New("sdspi: sector buffer length must be 512")
	errNoIdle           = errors.New("sdspi: card did not enter idle state")
	errIfCondMismatch   = errors.New("sdspi: interface condition mismatch")
	errCRCEnable        = errors.New("sdspi: could not enable CRC checking")
	errOpCondTimeout    = errors.New("sdspi: operating-condition poll timeout")
	errOCR              = errors.New("sdspi: OCR read failed or voltage unsupported")
	errSetBlocklen      = errors.New("sdspi: could not set block length")
	errWriteProtected   = errors.New("sdspi: card reports write protection")
	errNoResponse       = errors.New("sdspi: no response to command")
	errBadToken         = errors.New("sdspi: data start token not received")
	errDataCRC          = errors.New("sdspi: data block CRC mismatch")
	errWriteRejected    = errors.New("sdspi: write data response rejected")
	errWriteBusyTimeout = errors.New("sdspi: busy state not cleared after write")
)

// CSD is the raw 16-byte card-specific data register (CMD9).
type CSD [16]byte

// Version returns the CSD structure version: 1 for the standard-capacity
// layout, 2 for the SDHC/SDXC layout.
func (c *CSD) Version() int {
	return int(c[0]>>6) + 1
}

// WriteProtected reports the TMP_WRITE_PROTECT/PERM_WRITE_PROTECT bits.
func (c *CSD) WriteProtected() bool {
	return c[14]&0x30 != 0
}

// DeviceCapacity returns the card capacity in bytes decoded from the
// version-specific C_SIZE fields.
func (c *CSD) DeviceCapacity() uint64 {
	switch c.Version() {
	case 2:
		csize := uint64(c[7]&0x3F)<<16 | uint64(c[8])<<8 | uint64(c[9])
		return (csize + 1) * 512 * 1024
	default:
		csize := uint64(c[6]&0x03)<<10 | uint64(c[7])<<2 | uint64(c[8])>>6
		csizeMult := uint64(c[9]&0x03)<<1 | uint64(c[10])>>7
		readBlLen := uint64(c[5] & 0x0F)
		return (csize + 1) << (csizeMult + 2 + readBlLen)
	}
}

// NumberOfSectors returns the capacity expressed in 512-byte sectors.
func (c *CSD) NumberOfSectors() uint32 {
	return uint32(c.DeviceCapacity() / SectorSize)
}

// CID is the raw 16-byte card identification register (CMD10).
type CID [16]byte

// ManufacturerID returns the MID field assigned by the SD association.
func (c *CID) ManufacturerID() uint8 { return c[0] }

// OEMID returns the two-character OEM/application field.
func (c *CID) OEMID() string { return string(c[1:3]) }

// ProductName returns the 5-character product name field.
func (c *CID) ProductName() string { return string(c[3:8]) }

// SerialNumber returns the 32-bit product serial number.
func (c *CID) SerialNumber() uint32 {
	return uint32(c[9])<<24 | uint32(c[10])<<16 | uint32(c[11])<<8 | uint32(c[12])
}

func cmdString(cmd uint8) string {
	return "CMD" + strconv.Itoa(int(cmd))
}
