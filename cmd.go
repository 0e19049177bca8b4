package sdspi

import (
	"log/slog"
	"time"
)

// cmd.go contains the low level command framing and response scanning for
// the SD SPI-mode protocol: 6-byte CRC7-framed commands, the variable-offset
// response scan, bounded command retry and single-byte token polling.

// populateFrame builds the 6-byte command frame: index with the start and
// transmission bits, big-endian argument, CRC7 with the end bit.
func populateFrame(frame *[6]byte, cmd uint8, arg uint32) {
	frame[0] = cmd | 0x40
	frame[1] = byte(arg >> 24)
	frame[2] = byte(arg >> 16)
	frame[3] = byte(arg >> 8)
	frame[4] = byte(arg)
	frame[5] = CRC7(frame[:5])
}

// sendCommand transmits a single command exchange with the chip selected:
// the optional CMD55 prefix, the command frame, then a scan of up to 8 bytes
// for the first non-idle response byte R0. If R0 arrives at a nonzero offset
// the remaining window bytes are shifted to the front of d.respbuf and, for
// cmdFlagFullResp, the tail is re-read so the full multi-byte response is
// front-aligned. Returns 0xFF when all 8 polled bytes were idle filler.
func (d *Device) sendCommand(cmd uint8, arg uint32, flags cmdFlags) (byte, error) {
	d.cs(false)
	defer d.cs(true)

	if flags&cmdFlagAppCmd != 0 {
		// Application-specific command prefix. The card's R1 to CMD55 is
		// clocked out during the next frame's leading filler, so no
		// dedicated response scan is needed here.
		populateFrame(&d.prefixbuf, cmdAppCmd, 0)
		err := d.bus.Tx(d.prefixbuf[:], nil)
		if err != nil {
			return tokenIdle, err
		}
	}
	populateFrame(&d.cmdbuf, cmd, arg)
	err := d.bus.Tx(d.cmdbuf[:], nil)
	if err != nil {
		return tokenIdle, err
	}

	err = d.bus.Tx(d.ffbuf[:], d.respbuf[:])
	if err != nil {
		return tokenIdle, err
	}
	ret := byte(tokenIdle)
	for i := 0; i < len(d.respbuf); i++ {
		ret = d.respbuf[i]
		if ret == tokenIdle {
			continue
		}
		if i > 0 {
			recd := copy(d.respbuf[:], d.respbuf[i:])
			if flags&cmdFlagFullResp != 0 {
				// Complete the window so multi-byte responses (R3/R7) are
				// contiguous from the front.
				err = d.bus.Tx(d.ffbuf[:8-recd], d.respbuf[recd:])
				if err != nil {
					return tokenIdle, err
				}
			}
		}
		break
	}
	d.trace("cmd", slog.String("cmd", cmdString(cmd)), slog.Uint64("arg", uint64(arg)), slog.Uint64("r1", uint64(ret)))
	return ret, nil
}

// checkCommand repeats sendCommand up to attempts times with 1ms spacing.
// It succeeds when the response equals expect, or with cmdFlagNotExpect when
// the response differs from the expect sentinel. Bus faults count as failed
// attempts.
func (d *Device) checkCommand(cmd uint8, arg uint32, flags cmdFlags, expect byte, attempts int) bool {
	for attempts > 0 {
		ret, err := d.sendCommand(cmd, arg, flags)
		if err == nil {
			if flags&cmdFlagNotExpect != 0 {
				if ret != expect {
					return true
				}
			} else if ret == expect {
				return true
			}
		}
		attempts--
		if attempts > 0 {
			time.Sleep(retrySpacing)
		}
	}
	return false
}

// findToken polls single bytes until the exact token value is observed or
// the deadline elapses. It never clocks past the matching byte. Used both
// for the data-start token (0xFE) and for busy-clear detection (0xFF); the
// meaning is set by context, not by the function.
func (d *Device) findToken(token byte, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Since(deadline) < 0 {
		got, err := d.bus.Transfer(tokenIdle)
		if err == nil && got == token {
			return true
		}
	}
	return false
}
