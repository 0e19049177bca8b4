package sdspi

import "log/slog"

// blockio.go implements the data-block protocol: single-sector reads and
// writes framed by the 0xFE start token and a trailing big-endian CRC16,
// plus the CSD/CID register reads that use the same read-block primitive.

// ReadSector reads the 512-byte sector into buf. The driver must be
// initialized. On failure the read (and possibly crc) error flags are set.
func (d *Device) ReadSector(buf []byte, sector uint32) error {
	if d.flags&flagInitialized == 0 {
		return ErrNotInitialized
	}
	if len(buf) != SectorSize {
		return ErrBadSectorBuffer
	}
	return d.readDataBlock(cmdReadSingleBlock, d.sectorArg(sector), buf)
}

// readDataBlock sends cmd and reads a data block of len(buf) bytes: response
// scan, start-token wait, payload, CRC16. The payload and CRC are always
// clocked out even after a detected fault so the byte stream stays
// synchronized for the next exchange; a skipped read would desynchronize
// every subsequent command. On failure the read (and possibly crc) error
// flags are set.
func (d *Device) readDataBlock(cmd uint8, arg uint32, buf []byte) error {
	populateFrame(&d.cmdbuf, cmd, arg)
	d.cs(false)
	defer d.cs(true)
	var fault error
	if err := d.bus.Tx(d.cmdbuf[:], nil); err != nil {
		fault = err
	}

	// Scan up to 16 bytes for the response. A non-zero response is flagged
	// invalid but processing continues to drain the stream.
	ret := byte(tokenIdle)
	for i := 0; i < 16; i++ {
		got, err := d.bus.Transfer(tokenIdle)
		if err != nil {
			break
		}
		ret = got
		if ret != tokenIdle {
			break
		}
	}
	if fault == nil && ret != 0 {
		fault = errNoResponse
	}

	if !d.findToken(tokenStartBlock, busyTimeout) {
		fault = errBadToken
	}

	// Read the payload and CRC regardless of success above.
	readErr := d.bus.Tx(d.dummybuf[:len(buf)], buf)
	var crcbuf [2]byte
	readErr2 := d.bus.Tx(d.ffbuf[:2], crcbuf[:])
	d.findToken(tokenIdle, busyTimeout)

	recdCRC := uint16(crcbuf[0])<<8 | uint16(crcbuf[1])
	wantCRC := CRC16(buf)
	switch {
	case readErr != nil:
		fault = readErr
	case readErr2 != nil:
		fault = readErr2
	case recdCRC != wantCRC:
		d.errflags |= ErrflagCRC
		fault = errDataCRC
	}
	if fault != nil {
		d.errflags |= ErrflagRead
		d.debug("readBlock:fail",
			slog.String("cmd", cmdString(cmd)),
			slog.Uint64("r1", uint64(ret)),
			slog.String("err", fault.Error()),
		)
		return fault
	}
	return nil
}

// WriteSector writes the 512-byte sector from buf. The driver must be
// initialized; write protection found during init is not re-checked here,
// the card's own data response rejects the write instead. On failure the
// write error flag is set.
func (d *Device) WriteSector(buf []byte, sector uint32) error {
	if d.flags&flagInitialized == 0 {
		return ErrNotInitialized
	}
	if len(buf) != SectorSize {
		return ErrBadSectorBuffer
	}
	crc := CRC16(buf)
	populateFrame(&d.cmdbuf, cmdWriteBlock, d.sectorArg(sector))

	d.cs(false)
	defer d.cs(true)
	err := d.bus.Tx(d.cmdbuf[:], nil)
	if err != nil {
		d.errflags |= ErrflagWrite
		return err
	}
	err = d.bus.Tx(d.ffbuf[:], d.respbuf[:])
	if err != nil {
		d.errflags |= ErrflagWrite
		return err
	}
	ret := byte(tokenIdle)
	for i := 0; i < len(d.respbuf); i++ {
		ret = d.respbuf[i]
		if ret != tokenIdle {
			break
		}
	}
	if ret == tokenIdle {
		// Only idle filler came back: the command got no response at all.
		d.errflags |= ErrflagWrite
		return errNoResponse
	}

	// Start token, payload, CRC16.
	var hdr [3]byte
	hdr[0] = tokenStartBlock
	err = d.bus.Tx(hdr[:1], nil)
	if err == nil {
		err = d.bus.Tx(buf, nil)
	}
	if err == nil {
		hdr[1] = byte(crc >> 8)
		hdr[2] = byte(crc)
		err = d.bus.Tx(hdr[1:3], nil)
	}
	if err != nil {
		d.errflags |= ErrflagWrite
		return err
	}

	// Data response: low 5 bits equal to 5 means accepted.
	err = d.bus.Tx(d.ffbuf[:], d.respbuf[:])
	if err != nil {
		d.errflags |= ErrflagWrite
		return err
	}
	ret = tokenIdle
	for i := 0; i < len(d.respbuf); i++ {
		ret = d.respbuf[i]
		if ret != tokenIdle {
			break
		}
	}
	rejected := ret&0x1F != 5
	busy := !d.findToken(tokenIdle, busyTimeout)
	if rejected || busy {
		d.errflags |= ErrflagWrite
		d.logerr("writeSector:fail",
			slog.Uint64("sector", uint64(sector)),
			slog.Uint64("dataResp", uint64(ret)),
			slog.Bool("busyTimeout", busy),
		)
		if rejected {
			return errWriteRejected
		}
		return errWriteBusyTimeout
	}
	d.trace("writeSector:ok", slog.Uint64("sector", uint64(sector)))
	return nil
}

// ReadCSD reads the card-specific data register (CMD9).
func (d *Device) ReadCSD() (csd CSD, err error) {
	err = d.readDataBlock(cmdSendCSD, 0, csd[:])
	return csd, err
}

// ReadCID reads the card identification register (CMD10).
func (d *Device) ReadCID() (cid CID, err error) {
	err = d.readDataBlock(cmdSendCID, 0, cid[:])
	return cid, err
}

// NumberOfSectors reads the CSD and returns the card capacity in 512-byte
// sectors.
func (d *Device) NumberOfSectors() (uint32, error) {
	csd, err := d.ReadCSD()
	if err != nil {
		return 0, err
	}
	return csd.NumberOfSectors(), nil
}
