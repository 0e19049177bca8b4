package sdspi

// SD checksum engines. Both must match the SD physical layer spec
// bit-for-bit; the card verifies CRC7 on every command frame once CMD59
// enables checking, and both sides verify CRC16 on data blocks.

const (
	crc7Poly  = 0x12 // x^7+x^3+1, pre-shifted into the MSB-aligned register.
	crc16Poly = 0x1021
)

// CRC7 computes the 7-bit command-frame checksum over data, MSB first,
// initial value 0. The result carries the protocol's end bit: the least
// significant bit is always 1, so the return value can be placed directly
// into the last byte of a command frame.
func CRC7(data []byte) uint8 {
	var crc uint8
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ crc7Poly
			} else {
				crc = crc << 1
			}
		}
	}
	return crc | 1
}

// CRC16 computes the CCITT data-block checksum over data, each byte XOR'd
// into the high half of the register, initial value 0. Transmitted
// big-endian after every 512-byte payload.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crc16Poly
			} else {
				crc = crc << 1
			}
		}
	}
	return crc
}
