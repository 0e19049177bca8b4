package cardsim

// Table-driven SD checksums, deliberately a different construction from the
// driver's bitwise engines.

var (
	crc7Table  [256]uint8
	crc16Table [256]uint16
)

func init() {
	for i := 0; i < 256; i++ {
		r := uint8(i)
		for j := 0; j < 8; j++ {
			if r&0x80 != 0 {
				r = r<<1 ^ 0x12
			} else {
				r = r << 1
			}
		}
		crc7Table[i] = r
	}
	for i := 0; i < 256; i++ {
		r := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if r&0x8000 != 0 {
				r = r<<1 ^ 0x1021
			} else {
				r = r << 1
			}
		}
		crc16Table[i] = r
	}
}

// crc7 returns the command checksum in its MSB-aligned register position,
// without the protocol end bit.
func crc7(data []byte) (crc uint8) {
	for _, b := range data {
		crc = crc7Table[crc^b]
	}
	return crc
}

func crc16(data []byte) (crc uint16) {
	for _, b := range data {
		crc = crc<<8 ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}
