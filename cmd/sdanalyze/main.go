// Command sdanalyze processes binary Saleae digital capture files of an SD
// card SPI bus and prints the decoded command transactions: CRC7-framed
// commands on MOSI and responses plus CRC16-framed data blocks on MISO.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/soypat/saleae"
	"github.com/soypat/saleae/analyzers"
	"github.com/soypat/sdspi"
	"golang.org/x/exp/constraints"
)

type decoder struct {
	MaxData   int
	OmitData  bool
	OmitIdle  bool
	timings   string
	numFrames int
	numBadCRC int
}

func main() {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(handler))
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "sdanalyze - Process binary Saleae digital data files corresponding to SD card SPI transactions.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	mosi := flag.String("f-mosi", "digital_1.bin", "Input filename: SPI MOSI (host to card) data.")
	miso := flag.String("f-miso", "digital_3.bin", "Input filename: SPI MISO (card to host) data.")
	enable := flag.String("f-cs", "digital_0.bin", "Input filename: SPI CS/SS data.")
	clk := flag.String("f-clk", "digital_2.bin", "Input filename: SPI clock data.")
	output := flag.String("o-cmd", "commands.txt", "Output filename of decoded SD command transactions.")

	dec := decoder{}
	flag.StringVar(&dec.timings, "o-time", "", "Output timing data to a file corresponding to output command history line-by-line.")
	flag.IntVar(&dec.MaxData, "max-data", 16, "Maximum data block bytes printed per transaction. 0 prints all.")
	flag.BoolVar(&dec.OmitData, "omit-data", false, "Omit data block contents in output.")
	flag.BoolVar(&dec.OmitIdle, "omit-idle", false, "Omit transactions containing no command frame (clocking-only exchanges).")
	flag.Parse()

	start := time.Now()
	if err := dec.run(*mosi, *miso, *clk, *enable, *output); err != nil {
		log.Fatal(err.Error())
	}
	log.Printf("decoded %d frames (%d bad crc) in %s", dec.numFrames, dec.numBadCRC, time.Since(start))
}

func (dec *decoder) run(fmosi, fmiso, fclk, fenable, output string) error {
	mosi, err := opendigital(fmosi)
	if err != nil {
		return err
	}
	miso, err := opendigital(fmiso)
	if err != nil {
		return err
	}
	clk, err := opendigital(fclk)
	if err != nil {
		return err
	}
	enable, err := opendigital(fenable)
	if err != nil {
		return err
	}
	spi := analyzers.SPI{}
	txs, _ := spi.Scan(clk, enable, mosi, miso)

	fp, err := os.Create(output)
	if err != nil {
		return err
	}
	defer fp.Close()
	var timings *os.File
	if dec.timings != "" {
		log.Println("creating timings file", dec.timings)
		timings, err = os.Create(dec.timings)
		if err != nil {
			return err
		}
		defer timings.Close()
	}

	for _, tx := range txs {
		lines := dec.decodeTx(tx.SDO, tx.SDI)
		if len(lines) == 0 {
			if dec.OmitIdle {
				continue
			}
			lines = []string{fmt.Sprintf("idle %d bytes", len(tx.SDO))}
		}
		for _, line := range lines {
			if _, err := fmt.Fprintln(fp, line); err != nil {
				return err
			}
			if timings != nil {
				fmt.Fprintf(timings, "t=%f\t%s\n", tx.StartTime(), line)
			}
		}
	}
	return nil
}

func opendigital(filename string) (*saleae.DigitalFile, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	df, err := saleae.ReadDigitalFile(fp)
	if err != nil {
		return nil, err
	}
	return df, nil
}

// frame is a decoded 6-byte command frame plus the card's side of the
// exchange that follows it within the same chip-select window.
type frame struct {
	Cmd    uint8
	Arg    uint32
	CRCOK  bool
	R1     byte
	HasR1  bool
	Block  []byte // data block payload if a start token followed.
	DataOK bool   // data block CRC16 verdict.
}

func (f *frame) String() string {
	s := fmt.Sprintf("CMD%-2d arg=%#08x crc=%s", f.Cmd, f.Arg, okstr(f.CRCOK))
	if f.HasR1 {
		s += fmt.Sprintf(" r1=%#02x", f.R1)
	} else {
		s += " r1=none"
	}
	return s
}

func okstr(ok bool) string {
	if ok {
		return "ok"
	}
	return "BAD"
}

// decodeTx walks one chip-select window. A window may carry several frames
// (CMD55 prefix followed by the app command) and at most one data block per
// frame.
func (dec *decoder) decodeTx(mosi, miso []byte) (lines []string) {
	i := 0
	for i < len(mosi) {
		// Command frames start with 0b01 in the top bits; everything else
		// on MOSI is idle filler or block payload handled below.
		if mosi[i]&0xC0 != 0x40 || i+6 > len(mosi) {
			i++
			continue
		}
		f := frame{
			Cmd:   mosi[i] &^ 0x40,
			Arg:   uint32(mosi[i+1])<<24 | uint32(mosi[i+2])<<16 | uint32(mosi[i+3])<<8 | uint32(mosi[i+4]),
			CRCOK: sdspi.CRC7(mosi[i:i+5]) == mosi[i+5],
		}
		dec.numFrames++
		if !f.CRCOK {
			dec.numBadCRC++
		}
		i += 6
		i = dec.scanResponse(&f, miso, i, len(mosi))
		if f.Cmd == 24 && f.HasR1 {
			// The write payload travels on MOSI; skip it so its bytes are
			// not misparsed as command frames.
			i = skipWriteBlock(mosi, i)
		}
		lines = append(lines, dec.render(&f))
	}
	return lines
}

// scanResponse finds R1 on MISO after the frame end and, for block reads,
// the start token plus payload and CRC16. Returns the next MOSI index to
// resume frame scanning from.
func (dec *decoder) scanResponse(f *frame, miso []byte, pos, limit int) int {
	// R1 arrives within 8 bytes of the frame end.
	end := min(pos+8, len(miso))
	for ; pos < end; pos++ {
		if miso[pos] != 0xFF {
			f.R1 = miso[pos]
			f.HasR1 = true
			pos++
			break
		}
	}
	if !f.HasR1 {
		return pos
	}
	blockLen := 0
	switch f.Cmd {
	case 9, 10:
		blockLen = 16
	case 17:
		blockLen = 512
	}
	if blockLen == 0 {
		return pos
	}
	for pos < limit && miso[pos] != 0xFE {
		pos++
	}
	pos++ // start token.
	if pos+blockLen+2 > len(miso) {
		return len(miso)
	}
	f.Block = miso[pos : pos+blockLen]
	crc := uint16(miso[pos+blockLen])<<8 | uint16(miso[pos+blockLen+1])
	f.DataOK = crc == sdspi.CRC16(f.Block)
	return pos + blockLen + 2
}

// skipWriteBlock advances past a write data block on MOSI: the 0xFE start
// token, 512 payload bytes and the CRC16 trailer.
func skipWriteBlock(mosi []byte, pos int) int {
	for pos < len(mosi) && mosi[pos] != 0xFE {
		pos++
	}
	return min(pos+1+512+2, len(mosi))
}

func (dec *decoder) render(f *frame) string {
	s := f.String()
	if f.Block == nil {
		return s
	}
	s += fmt.Sprintf(" datacrc=%s", okstr(f.DataOK))
	if dec.OmitData {
		return s
	}
	n := len(f.Block)
	if dec.MaxData > 0 {
		n = min(n, dec.MaxData)
	}
	s += fmt.Sprintf(" data=%#x", f.Block[:n])
	if n < len(f.Block) {
		s += fmt.Sprintf("... (%d bytes)", len(f.Block))
	}
	return s
}

func min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}
