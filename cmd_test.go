package sdspi

import (
	"testing"
	"time"

	"github.com/soypat/sdspi/internal/cardsim"
)

// scriptBus plays back a fixed byte sequence and counts traffic. Exhausted
// responses read as idle filler.
type scriptBus struct {
	resp       []byte
	pos        int
	reads      int
	framesSent int
}

func (s *scriptBus) next() byte {
	if s.pos >= len(s.resp) {
		return 0xFF
	}
	b := s.resp[s.pos]
	s.pos++
	return b
}

func (s *scriptBus) Transfer(b byte) (byte, error) {
	s.reads++
	return s.next(), nil
}

func (s *scriptBus) Tx(w, r []byte) error {
	if len(r) == 0 && len(w) == 6 {
		s.framesSent++
	}
	for i := range r {
		s.reads++
		r[i] = s.next()
	}
	return nil
}

func nopPin(bool) {}

func TestResponseScanAllOffsets(t *testing.T) {
	for offset := 0; offset <= 7; offset++ {
		card := &cardsim.Card{Version: 2, RespDelay: offset}
		d := New(card, card.Pin())
		ret, err := d.sendCommand(cmdReadOCR, 0, cmdFlagFullResp)
		if err != nil {
			t.Fatalf("offset %d: %v", offset, err)
		}
		if ret != 0x01 {
			t.Fatalf("offset %d: R1 = %#02x, want 0x01", offset, ret)
		}
		// The full response must be front-aligned regardless of where in
		// the window R1 arrived.
		if d.respbuf[0] != 0x01 || d.respbuf[1] != 0x80 || d.respbuf[2] != 0x30 {
			t.Errorf("offset %d: response window = % x", offset, d.respbuf)
		}
	}
}

func TestSendCommandNoResponse(t *testing.T) {
	card := &cardsim.Card{Mute: true}
	d := New(card, card.Pin())
	ret, err := d.sendCommand(cmdGoIdleState, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ret != 0xFF {
		t.Errorf("R1 = %#02x, want 0xFF (no response)", ret)
	}
}

func TestCheckCommandNotExpect(t *testing.T) {
	// A responsive card must satisfy not-expect on the first attempt.
	card := &cardsim.Card{Version: 2}
	d := New(card, card.Pin())
	if !d.checkCommand(cmdSendIfCond, 0x10A, cmdFlagFullResp|cmdFlagNotExpect, 0xFF, 3) {
		t.Error("not-expect failed against a responsive card")
	}
	if n := card.CountCmd(cmdSendIfCond); n != 1 {
		t.Errorf("CMD8 sent %d times, want 1", n)
	}

	// A mute card must consume every attempt before failing.
	bus := &scriptBus{}
	d = New(bus, nopPin)
	if d.checkCommand(cmdSendIfCond, 0x10A, cmdFlagNotExpect, 0xFF, 3) {
		t.Error("not-expect succeeded with only idle filler")
	}
	if bus.framesSent != 3 {
		t.Errorf("sent %d frames, want 3", bus.framesSent)
	}
}

func TestCheckCommandExpect(t *testing.T) {
	bus := &scriptBus{resp: []byte{
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, // attempt 1: idle
		0x01, // attempt 2: R1 in-idle
	}}
	d := New(bus, nopPin)
	if !d.checkCommand(cmdGoIdleState, 0, 0, 0x01, 5) {
		t.Fatal("expected success on second attempt")
	}
	if bus.framesSent != 2 {
		t.Errorf("sent %d frames, want 2", bus.framesSent)
	}
}

func TestFindTokenStopsAtMatch(t *testing.T) {
	bus := &scriptBus{resp: []byte{0xFF, 0x00, 0xFF, 0xFE, 0xAA}}
	d := New(bus, nopPin)
	if !d.findToken(0xFE, busyTimeout) {
		t.Fatal("token not found")
	}
	if bus.reads != 4 {
		t.Errorf("scanned %d bytes, want 4 (must not scan past the token)", bus.reads)
	}
}

func TestFindTokenTimeout(t *testing.T) {
	bus := &scriptBus{}
	d := New(bus, nopPin)
	start := time.Now()
	if d.findToken(0xFE, 5*time.Millisecond) {
		t.Fatal("found token in idle filler")
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("returned before deadline: %v", elapsed)
	}
}
