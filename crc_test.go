package sdspi

import "testing"

func TestCRC7CommandVectors(t *testing.T) {
	// Frames and CRC bytes published in the SD physical layer spec.
	vectors := []struct {
		frame []byte
		want  uint8
	}{
		{[]byte{0x40, 0x00, 0x00, 0x00, 0x00}, 0x95}, // CMD0
		{[]byte{0x48, 0x00, 0x00, 0x01, 0xAA}, 0x87}, // CMD8(0x1AA)
		{[]byte{0x77, 0x00, 0x00, 0x00, 0x00}, 0x65}, // CMD55
	}
	for _, v := range vectors {
		got := CRC7(v.frame)
		if got != v.want {
			t.Errorf("CRC7(% x) = %#02x, want %#02x", v.frame, got, v.want)
		}
	}
}

func TestCRC7EndBitAlwaysSet(t *testing.T) {
	var buf [5]byte
	for i := 0; i < 256; i++ {
		buf[0] = byte(i)
		buf[2] = byte(i * 7)
		buf[4] = byte(255 - i)
		if CRC7(buf[:])&1 != 1 {
			t.Fatalf("CRC7(% x) has end bit clear", buf)
		}
	}
}

func TestCRC16Vectors(t *testing.T) {
	if got := CRC16([]byte("123456789")); got != 0x31C3 {
		t.Errorf("CRC16 check value = %#04x, want 0x31c3", got)
	}
	// 512 bytes of 0xFF is the classic SD data-block vector.
	block := make([]byte, 512)
	for i := range block {
		block[i] = 0xFF
	}
	if got := CRC16(block); got != 0x7FA1 {
		t.Errorf("CRC16(512x0xFF) = %#04x, want 0x7fa1", got)
	}
	if got := CRC16(nil); got != 0 {
		t.Errorf("CRC16(empty) = %#04x, want 0", got)
	}
}

func TestPopulateFrame(t *testing.T) {
	var frame [6]byte
	populateFrame(&frame, cmdSendIfCond, 0x1AA)
	want := [6]byte{0x48, 0x00, 0x00, 0x01, 0xAA, 0x87}
	if frame != want {
		t.Errorf("frame = % x, want % x", frame, want)
	}
	populateFrame(&frame, cmdGoIdleState, 0)
	want = [6]byte{0x40, 0x00, 0x00, 0x00, 0x00, 0x95}
	if frame != want {
		t.Errorf("frame = % x, want % x", frame, want)
	}
}
