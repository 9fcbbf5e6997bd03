package protocol

import (
	"bytes"
	"testing"
)

func TestSyncCommandLayout(t *testing.T) {
	cmd := SyncCommand()
	if len(cmd) != 44 {
		t.Fatalf("sync command is %d bytes, expected 44", len(cmd))
	}
	if cmd[0] != 0x00 || cmd[1] != OpSync {
		t.Errorf("bad header % x", cmd[:2])
	}
	// little-endian payload size 36
	if cmd[2] != 0x24 || cmd[3] != 0x00 {
		t.Errorf("bad size field % x", cmd[2:4])
	}
	if !bytes.Equal(cmd[8:12], []byte{0x07, 0x07, 0x12, 0x20}) {
		t.Errorf("bad sync preamble % x", cmd[8:12])
	}
	for i := 12; i < 44; i++ {
		if cmd[i] != 0x55 {
			t.Errorf("byte %d is %#02x, expected 0x55", i, cmd[i])
		}
	}
}

func TestReadRegCommandLayout(t *testing.T) {
	cmd := ReadRegCommand(MagicRegister)
	if len(cmd) != 12 {
		t.Fatalf("read-reg command is %d bytes, expected 12", len(cmd))
	}
	if cmd[1] != OpReadReg {
		t.Errorf("bad opcode %#02x", cmd[1])
	}
	// 0x40001000 little-endian
	if !bytes.Equal(cmd[8:12], []byte{0x00, 0x10, 0x00, 0x40}) {
		t.Errorf("bad register address % x", cmd[8:12])
	}
}

func TestChecksum(t *testing.T) {
	if got := Checksum(nil); got != 0xEF {
		t.Errorf("Checksum(nil) = %#x, expected seed 0xEF", got)
	}
	if got := Checksum([]byte{0xEF}); got != 0 {
		t.Errorf("Checksum(EF) = %#x, expected 0", got)
	}
	if got := Checksum([]byte{0x01, 0x02, 0x04}); got != 0xEF^0x07 {
		t.Errorf("Checksum = %#x", got)
	}
}

func TestParseResponse(t *testing.T) {
	raw := []byte{0x01, 0x0A, 0x04, 0x00, 0x83, 0x1D, 0xF0, 0x00, 0x00, 0x00}
	r, err := ParseResponse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if r.Op != OpReadReg {
		t.Errorf("op %#02x", r.Op)
	}
	if r.Value != 0x00F01D83 {
		t.Errorf("value %#08x", r.Value)
	}
	if err := r.Status(2); err != nil {
		t.Errorf("status: %s", err)
	}
}

func TestParseResponseFailures(t *testing.T) {
	if _, err := ParseResponse([]byte{0x01, 0x02}); err == nil {
		t.Error("short response accepted")
	}
	if _, err := ParseResponse(make([]byte, 10)); err == nil {
		t.Error("wrong direction byte accepted")
	}

	raw := []byte{0x01, 0x03, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x06}
	r, err := ParseResponse(raw)
	if err != nil {
		t.Fatal(err)
	}
	statusErr := r.Status(2)
	if statusErr == nil {
		t.Fatal("failed status accepted")
	}
	se, ok := statusErr.(*StatusError)
	if !ok {
		t.Fatalf("expected *StatusError, got %T", statusErr)
	}
	if se.Op != OpFlashData || se.Code != 0x06 {
		t.Errorf("bad status error %v", se)
	}
}
