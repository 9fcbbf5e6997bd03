package protocol

import (
	"bytes"
	"testing"
)

func TestEncodeDelimitersAndEscapes(t *testing.T) {
	testcases := []struct {
		in  []byte
		out []byte
	}{
		{[]byte{}, []byte{0xC0, 0xC0}},
		{[]byte{0x01, 0x02}, []byte{0xC0, 0x01, 0x02, 0xC0}},
		{[]byte{0xC0}, []byte{0xC0, 0xDB, 0xDC, 0xC0}},
		{[]byte{0xDB}, []byte{0xC0, 0xDB, 0xDD, 0xC0}},
		{[]byte{0xC0, 0xDB, 0xC0}, []byte{0xC0, 0xDB, 0xDC, 0xDB, 0xDD, 0xDB, 0xDC, 0xC0}},
	}
	for _, tc := range testcases {
		got := Encode(tc.in)
		if !bytes.Equal(got, tc.out) {
			t.Errorf("Encode(% x) = % x, expected % x", tc.in, got, tc.out)
		}
	}
}

func TestEncodeNoInteriorDelimiter(t *testing.T) {
	payloads := [][]byte{
		{0xC0, 0xC0, 0xC0},
		{0xDB, 0xC0, 0xDB},
		{0x00, 0x18, 0xFF},
		bytes.Repeat([]byte{0xC0, 0xDB}, 100),
	}
	for _, p := range payloads {
		frame := Encode(p)
		if frame[0] != 0xC0 || frame[len(frame)-1] != 0xC0 {
			t.Errorf("frame of % x missing delimiters", p)
		}
		for _, b := range frame[1 : len(frame)-1] {
			if b == 0xC0 {
				t.Errorf("frame of % x has interior delimiter", p)
			}
		}
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		{0x00},
		{0xC0},
		{0xDB},
		{0xC0, 0xDB, 0xDC, 0xDD},
		bytes.Repeat([]byte{0xC0, 0x55, 0xDB}, 64),
		SyncCommand(),
	}
	for _, p := range payloads {
		got, err := Decode(Encode(p))
		if err != nil {
			t.Errorf("Decode(Encode(% x)) errored: %s", p, err)
			continue
		}
		if !bytes.Equal(got, p) {
			t.Errorf("round trip of % x produced % x", p, got)
		}
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	bad := [][]byte{
		nil,
		{0xC0},
		{0x01, 0x02, 0xC0},
		{0xC0, 0x01, 0x02},
		{0xC0, 0xDB, 0xC0},       // dangling escape
		{0xC0, 0xDB, 0x01, 0xC0}, // invalid escape code
	}
	for _, frame := range bad {
		if _, err := Decode(frame); err == nil {
			t.Errorf("Decode(% x) expected error", frame)
		}
	}
}

func TestExtractFrames(t *testing.T) {
	frame1 := Encode([]byte{0x01, 0x08, 0x00, 0x00})
	frame2 := Encode([]byte{0x01, 0x0A, 0x00, 0x00})

	var buf []byte
	buf = append(buf, []byte("boot chatter")...)
	buf = append(buf, frame1...)
	buf = append(buf, frame2...)
	buf = append(buf, 0xC0, 0x01) // incomplete tail

	frames, rest := ExtractFrames(buf)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if !bytes.Equal(frames[0], frame1) || !bytes.Equal(frames[1], frame2) {
		t.Errorf("frames not split correctly: % x / % x", frames[0], frames[1])
	}
	if !bytes.Equal(rest, []byte{0xC0, 0x01}) {
		t.Errorf("unexpected tail % x", rest)
	}
}
