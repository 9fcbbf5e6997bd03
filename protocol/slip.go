package protocol

import (
	"bytes"
	"errors"
)

// SLIP framing used by the ESP ROM serial protocol. Every command and
// reply travels as one frame delimited by 0xC0 on both ends, with
// literal 0xC0 and 0xDB bytes escaped inside the frame.

const (
	slipEnd    = 0xC0
	slipEsc    = 0xDB
	slipEscEnd = 0xDC
	slipEscEsc = 0xDD
)

var ErrBadFrame = errors.New("malformed SLIP frame")

// Encode wraps p in a SLIP frame. An empty input produces the
// two-byte frame C0 C0.
func Encode(p []byte) []byte {
	out := make([]byte, 0, len(p)+2)
	out = append(out, slipEnd)
	for _, b := range p {
		switch b {
		case slipEnd:
			out = append(out, slipEsc, slipEscEnd)
		case slipEsc:
			out = append(out, slipEsc, slipEscEsc)
		default:
			out = append(out, b)
		}
	}
	out = append(out, slipEnd)
	return out
}

// Decode is the exact inverse of Encode. The input must carry both
// delimiters; a bare 0xC0 or a dangling escape inside is an error.
func Decode(frame []byte) ([]byte, error) {
	if len(frame) < 2 || frame[0] != slipEnd || frame[len(frame)-1] != slipEnd {
		return nil, ErrBadFrame
	}
	inner := frame[1 : len(frame)-1]
	out := make([]byte, 0, len(inner))
	for i := 0; i < len(inner); i++ {
		switch inner[i] {
		case slipEnd:
			return nil, ErrBadFrame
		case slipEsc:
			i++
			if i >= len(inner) {
				return nil, ErrBadFrame
			}
			switch inner[i] {
			case slipEscEnd:
				out = append(out, slipEnd)
			case slipEscEsc:
				out = append(out, slipEsc)
			default:
				return nil, ErrBadFrame
			}
		default:
			out = append(out, inner[i])
		}
	}
	return out, nil
}

// ExtractFrames splits accumulated read bytes into complete frames and
// returns the unconsumed tail. Bytes outside delimiters (ROM boot
// chatter) are dropped.
func ExtractFrames(buf []byte) ([][]byte, []byte) {
	var frames [][]byte
	for {
		start := bytes.IndexByte(buf, slipEnd)
		if start < 0 {
			return frames, nil
		}
		rel := bytes.IndexByte(buf[start+1:], slipEnd)
		if rel < 0 {
			return frames, buf[start:]
		}
		end := start + 1 + rel
		if end == start+1 {
			// adjacent delimiters, treat the second as a new start
			buf = buf[end:]
			continue
		}
		frames = append(frames, buf[start:end+1])
		buf = buf[end+1:]
	}
}
