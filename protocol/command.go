package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ROM bootloader command opcodes.
const (
	OpFlashBegin     byte = 0x02
	OpFlashData      byte = 0x03
	OpFlashEnd       byte = 0x04
	OpMemBegin       byte = 0x05
	OpMemEnd         byte = 0x06
	OpMemData        byte = 0x07
	OpSync           byte = 0x08
	OpWriteReg       byte = 0x09
	OpReadReg        byte = 0x0A
	OpSpiAttach      byte = 0x0D
	OpChangeBaud     byte = 0x0F
	OpFlashDeflBegin byte = 0x10
	OpFlashDeflData  byte = 0x11
	OpFlashDeflEnd   byte = 0x12
)

// MagicRegister holds the chip-detect constant that identifies the
// silicon family. Same address on every family.
const MagicRegister uint32 = 0x40001000

const checksumSeed = 0xEF

// Checksum is the running XOR over payload bytes used by the data
// commands. The ROM compares only the low byte but the wire format
// carries it as a 32-bit field.
func Checksum(data []byte) uint32 {
	sum := byte(checksumSeed)
	for _, b := range data {
		sum ^= b
	}
	return uint32(sum)
}

// Command builds a raw (unframed) request: direction byte 0x00, the
// opcode, little-endian payload size and checksum, then the payload.
func Command(op byte, data []byte, checksum uint32) []byte {
	out := make([]byte, 8+len(data))
	out[0] = 0x00
	out[1] = op
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(data)))
	binary.LittleEndian.PutUint32(out[4:8], checksum)
	copy(out[8:], data)
	return out
}

// SyncCommand is the fixed handshake request: 0x07 0x07 0x12 0x20
// followed by 32 times 0x55, 44 bytes raw before framing.
func SyncCommand() []byte {
	data := make([]byte, 36)
	data[0], data[1], data[2], data[3] = 0x07, 0x07, 0x12, 0x20
	for i := 4; i < len(data); i++ {
		data[i] = 0x55
	}
	return Command(OpSync, data, 0)
}

// ReadRegCommand requests the 32-bit value of a hardware register.
func ReadRegCommand(addr uint32) []byte {
	var data [4]byte
	binary.LittleEndian.PutUint32(data[:], addr)
	return Command(OpReadReg, data[:], 0)
}

// Response is a decoded (unframed) reply.
type Response struct {
	Op    byte
	Value uint32
	Data  []byte
}

var ErrShortResponse = errors.New("response too short")

// StatusError is a reply whose trailing status bytes flag a failure.
type StatusError struct {
	Op   byte
	Code byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("command %#02x failed with status %#02x", e.Op, e.Code)
}

// ParseResponse decodes an unframed reply. Replies carry direction
// 0x01, the opcode they answer, a 32-bit value (meaningful for
// register reads) and a data section ending in status bytes.
func ParseResponse(raw []byte) (*Response, error) {
	if len(raw) < 8 {
		return nil, ErrShortResponse
	}
	if raw[0] != 0x01 {
		return nil, fmt.Errorf("unexpected direction byte %#02x", raw[0])
	}
	return &Response{
		Op:    raw[1],
		Value: binary.LittleEndian.Uint32(raw[4:8]),
		Data:  raw[8:],
	}, nil
}

// Status checks the trailing status bytes of the data section.
// statusSize is 2 on the ESP8266 ROM, 4 on later parts.
func (r *Response) Status(statusSize int) error {
	if len(r.Data) < statusSize {
		return ErrShortResponse
	}
	status := r.Data[len(r.Data)-statusSize:]
	if status[0] != 0 {
		return &StatusError{Op: r.Op, Code: status[1]}
	}
	return nil
}
