package loader

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/esptimecast/flasherd-go/chip"
	"github.com/esptimecast/flasherd-go/core"
	"github.com/esptimecast/flasherd-go/protocol"
)

// ROM serial protocol implementation of the flash loader contract:
// reset into the bootloader, sync, then erase+program the image with
// the FLASH_BEGIN/DATA/END command family (or their compressed
// variants), reporting fractional progress to the sink.

const (
	blockSize  = 0x400
	sectorSize = 0x1000

	// full-erase span; the boards this daemon targets ship 4MB parts
	eraseAllSize = 4 << 20

	syncTries       = 7
	readSlice       = 100 * time.Millisecond
	commandTimeout  = 3 * time.Second
	eraseTimeoutMin = 10 * time.Second
	// erasing is slow; scale the FLASH_BEGIN wait with image size
	eraseTimeoutPerMB = 30 * time.Second

	resetHold = 100 * time.Millisecond
	bootHold  = 50 * time.Millisecond
)

// TimeoutError is a command that got no matching reply in time.
type TimeoutError struct {
	Op byte
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for reply to command %#02x", e.Op)
}

type Loader struct {
	port     core.Port
	baud     int
	progress func(float64)
	log      func(string)

	family  chip.Family
	pending []byte // unconsumed reply bytes between reads
}

// New builds a loader for one attempt; it satisfies core.LoaderFactory.
func New(cfg core.LoaderConfig) core.Loader {
	l := &Loader{
		port:     cfg.Port,
		baud:     cfg.Baud,
		progress: cfg.Progress,
	}
	if cfg.Log != nil {
		l.log = func(s string) { cfg.Log.Println("loader - " + s) }
	} else {
		l.log = func(string) {}
	}
	if l.progress == nil {
		l.progress = func(float64) {}
	}
	return l
}

// Connect resets the chip into its bootloader per the requested mode,
// syncs, and reports the chip name read back from the magic register.
func (l *Loader) Connect(mode core.ResetMode) (string, error) {
	switch mode {
	case core.ResetDefault:
		l.classicReset()
	case core.ResetUSB:
		l.usbReset()
	case core.ResetNone:
	}

	if err := l.sync(); err != nil {
		return "", err
	}

	magic, err := l.readReg(protocol.MagicRegister)
	if err != nil {
		return "", err
	}
	l.family = chip.ResolveMagic(magic)
	if l.family == chip.Unknown {
		return "", fmt.Errorf("unrecognized chip magic %#08x", magic)
	}
	l.log("connected to " + l.family.String())
	return l.family.String(), nil
}

// WriteImage erases and programs the image. Fractional progress covers
// the data blocks; the trailing END command is cheap.
func (l *Loader) WriteImage(job core.ImageJob) error {
	if l.family != chip.ESP8266 {
		if err := l.spiAttach(); err != nil {
			return err
		}
	}
	if job.EraseAll {
		if err := l.eraseAll(); err != nil {
			return err
		}
	}
	if job.Compress {
		return l.writeCompressed(job)
	}
	return l.writeRaw(job)
}

// eraseAll wipes the whole flash before programming. The ROM has no
// dedicated erase command; a FLASH_BEGIN spanning the chip with zero
// data blocks, closed right away, erases the region.
func (l *Loader) eraseAll() error {
	l.log("erasing full flash")
	begin := beginPayload(l.family, eraseAllSize, 0, 0)
	if _, err := l.command(protocol.OpFlashBegin, begin, 0, eraseTimeout(eraseAllSize), true); err != nil {
		return err
	}
	return l.end(protocol.OpFlashEnd)
}

// classicReset is the DTR/RTS auto-reset dance of bridge-wired boards:
// hold the chip in reset, pull the boot strap, release.
func (l *Loader) classicReset() {
	_ = l.port.SetControlLines(false, true)
	time.Sleep(resetHold)
	_ = l.port.SetControlLines(true, false)
	time.Sleep(bootHold)
	_ = l.port.SetControlLines(false, false)
}

// usbReset nudges native-USB parts that are already sitting in their
// ROM bootloader; a full reset pulse would drop the CDC endpoint.
func (l *Loader) usbReset() {
	_ = l.port.SetControlLines(true, false)
	time.Sleep(bootHold)
	_ = l.port.SetControlLines(false, false)
}

func (l *Loader) sync() error {
	frame := protocol.Encode(protocol.SyncCommand())
	var lastErr error
	for try := 0; try < syncTries; try++ {
		if err := l.port.DiscardInput(); err != nil {
			return err
		}
		l.pending = nil
		if _, err := l.port.Write(frame); err != nil {
			return err
		}
		_, err := l.readResponse(protocol.OpSync, readSlice*2, false)
		if err == nil {
			// the ROM answers the sync several times; let the burst
			// finish and drop it
			time.Sleep(readSlice)
			l.pending = nil
			return l.port.DiscardInput()
		}
		lastErr = err
	}
	return lastErr
}

func (l *Loader) readReg(addr uint32) (uint32, error) {
	resp, err := l.command(protocol.OpReadReg, regPayload(addr), 0, commandTimeout, false)
	if err != nil {
		return 0, err
	}
	return resp.Value, nil
}

func regPayload(addr uint32) []byte {
	var data [4]byte
	binary.LittleEndian.PutUint32(data[:], addr)
	return data[:]
}

func (l *Loader) spiAttach() error {
	// zero argument word pair selects the default SPI pins
	_, err := l.command(protocol.OpSpiAttach, make([]byte, 8), 0, commandTimeout, true)
	return err
}

func (l *Loader) writeRaw(job core.ImageJob) error {
	blocks := blockCount(len(job.Data))
	erase := eraseSize(len(job.Data))

	l.log(fmt.Sprintf("flash begin: %d bytes, %d blocks at %#x", len(job.Data), blocks, job.Address))
	begin := beginPayload(l.family, erase, blocks, job.Address)
	if _, err := l.command(protocol.OpFlashBegin, begin, 0, eraseTimeout(erase), true); err != nil {
		return err
	}

	for i := uint32(0); i < blocks; i++ {
		block := imageBlock(job.Data, i)
		payload := dataPayload(i, block)
		if _, err := l.command(protocol.OpFlashData, payload, protocol.Checksum(block), commandTimeout, true); err != nil {
			return err
		}
		l.progress(float64(i+1) / float64(blocks))
	}

	// stay in the loader; the orchestrator decides when to reboot
	return l.end(protocol.OpFlashEnd)
}

func (l *Loader) writeCompressed(job core.ImageJob) error {
	compressed, err := deflate(job.Data)
	if err != nil {
		return err
	}
	blocks := blockCount(len(compressed))

	l.log(fmt.Sprintf("flash defl begin: %d -> %d bytes, %d blocks at %#x",
		len(job.Data), len(compressed), blocks, job.Address))
	begin := beginPayload(l.family, uint32(len(job.Data)), blocks, job.Address)
	if _, err := l.command(protocol.OpFlashDeflBegin, begin, 0, eraseTimeout(uint32(len(job.Data))), true); err != nil {
		return err
	}

	for i := uint32(0); i < blocks; i++ {
		block := imageBlock(compressed, i)
		payload := dataPayload(i, block)
		if _, err := l.command(protocol.OpFlashDeflData, payload, protocol.Checksum(block), commandTimeout, true); err != nil {
			return err
		}
		l.progress(float64(i+1) / float64(blocks))
	}

	return l.end(protocol.OpFlashDeflEnd)
}

func (l *Loader) end(op byte) error {
	var stay [4]byte
	binary.LittleEndian.PutUint32(stay[:], 1)
	_, err := l.command(op, stay[:], 0, commandTimeout, true)
	return err
}

func blockCount(size int) uint32 {
	return uint32((size + blockSize - 1) / blockSize)
}

func eraseSize(size int) uint32 {
	sectors := (size + sectorSize - 1) / sectorSize
	return uint32(sectors * sectorSize)
}

func eraseTimeout(size uint32) time.Duration {
	t := eraseTimeoutMin + time.Duration(size)*eraseTimeoutPerMB/(1<<20)
	return t
}

// beginPayload builds the FLASH_BEGIN argument words. Families newer
// than the original ESP32 expect a fifth word (plaintext flag).
func beginPayload(f chip.Family, erase, blocks, addr uint32) []byte {
	words := []uint32{erase, blocks, blockSize, addr}
	if f != chip.ESP8266 && f != chip.ESP32 {
		words = append(words, 0)
	}
	out := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out
}

// imageBlock slices block i out of the image, padded to a full block
// with 0xFF (erased flash) at the tail.
func imageBlock(data []byte, i uint32) []byte {
	start := int(i) * blockSize
	end := start + blockSize
	if end <= len(data) {
		return data[start:end]
	}
	block := make([]byte, blockSize)
	for j := range block {
		block[j] = 0xFF
	}
	copy(block, data[start:])
	return block
}

// dataPayload prefixes a block with the FLASH_DATA header words:
// size, sequence, and two reserved zeros.
func dataPayload(seq uint32, block []byte) []byte {
	out := make([]byte, 16+len(block))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(block)))
	binary.LittleEndian.PutUint32(out[4:8], seq)
	copy(out[16:], block)
	return out
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// command frames and sends one request, then waits for its reply.
// checkStatus is off for the handshake commands whose status layout
// differs between ROM generations.
func (l *Loader) command(op byte, data []byte, checksum uint32, timeout time.Duration, checkStatus bool) (*protocol.Response, error) {
	frame := protocol.Encode(protocol.Command(op, data, checksum))
	if _, err := l.port.Write(frame); err != nil {
		return nil, err
	}
	return l.readResponse(op, timeout, checkStatus)
}

func (l *Loader) readResponse(op byte, timeout time.Duration, checkStatus bool) (*protocol.Response, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		buf, err := l.port.ReadTimeout(readSlice)
		if err != nil {
			return nil, err
		}
		l.pending = append(l.pending, buf...)

		frames, rest := protocol.ExtractFrames(l.pending)
		l.pending = rest
		for _, f := range frames {
			raw, err := protocol.Decode(f)
			if err != nil {
				continue
			}
			resp, err := protocol.ParseResponse(raw)
			if err != nil || resp.Op != op {
				continue
			}
			if checkStatus {
				if err := resp.Status(l.statusSize()); err != nil {
					return nil, err
				}
			}
			return resp, nil
		}
	}
	return nil, &TimeoutError{Op: op}
}

// statusSize is 2 on the ESP8266 ROM, 4 on everything later.
func (l *Loader) statusSize() int {
	if l.family == chip.ESP8266 {
		return 2
	}
	return 4
}
