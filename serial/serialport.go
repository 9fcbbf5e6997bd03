package serial

import (
	"fmt"
	"strconv"
	"time"

	"github.com/esptimecast/flasherd-go/core"
	"github.com/esptimecast/flasherd-go/memorywriter"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Real serial ports. Enumeration goes through the detailed USB port
// list so the descriptor (VID/PID) is known before anything is opened.

const readBufSize = 1024

type Bus struct {
	log *memorywriter.MemoryWriter
}

func InitSerial(log *memorywriter.MemoryWriter) (*Bus, error) {
	return &Bus{log: log}, nil
}

func (b *Bus) Log(s string) {
	b.log.Println("serial - " + s)
}

func (b *Bus) Enumerate() ([]core.PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}

	var infos []core.PortInfo
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		vid, err := strconv.ParseUint(p.VID, 16, 16)
		if err != nil {
			b.Log(fmt.Sprintf("enumerate - bad VID %q on %s", p.VID, p.Name))
			continue
		}
		pid, err := strconv.ParseUint(p.PID, 16, 16)
		if err != nil {
			b.Log(fmt.Sprintf("enumerate - bad PID %q on %s", p.PID, p.Name))
			continue
		}
		infos = append(infos, core.PortInfo{
			Path:      p.Name,
			VendorID:  uint16(vid),
			ProductID: uint16(pid),
		})
	}
	return infos, nil
}

func (b *Bus) Has(path string) bool {
	infos, err := b.Enumerate()
	if err != nil {
		return false
	}
	for _, info := range infos {
		if info.Path == path {
			return true
		}
	}
	return false
}

func (b *Bus) Connect(path string, baud int) (core.Port, error) {
	b.Log(fmt.Sprintf("connect - %s at %d", path, baud))
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return &port{p: p, log: b.log}, nil
}

type port struct {
	p   serial.Port
	log *memorywriter.MemoryWriter
}

func (p *port) Write(b []byte) (int, error) {
	return p.p.Write(b)
}

// ReadTimeout races one read against the window; an elapsed window
// returns an empty slice, not an error. Leftover bytes of a superseded
// read stay in the OS buffer until DiscardInput.
func (p *port) ReadTimeout(d time.Duration) ([]byte, error) {
	if err := p.p.SetReadTimeout(d); err != nil {
		return nil, err
	}
	buf := make([]byte, readBufSize)
	n, err := p.p.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (p *port) SetControlLines(dtr, rts bool) error {
	if err := p.p.SetDTR(dtr); err != nil {
		return err
	}
	return p.p.SetRTS(rts)
}

func (p *port) DiscardInput() error {
	return p.p.ResetInputBuffer()
}

func (p *port) Close() error {
	return p.p.Close()
}
