package serial

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/esptimecast/flasherd-go/core"
	"github.com/esptimecast/flasherd-go/memorywriter"
)

// UDP emulator bus, for development and integration testing without
// hardware. Each configured port appears as one device whose path is
// "emulator<port>"; the process on the other side is expected to speak
// the ROM serial protocol over UDP datagrams.

const emulatorPrefix = "emulator"

type UDP struct {
	ports []int
	log   *memorywriter.MemoryWriter
}

func InitUDP(ports []int, log *memorywriter.MemoryWriter) (*UDP, error) {
	return &UDP{
		ports: ports,
		log:   log,
	}, nil
}

func (b *UDP) Enumerate() ([]core.PortInfo, error) {
	infos := make([]core.PortInfo, 0, len(b.ports))
	for _, p := range b.ports {
		infos = append(infos, core.PortInfo{
			Path:     emulatorPrefix + strconv.Itoa(p),
			Emulated: true,
		})
	}
	return infos, nil
}

func (b *UDP) Has(path string) bool {
	_, err := b.port(path)
	return err == nil
}

func (b *UDP) port(path string) (int, error) {
	if !strings.HasPrefix(path, emulatorPrefix) {
		return 0, ErrNotFound
	}
	p, err := strconv.Atoi(path[len(emulatorPrefix):])
	if err != nil {
		return 0, ErrNotFound
	}
	for _, configured := range b.ports {
		if configured == p {
			return p, nil
		}
	}
	return 0, ErrNotFound
}

// Connect dials the emulator; the baud rate is meaningless over UDP
// and only kept for the bus contract.
func (b *UDP) Connect(path string, baud int) (core.Port, error) {
	p, err := b.port(path)
	if err != nil {
		return nil, err
	}
	b.log.Println(fmt.Sprintf("emulator - connecting to port %d", p))
	conn, err := net.Dial("udp", "127.0.0.1:"+strconv.Itoa(p))
	if err != nil {
		return nil, err
	}
	return &udpPort{conn: conn}, nil
}

type udpPort struct {
	conn net.Conn
}

func (p *udpPort) Write(b []byte) (int, error) {
	return p.conn.Write(b)
}

func (p *udpPort) ReadTimeout(d time.Duration) ([]byte, error) {
	if err := p.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return nil, err
	}
	buf := make([]byte, 4096)
	n, err := p.conn.Read(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return []byte{}, nil
		}
		return nil, err
	}
	return buf[:n], nil
}

// SetControlLines is a no-op; the emulated device has no reset wiring.
func (p *udpPort) SetControlLines(dtr, rts bool) error {
	return nil
}

// DiscardInput drains whatever datagrams already arrived.
func (p *udpPort) DiscardInput() error {
	for {
		buf, err := p.ReadTimeout(time.Millisecond)
		if err != nil {
			return err
		}
		if len(buf) == 0 {
			return nil
		}
	}
}

func (p *udpPort) Close() error {
	return p.conn.Close()
}
