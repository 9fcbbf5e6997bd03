package serial

import (
	"errors"

	"github.com/esptimecast/flasherd-go/core"
)

var ErrNotFound = errors.New("port not found")

// Serial aggregates the configured buses (real ports, UDP emulators)
// behind the single bus interface the core works with.
type Serial struct {
	buses []core.Bus
}

func Init(buses ...core.Bus) *Serial {
	return &Serial{
		buses: buses,
	}
}

func (b *Serial) Has(path string) bool {
	for _, b := range b.buses {
		if b.Has(path) {
			return true
		}
	}
	return false
}

func (b *Serial) Enumerate() ([]core.PortInfo, error) {
	var infos []core.PortInfo

	for _, b := range b.buses {
		l, err := b.Enumerate()
		if err != nil {
			return nil, err
		}
		infos = append(infos, l...)
	}
	return infos, nil
}

func (b *Serial) Connect(path string, baud int) (core.Port, error) {
	for _, b := range b.buses {
		if b.Has(path) {
			return b.Connect(path, baud)
		}
	}
	return nil, ErrNotFound
}
