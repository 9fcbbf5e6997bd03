package firmware

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/esptimecast/flasherd-go/chip"
)

// Firmware images are described by an installer-style manifest.json:
//
//	{
//	  "name": "EspTimeCast",
//	  "version": "2.1.0",
//	  "builds": [
//	    {"chipFamily": "ESP32", "factory": "esp32-factory.bin",
//	     "update": "esp32-update.bin", "version": "2.1.0"}
//	  ]
//	}
//
// Image paths are relative to the manifest file. Bytes are read lazily
// on first use and cached; a registry with no build for a family still
// loads fine, the lookup miss is the caller's signal.

type manifest struct {
	Name    string  `json:"name"`
	Version string  `json:"version"`
	Builds  []build `json:"builds"`
}

type build struct {
	ChipFamily string `json:"chipFamily"`
	Factory    string `json:"factory"`
	Update     string `json:"update"`
	Version    string `json:"version"`
}

// Build is one family's entry, exported for the status page.
type Build struct {
	Family  chip.Family
	Factory string
	Update  string
	Version string
}

type Registry struct {
	name    string
	version string
	dir     string
	builds  map[chip.Family]build

	mutex sync.Mutex
	cache map[string][]byte
}

// Load parses a manifest and indexes its builds by family. Entries
// naming a family this build does not know are skipped, so one
// manifest can serve newer daemons too.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	builds := make(map[chip.Family]build)
	for _, b := range m.Builds {
		f := chip.ParseFamily(b.ChipFamily)
		if f == chip.Unknown {
			continue
		}
		if b.Factory == "" {
			return nil, fmt.Errorf("manifest build for %s has no factory image", b.ChipFamily)
		}
		builds[f] = b
	}

	return &Registry{
		name:    m.Name,
		version: m.Version,
		dir:     filepath.Dir(path),
		builds:  builds,
		cache:   make(map[string][]byte),
	}, nil
}

func (r *Registry) Name() string {
	return r.name
}

func (r *Registry) Version() string {
	return r.version
}

// HasBuild reports whether the manifest carries an image for the
// family; identification turns a miss into the unsupported-board
// outcome.
func (r *Registry) HasBuild(f chip.Family) bool {
	_, ok := r.builds[f]
	return ok
}

// Image returns the image bytes for the family. Update variants fall
// back to the factory image when the manifest ships only one.
func (r *Registry) Image(f chip.Family, update bool) ([]byte, error) {
	b, ok := r.builds[f]
	if !ok {
		return nil, fmt.Errorf("no firmware build for %s", f)
	}
	name := b.Factory
	if update && b.Update != "" {
		name = b.Update
	}
	return r.read(name)
}

func (r *Registry) read(name string) ([]byte, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if data, ok := r.cache[name]; ok {
		return data, nil
	}
	data, err := os.ReadFile(filepath.Join(r.dir, name))
	if err != nil {
		return nil, err
	}
	r.cache[name] = data
	return data, nil
}

// Builds lists the manifest entries for the status page.
func (r *Registry) Builds() []Build {
	out := make([]Build, 0, len(r.builds))
	for f := chip.ESP8266; f <= chip.ESP32S3; f++ {
		b, ok := r.builds[f]
		if !ok {
			continue
		}
		out = append(out, Build{
			Family:  f,
			Factory: b.Factory,
			Update:  b.Update,
			Version: b.Version,
		})
	}
	return out
}
