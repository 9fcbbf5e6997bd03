package prefs

import (
	"encoding/json"
	"os"
	"sync"
)

// File-backed user preferences. Today that is a single boolean: keep
// the device's stored settings across a flash (pick the update image
// and leave the settings region alone) or wipe everything.

type data struct {
	KeepData bool `json:"keepData"`
}

type Prefs struct {
	mutex sync.Mutex
	path  string
	data  data
}

// Open loads preferences from path. A missing file is not an error,
// it just means defaults; the file appears on the first Set.
func Open(path string) (*Prefs, error) {
	p := &Prefs{path: path}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &p.data); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Prefs) KeepData() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.data.KeepData
}

func (p *Prefs) SetKeepData(v bool) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.data.KeepData = v
	return p.save()
}

func (p *Prefs) save() error {
	raw, err := json.MarshalIndent(&p.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p.path, raw, 0o600)
}
