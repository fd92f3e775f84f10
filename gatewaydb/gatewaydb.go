// Package gatewaydb is a YAML-backed registry of named gateway presets.
// Preset.AttrString renders a preset's gateway/path/cpu settings into a full
// attribute string; the plctag attribute parser itself has no key that
// refers to a preset by name.
package gatewaydb

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ListenerID identifies a registered change-listener callback.
type ListenerID string

// Preset is one reusable PLC connection descriptor.
type Preset struct {
	Name      string        `yaml:"name"`
	Gateway   string        `yaml:"gateway"`
	Path      string        `yaml:"path,omitempty"`
	CPU       string        `yaml:"cpu"`
	ElemSize  int           `yaml:"elem_size,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	Connected *bool         `yaml:"use_connected_msg,omitempty"`
}

// AttrString renders the preset, plus a tag name and element count, as a
// plctag attribute string.
func (p *Preset) AttrString(tagName string, elemCount int) string {
	s := fmt.Sprintf("protocol=ab_eip&gateway=%s&cpu=%s&name=%s", p.Gateway, p.CPU, tagName)
	if p.Path != "" {
		s += "&path=" + p.Path
	}
	if p.ElemSize > 0 {
		s += fmt.Sprintf("&elem_size=%d", p.ElemSize)
	}
	if elemCount > 0 {
		s += fmt.Sprintf("&elem_count=%d", elemCount)
	}
	if p.Connected != nil {
		s += fmt.Sprintf("&use_connected_msg=%v", *p.Connected)
	}
	return s
}

// DB holds a set of named presets. Find/Add/Remove/Names lock the preset
// list internally, and Save notifies registered change listeners.
type DB struct {
	Presets []Preset `yaml:"presets"`

	dataMu sync.Mutex `yaml:"-"`

	listenersMu     sync.RWMutex             `yaml:"-"`
	listeners       map[ListenerID]func()    `yaml:"-"`
	listenerCounter uint64                   `yaml:"-"`
}

// DefaultPath returns the default preset file location under the user's
// home directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "gatewaydb.yaml"
	}
	return filepath.Join(home, ".plctag", "gatewaydb.yaml")
}

// Load reads a preset file, returning an empty DB if it does not yet exist.
func Load(path string) (*DB, error) {
	db := &DB{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return db, nil
		}
		return nil, fmt.Errorf("gatewaydb: load: %w", err)
	}

	if err := yaml.Unmarshal(data, db); err != nil {
		return nil, fmt.Errorf("gatewaydb: parse: %w", err)
	}
	return db, nil
}

// Find returns the named preset, or nil if it is not registered.
func (db *DB) Find(name string) *Preset {
	db.dataMu.Lock()
	defer db.dataMu.Unlock()
	for i := range db.Presets {
		if db.Presets[i].Name == name {
			return &db.Presets[i]
		}
	}
	return nil
}

// Add registers a preset, replacing any existing preset of the same name.
func (db *DB) Add(p Preset) {
	db.dataMu.Lock()
	defer db.dataMu.Unlock()
	for i := range db.Presets {
		if db.Presets[i].Name == p.Name {
			db.Presets[i] = p
			return
		}
	}
	db.Presets = append(db.Presets, p)
}

// Remove deletes a preset by name, reporting whether it existed.
func (db *DB) Remove(name string) bool {
	db.dataMu.Lock()
	defer db.dataMu.Unlock()
	for i := range db.Presets {
		if db.Presets[i].Name == name {
			db.Presets = append(db.Presets[:i], db.Presets[i+1:]...)
			return true
		}
	}
	return false
}

// Names lists every registered preset name, in registration order.
func (db *DB) Names() []string {
	db.dataMu.Lock()
	defer db.dataMu.Unlock()
	out := make([]string, len(db.Presets))
	for i, p := range db.Presets {
		out[i] = p.Name
	}
	return out
}

// AddOnChangeListener registers a callback invoked (in its own goroutine)
// after every successful Save.
func (db *DB) AddOnChangeListener(cb func()) ListenerID {
	db.listenersMu.Lock()
	defer db.listenersMu.Unlock()

	if db.listeners == nil {
		db.listeners = make(map[ListenerID]func())
	}
	id := ListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&db.listenerCounter, 1)))
	db.listeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (db *DB) RemoveOnChangeListener(id ListenerID) {
	db.listenersMu.Lock()
	defer db.listenersMu.Unlock()
	delete(db.listeners, id)
}

func (db *DB) notifyChangeListeners() {
	db.listenersMu.RLock()
	cbs := make([]func(), 0, len(db.listeners))
	for _, cb := range db.listeners {
		cbs = append(cbs, cb)
	}
	db.listenersMu.RUnlock()

	for _, cb := range cbs {
		go cb()
	}
}

// Save marshals and writes the preset file, then notifies change listeners.
func (db *DB) Save(path string) error {
	db.dataMu.Lock()
	data, err := yaml.Marshal(db)
	db.dataMu.Unlock()
	if err != nil {
		return fmt.Errorf("gatewaydb: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("gatewaydb: mkdir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("gatewaydb: write: %w", err)
	}

	db.notifyChangeListeners()
	return nil
}
