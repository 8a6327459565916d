package levels

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tradecore/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Snapshot is the level table that was active at LoadedAt.
type Snapshot struct {
	Version  int64      `json:"version"`
	LoadedAt time.Time  `json:"loaded_at"`
	Path     string     `json:"path,omitempty"`
	Table    LevelTable `json:"table"`
}

// ChangeListener runs after every successful reload.
type ChangeListener func(Snapshot)

// Registry holds the current level table and reloads it when the file changes.
// A reload that fails validation keeps the previous table.
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry serves the built-in table when path is empty; otherwise it loads
// path and watches it for edits.
func NewRegistry(path string) (*Registry, error) {
	path = strings.TrimSpace(path)
	r := &Registry{path: path}
	if path == "" {
		r.snapshot = Snapshot{Version: 1, LoadedAt: time.Now(), Table: DefaultLevelTable()}
		return r, nil
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read level table config: %w", err)
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		if err := r.Reload(); err != nil {
			logger.Errorf("level table reload failed: %v", err)
		}
	})
	v.WatchConfig()
	r.v = v
	return r, nil
}

// Reload re-reads the file and notifies listeners when the table is valid.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	table, err := LoadLevelTable(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Path:     r.path,
		Table:    table,
	}
	r.mu.Unlock()
	logger.Infof("level table %q loaded with %d levels from %s", table.Name, len(table.Levels), filepath.Base(r.path))
	r.notifyListeners()
	return nil
}

// Snapshot returns the current table with its version.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Table returns the current table.
func (r *Registry) Table() LevelTable {
	return r.Snapshot().Table
}

// OnChange registers fn for future reloads.
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer safeRecover("level table listener")
			cb(snap)
		}(fn)
	}
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := src
	dst.Table.Levels = append([]LevelSpec(nil), src.Table.Levels...)
	return dst
}

func safeRecover(tag string) {
	if r := recover(); r != nil {
		logger.Errorf("%s panic: %v", tag, r)
	}
}
