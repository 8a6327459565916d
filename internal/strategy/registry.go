package strategy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownStrategy is returned by Build for names that were never registered.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Config carries the parameters of every built-in strategy.
type Config struct {
	Confluence ConfluenceConfig
	Indicators IndicatorConfig
}

// Factory builds a strategy from cfg.
type Factory func(cfg Config) Strategy

// Registry maps strategy names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding confluence, momentum, mean_reversion and custom.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.mustRegister(ConfluenceName, func(cfg Config) Strategy { return NewConfluenceEngine(cfg.Confluence) })
	r.mustRegister(MomentumName, func(cfg Config) Strategy { return NewMomentum(cfg.Indicators) })
	r.mustRegister(MeanReversionName, func(cfg Config) Strategy { return NewMeanReversion(cfg.Indicators) })
	r.mustRegister(CustomName, func(cfg Config) Strategy { return NewCustom(cfg.Indicators) })
	return r
}

// Register adds a factory. Names are case-insensitive and must be unique.
func (r *Registry) Register(name string, f Factory) error {
	key := normalizeName(name)
	if key == "" || f == nil {
		return fmt.Errorf("strategy name and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[key]; ok {
		return fmt.Errorf("strategy %s already registered", key)
	}
	r.factories[key] = f
	return nil
}

func (r *Registry) mustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// Build instantiates the strategy registered under name.
func (r *Registry) Build(name string, cfg Config) (Strategy, error) {
	key := normalizeName(name)
	if key == "" {
		key = ConfluenceName
	}
	r.mu.RLock()
	f, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	return f(cfg), nil
}

// Names lists the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
