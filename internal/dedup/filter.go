// Package dedup implements a memory-bounded "seen before" set for URIs and request keys.
package dedup

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Defaults used when a Config field is left at its zero value.
const (
	DefaultInitialCapacity = 10000
	DefaultErrorRate       = 1e-3
	DefaultGrowthFactor    = 2
	DefaultTighteningRatio = 0.5
)

// Config sizes a ScalableBloomFilter.
type Config struct {
	// InitialCapacity is the number of items the first layer holds before a new
	// layer is allocated.
	InitialCapacity uint `mapstructure:"initial_capacity" yaml:"initial_capacity"`
	// ErrorRate is the target upper bound on the compound false-positive rate.
	ErrorRate float64 `mapstructure:"error_rate" yaml:"error_rate"`
	// GrowthFactor multiplies the capacity of each new layer.
	GrowthFactor uint `mapstructure:"growth_factor" yaml:"growth_factor"`
	// TighteningRatio multiplies the false-positive rate of each new layer.
	TighteningRatio float64 `mapstructure:"tightening_ratio" yaml:"tightening_ratio"`
}

// DefaultConfig returns the configuration used by analyzers.
func DefaultConfig() Config {
	return Config{
		InitialCapacity: DefaultInitialCapacity,
		ErrorRate:       DefaultErrorRate,
		GrowthFactor:    DefaultGrowthFactor,
		TighteningRatio: DefaultTighteningRatio,
	}
}

// Validate checks the configuration, filling nothing in.
func (c Config) Validate() error {
	if c.InitialCapacity == 0 {
		return errors.New("dedup: initial_capacity must be positive")
	}
	if c.ErrorRate <= 0 || c.ErrorRate >= 0.5 {
		return fmt.Errorf("dedup: error_rate must be in (0, 0.5), got %g", c.ErrorRate)
	}
	if c.GrowthFactor < 1 {
		return errors.New("dedup: growth_factor must be at least 1")
	}
	if c.TighteningRatio <= 0 || c.TighteningRatio >= 1 {
		return fmt.Errorf("dedup: tightening_ratio must be in (0, 1), got %g", c.TighteningRatio)
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialCapacity == 0 {
		c.InitialCapacity = d.InitialCapacity
	}
	if c.ErrorRate == 0 {
		c.ErrorRate = d.ErrorRate
	}
	if c.GrowthFactor == 0 {
		c.GrowthFactor = d.GrowthFactor
	}
	if c.TighteningRatio == 0 {
		c.TighteningRatio = d.TighteningRatio
	}
	return c
}

type layer struct {
	filter   *bloom.BloomFilter
	capacity uint
	count    uint
	fpRate   float64
}

// ScalableBloomFilter is a stack of bloom filters with geometrically growing
// capacity and geometrically tightening error rates. Layer i holds
// InitialCapacity*GrowthFactor^i items at rate p0*r^i with p0 = ErrorRate*(1-r),
// which keeps the compound false-positive rate at or below ErrorRate no matter
// how many layers are added. There are no false negatives.
//
// It is safe for concurrent use.
type ScalableBloomFilter struct {
	mu     sync.RWMutex
	cfg    Config
	layers []*layer
	count  uint
}

// New creates a filter. Zero-valued fields fall back to the defaults.
func New(cfg Config) (*ScalableBloomFilter, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f := &ScalableBloomFilter{cfg: cfg}
	f.grow()
	return f, nil
}

// MustNew is New for configurations known to be valid.
func MustNew(cfg Config) *ScalableBloomFilter {
	f, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return f
}

// grow appends a new layer. Caller holds the write lock (or is the constructor).
func (f *ScalableBloomFilter) grow() {
	i := len(f.layers)
	capacity := f.cfg.InitialCapacity
	fp := f.cfg.ErrorRate * (1 - f.cfg.TighteningRatio)
	if i > 0 {
		prev := f.layers[i-1]
		capacity = prev.capacity * f.cfg.GrowthFactor
		fp = prev.fpRate * f.cfg.TighteningRatio
	}
	f.layers = append(f.layers, &layer{
		filter:   bloom.NewWithEstimates(capacity, fp),
		capacity: capacity,
		fpRate:   fp,
	})
}

// Contains reports whether id was (probably) added before.
func (f *ScalableBloomFilter) Contains(id string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.containsLocked([]byte(id))
}

func (f *ScalableBloomFilter) containsLocked(key []byte) bool {
	// Newest layers hold the most recent items; check them first.
	for i := len(f.layers) - 1; i >= 0; i-- {
		if f.layers[i].filter.Test(key) {
			return true
		}
	}
	return false
}

// Add records id.
func (f *ScalableBloomFilter) Add(id string) {
	f.TestAndAdd(id)
}

// TestAndAdd records id and reports whether it was already present. The check and
// the insert happen atomically, so of several concurrent callers with the same id
// exactly one observes false.
func (f *ScalableBloomFilter) TestAndAdd(id string) bool {
	key := []byte(id)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.containsLocked(key) {
		return true
	}
	cur := f.layers[len(f.layers)-1]
	if cur.count >= cur.capacity {
		f.grow()
		cur = f.layers[len(f.layers)-1]
	}
	cur.filter.Add(key)
	cur.count++
	f.count++
	return false
}

// Len returns the number of distinct items inserted. Items rejected as false
// positives are not counted, so this is an approximation from below.
func (f *ScalableBloomFilter) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return int(f.count)
}

// Layers returns the number of bloom layers currently allocated.
func (f *ScalableBloomFilter) Layers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.layers)
}

// FalsePositiveBound returns the compound false-positive bound of the layers
// allocated so far: 1 - prod(1 - p_i). It never exceeds Config.ErrorRate.
func (f *ScalableBloomFilter) FalsePositiveBound() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	pass := 1.0
	for _, l := range f.layers {
		pass *= 1 - l.fpRate
	}
	return 1 - pass
}

// Config returns the effective configuration.
func (f *ScalableBloomFilter) Config() Config {
	return f.cfg
}

// Bits reports the memory footprint of all layers in bits.
func (f *ScalableBloomFilter) Bits() uint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var total uint
	for _, l := range f.layers {
		total += l.filter.Cap()
	}
	return total
}
