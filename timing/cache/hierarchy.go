package cache

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/sarchlab/akita/v4/sim"
)

var (
	// ErrAlreadyRunning is returned by Start when a session is active.
	ErrAlreadyRunning = errors.New("cache model already running")

	// ErrNotRunning is returned by Stop when no session is active.
	ErrNotRunning = errors.New("cache model not running")
)

var (
	// HookPosAccess triggers after every tag array lookup. The hook item is
	// an AccessInfo.
	HookPosAccess = &sim.HookPos{Name: "CacheModelAccess"}

	// HookPosMiss triggers after a lookup that missed. The hook item is an
	// AccessInfo.
	HookPosMiss = &sim.HookPos{Name: "CacheModelMiss"}
)

// AccessInfo describes one lookup reported to hooks.
type AccessInfo struct {
	Level   Level
	Address uint64
	Hit     bool
}

// Hierarchy aggregates the instruction and data caches, their TLBs and the
// shared second-level TLB of one emulated core.
//
// A Hierarchy is not safe for concurrent use. Emulators that drive several
// cores from several threads should give each core its own Hierarchy.
type Hierarchy struct {
	*sim.HookableBase

	config  *Config
	logger  *slog.Logger
	models  [NumLevels]*Model
	running bool
}

// HierarchyOption is a functional option for configuring the Hierarchy.
type HierarchyOption func(*Hierarchy)

// WithConfig sets the geometry used at the next Start.
func WithConfig(config *Config) HierarchyOption {
	return func(h *Hierarchy) {
		h.config = config.Clone()
	}
}

// WithLogger sets the logger used by LogStats and session events.
func WithLogger(logger *slog.Logger) HierarchyOption {
	return func(h *Hierarchy) {
		h.logger = logger
	}
}

// NewHierarchy creates a stopped Hierarchy.
func NewHierarchy(opts ...HierarchyOption) *Hierarchy {
	h := &Hierarchy{
		HookableBase: sim.NewHookableBase(),
		config:       DefaultConfig(),
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Config returns a copy of the geometry configuration.
func (h *Hierarchy) Config() *Config {
	return h.config.Clone()
}

// Start allocates every tag array with all slots empty and all counters at
// zero.
func (h *Hierarchy) Start() error {
	if h.running {
		return ErrAlreadyRunning
	}

	if err := h.config.Validate(); err != nil {
		return fmt.Errorf("failed to start cache model: %w", err)
	}

	for _, l := range Levels() {
		m, err := NewModel(h.config.Geometry(l))
		if err != nil {
			return fmt.Errorf("failed to start cache model: %s: %w", l, err)
		}
		h.models[l] = m
	}

	h.running = true
	h.logger.Debug("cache model started")

	return nil
}

// Stop releases every tag array.
func (h *Hierarchy) Stop() error {
	if !h.running {
		return ErrNotRunning
	}

	h.models = [NumLevels]*Model{}
	h.running = false
	h.logger.Debug("cache model stopped")

	return nil
}

// IsRunning reports whether a session is active.
func (h *Hierarchy) IsRunning() bool {
	return h.running
}

// Model returns the tag array of a level, or nil when stopped.
func (h *Hierarchy) Model(l Level) *Model {
	return h.models[l]
}

// Access models one memory reference. The domain TLB is probed first, the
// shared TLB only when the domain TLB misses, and the domain L1 cache
// always. Accesses made while stopped are ignored.
func (h *Hierarchy) Access(addr uint64, isData bool) {
	if !h.running {
		return
	}

	tlb, l1 := ITLB, ICache
	if isData {
		tlb, l1 = DTLB, DCache
	}

	if !h.probe(tlb, addr) {
		h.probe(L2TLB, addr)
	}
	h.probe(l1, addr)
}

func (h *Hierarchy) probe(l Level, addr uint64) bool {
	hit := h.models[l].Access(addr)

	if h.NumHooks() > 0 {
		h.invoke(l, addr, hit)
	}

	return hit
}

func (h *Hierarchy) invoke(l Level, addr uint64, hit bool) {
	info := AccessInfo{Level: l, Address: addr, Hit: hit}

	h.InvokeHook(sim.HookCtx{
		Domain: h,
		Pos:    HookPosAccess,
		Item:   info,
	})

	if !hit {
		h.InvokeHook(sim.HookCtx{
			Domain: h,
			Pos:    HookPosMiss,
			Item:   info,
		})
	}
}
