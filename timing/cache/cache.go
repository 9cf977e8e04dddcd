// Package cache provides set-associative cache and TLB models that estimate
// hit/miss behavior of the guest memory hierarchy for profiling.
package cache

import "fmt"

// Model is a single set-associative tag array with LRU replacement driven by
// a logical clock.
//
// Slots are laid out set by set: the slots of set s are
// [s*associativity, s*associativity+associativity). An address maps to set
// (address >> blockBits) % numSets.
type Model struct {
	geometry Geometry

	blockBits     uint
	numSets       uint64
	associativity int

	// Indexed by slot.
	tags     []uint64
	lastUsed []uint64
	valid    []bool

	currentTime uint64
	missCount   uint64
	accessCount uint64
}

// NewModel allocates a tag array with all slots empty.
func NewModel(g Geometry) (*Model, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	return &Model{
		geometry:      g,
		blockBits:     g.BlockBits,
		numSets:       uint64(g.NumSets()),
		associativity: g.Associativity,
		tags:          make([]uint64, g.Entries),
		lastUsed:      make([]uint64, g.Entries),
		valid:         make([]bool, g.Entries),
	}, nil
}

// MustNewModel is like NewModel but panics on an invalid geometry.
func MustNewModel(g Geometry) *Model {
	m, err := NewModel(g)
	if err != nil {
		panic(fmt.Sprintf("cache: %v", err))
	}
	return m
}

// Geometry returns the geometry the model was built with.
func (m *Model) Geometry() Geometry {
	return m.geometry
}

// MissCount returns the number of misses since the model was last reset.
func (m *Model) MissCount() uint64 {
	return m.missCount
}

// AccessCount returns the number of accesses since the model was last reset.
func (m *Model) AccessCount() uint64 {
	return m.accessCount
}

// CurrentTime returns the logical clock, which advances once per access.
func (m *Model) CurrentTime() uint64 {
	return m.currentTime
}

// Access looks up the block holding addr, fills it on a miss and updates the
// LRU state. It reports whether the access hit.
func (m *Model) Access(addr uint64) bool {
	tag := addr >> m.blockBits
	base := m.setBase(tag)
	end := base + m.associativity

	m.accessCount++

	slot := -1
	for i := base; i < end; i++ {
		if m.valid[i] && m.tags[i] == tag {
			slot = i
			break
		}
	}

	hit := slot >= 0
	if !hit {
		slot = m.victim(base, end)
		m.tags[slot] = tag
		m.valid[slot] = true
		m.missCount++
	}

	m.lastUsed[slot] = m.currentTime
	m.currentTime++

	return hit
}

// Contains reports whether the block holding addr is resident. It does not
// touch the LRU state or the counters.
func (m *Model) Contains(addr uint64) bool {
	tag := addr >> m.blockBits
	base := m.setBase(tag)

	for i := base; i < base+m.associativity; i++ {
		if m.valid[i] && m.tags[i] == tag {
			return true
		}
	}
	return false
}

// Reset empties every slot and clears the clock and the counters.
func (m *Model) Reset() {
	clear(m.tags)
	clear(m.lastUsed)
	clear(m.valid)

	m.currentTime = 0
	m.missCount = 0
	m.accessCount = 0
}

func (m *Model) setBase(tag uint64) int {
	return int(tag%m.numSets) * m.associativity
}

// victim picks the first empty slot of the set, or else the slot with the
// oldest timestamp. Ties go to the lowest slot.
func (m *Model) victim(base, end int) int {
	lru := base
	for i := base; i < end; i++ {
		if !m.valid[i] {
			return i
		}
		if m.lastUsed[i] < m.lastUsed[lru] {
			lru = i
		}
	}
	return lru
}
