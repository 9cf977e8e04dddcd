package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrInvalidGeometry is returned when a tag array cannot be built from a
// Geometry.
var ErrInvalidGeometry = errors.New("invalid cache geometry")

// Level identifies one of the tag arrays of a Hierarchy.
type Level int

// The levels modeled by a Hierarchy.
const (
	ICache Level = iota
	DCache
	ITLB
	DTLB
	L2TLB

	NumLevels
)

var levelNames = [NumLevels]string{
	ICache: "icache",
	DCache: "dcache",
	ITLB:   "itlb",
	DTLB:   "dtlb",
	L2TLB:  "l2tlb",
}

// String returns the configuration name of the level.
func (l Level) String() string {
	if l < 0 || l >= NumLevels {
		return fmt.Sprintf("level(%d)", int(l))
	}

	return levelNames[l]
}

// Levels returns all levels in reporting order.
func Levels() []Level {
	return []Level{ICache, DCache, ITLB, DTLB, L2TLB}
}

// Geometry describes the shape of a set-associative tag array.
type Geometry struct {
	// Entries is the total number of slots.
	Entries int `json:"entries"`

	// BlockBits is log2 of the block (or page) size in bytes.
	BlockBits uint `json:"block_bits"`

	// Associativity is the number of slots per set.
	Associativity int `json:"associativity"`
}

// NumSets returns the number of sets of the geometry.
func (g Geometry) NumSets() int {
	if g.Associativity <= 0 {
		return 0
	}

	return g.Entries / g.Associativity
}

// Validate checks that the geometry describes a usable tag array.
func (g Geometry) Validate() error {
	if g.Entries <= 0 {
		return fmt.Errorf("%w: entries must be > 0", ErrInvalidGeometry)
	}
	if g.Associativity <= 0 {
		return fmt.Errorf("%w: associativity must be > 0", ErrInvalidGeometry)
	}
	if g.Entries%g.Associativity != 0 {
		return fmt.Errorf("%w: entries (%d) must be a multiple of associativity (%d)",
			ErrInvalidGeometry, g.Entries, g.Associativity)
	}
	if g.BlockBits >= 64 {
		return fmt.Errorf("%w: block_bits must be < 64", ErrInvalidGeometry)
	}
	return nil
}

// Config holds the geometry of every level in a Hierarchy.
type Config struct {
	// ICache is the L1 instruction cache.
	// Default: 4096 entries, 512B blocks, 4-way.
	ICache Geometry `json:"icache"`

	// DCache is the L1 data cache.
	// Default: 4096 entries, 512B blocks, 4-way.
	DCache Geometry `json:"dcache"`

	// ITLB is the instruction TLB.
	// Default: 64 entries, 4KB pages, fully associative.
	ITLB Geometry `json:"itlb"`

	// DTLB is the data TLB.
	// Default: 64 entries, 4KB pages, fully associative.
	DTLB Geometry `json:"dtlb"`

	// L2TLB is the second-level TLB shared by both domains.
	// Default: 4024 entries, 4KB pages, 4-way.
	L2TLB Geometry `json:"l2tlb"`
}

// DefaultConfig returns the geometry used by the profiling models.
func DefaultConfig() *Config {
	return &Config{
		ICache: Geometry{Entries: 4096, BlockBits: 9, Associativity: 4},
		DCache: Geometry{Entries: 4096, BlockBits: 9, Associativity: 4},
		ITLB:   Geometry{Entries: 64, BlockBits: 12, Associativity: 64},
		DTLB:   Geometry{Entries: 64, BlockBits: 12, Associativity: 64},
		L2TLB:  Geometry{Entries: 4024, BlockBits: 12, Associativity: 4},
	}
}

// LoadConfig loads a Config from a JSON file. Levels missing from the file
// keep their default geometry.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse cache config: %w", err)
	}

	return config, nil
}

// SaveConfig writes a Config to a JSON file.
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize cache config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache config file: %w", err)
	}

	return nil
}

// Geometry returns the geometry configured for a level.
func (c *Config) Geometry(l Level) Geometry {
	switch l {
	case ICache:
		return c.ICache
	case DCache:
		return c.DCache
	case ITLB:
		return c.ITLB
	case DTLB:
		return c.DTLB
	case L2TLB:
		return c.L2TLB
	default:
		panic(fmt.Sprintf("unknown cache level %d", int(l)))
	}
}

// Validate checks the geometry of every level.
func (c *Config) Validate() error {
	for _, l := range Levels() {
		if err := c.Geometry(l).Validate(); err != nil {
			return fmt.Errorf("%s: %w", l, err)
		}
	}
	return nil
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
