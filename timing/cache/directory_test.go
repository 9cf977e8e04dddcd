package cache_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/sarchlab/qflex/timing/cache"
)

// akitaReference replays accesses on Akita's directory so that the model can
// be checked against an independent set-associative LRU implementation.
type akitaReference struct {
	directory *akitacache.DirectoryImpl
	blockSize uint64
}

func newAkitaReference(g cache.Geometry) *akitaReference {
	blockSize := 1 << g.BlockBits
	return &akitaReference{
		directory: akitacache.NewDirectory(
			g.NumSets(),
			g.Associativity,
			blockSize,
			akitacache.NewLRUVictimFinder(),
		),
		blockSize: uint64(blockSize),
	}
}

func (r *akitaReference) access(addr uint64) bool {
	blockAddr := addr / r.blockSize * r.blockSize

	block := r.directory.Lookup(0, blockAddr)
	if block != nil && block.IsValid {
		r.directory.Visit(block)
		return true
	}

	victim := r.directory.FindVictim(blockAddr)
	victim.Tag = blockAddr
	victim.IsValid = true
	r.directory.Visit(victim)

	return false
}

var _ = Describe("Model against Akita directory", func() {
	geometries := map[string]cache.Geometry{
		"direct mapped":     {Entries: 16, BlockBits: 4, Associativity: 1},
		"2-way":             {Entries: 32, BlockBits: 5, Associativity: 2},
		"4-way":             {Entries: 64, BlockBits: 6, Associativity: 4},
		"fully associative": {Entries: 8, BlockBits: 12, Associativity: 8},
	}

	for name, g := range geometries {
		It("should agree on every access for a "+name+" array", func() {
			m := cache.MustNewModel(g)
			ref := newAkitaReference(g)

			seed := uint64(0x9E3779B97F4A7C15)
			for i := 0; i < 5000; i++ {
				seed ^= seed << 13
				seed ^= seed >> 7
				seed ^= seed << 17

				// Keep the footprint a few times the capacity so that both
				// hits and evictions happen.
				addr := seed % (uint64(g.Entries*4) << g.BlockBits)

				Expect(m.Access(addr)).To(Equal(ref.access(addr)),
					"access %d to 0x%x", i, addr)
			}
		})
	}
})
