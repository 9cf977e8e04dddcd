package cache_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/qflex/timing/cache"
)

var _ = Describe("Config", func() {
	Describe("Default Config", func() {
		It("should create valid default config", func() {
			config := cache.DefaultConfig()
			Expect(config.Validate()).To(Succeed())
		})

		It("should make the first-level TLBs fully associative", func() {
			config := cache.DefaultConfig()
			Expect(config.ITLB.NumSets()).To(Equal(1))
			Expect(config.DTLB.NumSets()).To(Equal(1))
		})

		It("should give the L1 caches 1024 sets of 512B blocks", func() {
			config := cache.DefaultConfig()
			Expect(config.ICache.NumSets()).To(Equal(1024))
			Expect(config.DCache.BlockBits).To(Equal(uint(9)))
		})
	})

	Describe("Validation", func() {
		It("should reject zero entries", func() {
			config := cache.DefaultConfig()
			config.ICache.Entries = 0
			Expect(config.Validate()).To(MatchError(cache.ErrInvalidGeometry))
		})

		It("should reject entries not divisible by associativity", func() {
			config := cache.DefaultConfig()
			config.L2TLB.Associativity = 3
			err := config.Validate()
			Expect(err).To(MatchError(cache.ErrInvalidGeometry))
			Expect(err.Error()).To(HavePrefix("l2tlb"))
		})

		It("should reject oversized blocks", func() {
			config := cache.DefaultConfig()
			config.DTLB.BlockBits = 64
			Expect(config.Validate()).To(HaveOccurred())
		})
	})

	Describe("Clone", func() {
		It("should create independent copy", func() {
			original := cache.DefaultConfig()
			clone := original.Clone()

			clone.DCache.Entries = 8

			Expect(original.DCache.Entries).To(Equal(4096))
			Expect(clone.DCache.Entries).To(Equal(8))
		})
	})

	Describe("Levels", func() {
		It("should name every level", func() {
			names := []string{}
			for _, l := range cache.Levels() {
				names = append(names, l.String())
			}
			Expect(names).To(Equal([]string{"icache", "dcache", "itlb", "dtlb", "l2tlb"}))
			Expect(cache.NumLevels.String()).To(Equal("level(5)"))
		})

		It("should panic on unknown levels", func() {
			Expect(func() { cache.DefaultConfig().Geometry(cache.NumLevels) }).To(Panic())
		})
	})

	Describe("File Operations", func() {
		var tempDir string

		BeforeEach(func() {
			var err error
			tempDir, err = os.MkdirTemp("", "cache-config-test")
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			_ = os.RemoveAll(tempDir)
		})

		It("should save and load config", func() {
			original := cache.DefaultConfig()
			original.DCache = cache.Geometry{Entries: 4, BlockBits: 4, Associativity: 4}

			path := filepath.Join(tempDir, "cache.json")
			Expect(original.SaveConfig(path)).To(Succeed())

			loaded, err := cache.LoadConfig(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).To(Equal(original))
		})

		It("should keep defaults for levels missing from the file", func() {
			path := filepath.Join(tempDir, "partial.json")
			data := `{"dcache": {"entries": 16, "block_bits": 6, "associativity": 2}}`
			Expect(os.WriteFile(path, []byte(data), 0644)).To(Succeed())

			loaded, err := cache.LoadConfig(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.DCache).To(Equal(cache.Geometry{Entries: 16, BlockBits: 6, Associativity: 2}))
			Expect(loaded.ICache).To(Equal(cache.DefaultConfig().ICache))
		})

		It("should return error for non-existent file", func() {
			_, err := cache.LoadConfig("/nonexistent/path/cache.json")
			Expect(err).To(HaveOccurred())
		})

		It("should return error for invalid JSON", func() {
			path := filepath.Join(tempDir, "invalid.json")
			err := os.WriteFile(path, []byte("not valid json"), 0644)
			Expect(err).NotTo(HaveOccurred())

			_, err = cache.LoadConfig(path)
			Expect(err).To(HaveOccurred())
		})
	})
})
