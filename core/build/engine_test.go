package build_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"code.cloudfoundry.org/lager/v3/lagertest"
	"github.com/mellea-dev/playground/core"
	"github.com/mellea-dev/playground/core/build"
	"github.com/mellea-dev/playground/core/store"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Engine", func() {
	var (
		logger    *lagertest.TestLogger
		fakeClock *fakeclock.FakeClock
		backend   *fakeBackend
		st        *store.Store
		dataDir   string
		engine    *build.Engine

		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		program core.Program
	)

	BeforeEach(func() {
		logger = lagertest.NewTestLogger("test")
		fakeClock = fakeclock.NewFakeClock(now)
		backend = newFakeBackend()
		dataDir = GinkgoT().TempDir()

		var err error
		st, err = store.NewStore(dataDir)
		Expect(err).ToNot(HaveOccurred())

		program = core.Program{
			ID:         "prog-1",
			Name:       "scraper",
			Entrypoint: "main.py",
			Dependencies: core.DependencySet{
				Source:        core.DependencySourceManual,
				PythonVersion: "3.12",
				Packages: []core.Package{
					{Name: "requests", Version: "2.31.0"},
				},
			},
			Owner:            "user-1",
			ImageBuildStatus: core.ImageBuildPending,
		}
		Expect(st.Programs.Create(program)).To(Succeed())

		workspace := core.WorkspacePath(dataDir, program.ID)
		Expect(os.MkdirAll(workspace, 0755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(workspace, "main.py"), []byte("print('hi')\n"), 0644)).To(Succeed())
	})

	JustBeforeEach(func() {
		engine = build.NewEngine(logger, backend, st.Programs, st.LayerCache,
			build.RegistryConfig{}, dataDir, fakeClock)
	})

	cacheKey := func() string {
		return build.CacheKey(program.Dependencies)
	}

	cacheEntry := func() core.LayerCacheEntry {
		entries, err := st.LayerCache.Find(func(e core.LayerCacheEntry) bool {
			return e.CacheKey == cacheKey()
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		return entries[0]
	}

	Describe("a cold build", func() {
		It("builds the dependency and program layers and records a cache entry", func() {
			result, err := engine.BuildImage(context.Background(), program.ID, false, false)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Success).To(BeTrue())
			Expect(result.CacheHit).To(BeFalse())
			Expect(result.ImageTag).To(HavePrefix("mellea-prog-prog-1-"))

			Expect(backend.buildCount()).To(Equal(2))
			Expect(backend.call(0).ImageTag).To(Equal(build.DepsImageTag(cacheKey())))
			Expect(backend.call(1).ImageTag).To(Equal(result.ImageTag))

			entry := cacheEntry()
			Expect(entry.ImageTag).To(Equal(build.DepsImageTag(cacheKey())))
			Expect(entry.PythonVersion).To(Equal("3.12"))
			Expect(entry.PackageCount).To(Equal(1))
			Expect(entry.UseCount).To(Equal(1))

			stored, found, err := st.Programs.GetByID(program.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(stored.ImageBuildStatus).To(Equal(core.ImageBuildReady))
			Expect(stored.ImageTag).To(Equal(result.ImageTag))
		})
	})

	Describe("a warm build", func() {
		JustBeforeEach(func() {
			_, err := engine.BuildImage(context.Background(), program.ID, false, false)
			Expect(err).ToNot(HaveOccurred())
		})

		It("reuses the cached dependency layer and counts the hit", func() {
			result, err := engine.BuildImage(context.Background(), program.ID, false, false)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Success).To(BeTrue())
			Expect(result.CacheHit).To(BeTrue())

			// One deps build from the cold run, then one program layer per
			// invocation.
			Expect(backend.buildCount()).To(Equal(3))
			Expect(cacheEntry().UseCount).To(Equal(2))
		})

		It("refreshes lastUsedAt on a hit", func() {
			fakeClock.Increment(time.Hour)

			_, err := engine.BuildImage(context.Background(), program.ID, false, false)
			Expect(err).ToNot(HaveOccurred())
			Expect(cacheEntry().LastUsedAt).To(BeTemporally("==", now.Add(time.Hour)))
		})

		It("rebuilds the dependency layer when forced", func() {
			result, err := engine.BuildImage(context.Background(), program.ID, true, false)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Success).To(BeTrue())
			Expect(result.CacheHit).To(BeFalse())
			Expect(backend.buildCount()).To(Equal(4))

			// The refreshed entry replaces the old row rather than
			// duplicating it.
			entries, err := st.LayerCache.ListAll()
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(HaveLen(1))
		})
	})

	Describe("a failed dependency layer build", func() {
		JustBeforeEach(func() {
			backend.buildErr = errBackendBroken
		})

		It("fails the result without creating a cache entry", func() {
			result, err := engine.BuildImage(context.Background(), program.ID, false, false)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Success).To(BeFalse())
			Expect(result.ErrorMessage).To(ContainSubstring("deps stage"))

			count, err := st.LayerCache.Count()
			Expect(err).ToNot(HaveOccurred())
			Expect(count).To(BeZero())

			stored, _, err := st.Programs.GetByID(program.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.ImageBuildStatus).To(Equal(core.ImageBuildFailed))
			Expect(stored.ImageBuildError).To(ContainSubstring("deps stage"))
		})
	})

	Describe("a failed program layer build", func() {
		It("keeps the previously good image tag", func() {
			result, err := engine.BuildImage(context.Background(), program.ID, false, false)
			Expect(err).ToNot(HaveOccurred())
			goodTag := result.ImageTag

			backend.mu.Lock()
			backend.buildErr = errBackendBroken
			backend.mu.Unlock()

			result, err = engine.BuildImage(context.Background(), program.ID, false, false)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Success).To(BeFalse())
			Expect(result.ErrorMessage).To(ContainSubstring("program stage"))

			stored, _, err := st.Programs.GetByID(program.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.ImageBuildStatus).To(Equal(core.ImageBuildFailed))
			Expect(stored.ImageTag).To(Equal(goodTag))
		})
	})

	Describe("a missing workspace", func() {
		It("fails at the program stage", func() {
			Expect(os.RemoveAll(core.WorkspacePath(dataDir, program.ID))).To(Succeed())

			result, err := engine.BuildImage(context.Background(), program.ID, false, false)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Success).To(BeFalse())
			Expect(result.ErrorMessage).To(ContainSubstring("workspace missing"))
		})
	})

	Describe("an unknown program", func() {
		It("returns NotFound", func() {
			_, err := engine.BuildImage(context.Background(), "nope", false, false)
			Expect(core.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("concurrent builds sharing a dependency set", func() {
		It("coalesces onto one dependency layer build", func() {
			other := program
			other.ID = "prog-2"
			Expect(st.Programs.Create(other)).To(Succeed())
			workspace := core.WorkspacePath(dataDir, other.ID)
			Expect(os.MkdirAll(workspace, 0755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(workspace, "main.py"), []byte("print('yo')\n"), 0644)).To(Succeed())

			gate := make(chan struct{})
			backend.mu.Lock()
			backend.gate = gate
			backend.mu.Unlock()

			var wg sync.WaitGroup
			results := make([]build.BuildResult, 2)
			for i, id := range []string{program.ID, other.ID} {
				wg.Add(1)
				go func(i int, id string) {
					defer wg.Done()
					defer GinkgoRecover()
					result, err := engine.BuildImage(context.Background(), id, false, false)
					Expect(err).ToNot(HaveOccurred())
					results[i] = result
				}(i, id)
			}

			// Wait for the single deps build to be in flight, then let
			// everything through.
			Eventually(backend.buildCount).Should(Equal(1))
			Consistently(backend.buildCount, 100*time.Millisecond).Should(Equal(1))
			close(gate)
			wg.Wait()

			Expect(results[0].Success).To(BeTrue())
			Expect(results[1].Success).To(BeTrue())

			depsBuilds := 0
			for i := 0; i < backend.buildCount(); i++ {
				if strings.HasPrefix(backend.call(i).ImageTag, "deps-") {
					depsBuilds++
				}
			}
			Expect(depsBuilds).To(Equal(1))
		})
	})

	Describe("PruneStale", func() {
		JustBeforeEach(func() {
			_, err := engine.BuildImage(context.Background(), program.ID, false, false)
			Expect(err).ToNot(HaveOccurred())
		})

		It("removes entries past the age threshold and their images", func() {
			fakeClock.Increment(48 * time.Hour)

			pruned, err := engine.PruneStale(context.Background(), 24*time.Hour)
			Expect(err).ToNot(HaveOccurred())
			Expect(pruned).To(Equal(1))

			count, err := st.LayerCache.Count()
			Expect(err).ToNot(HaveOccurred())
			Expect(count).To(BeZero())
			Expect(backend.removed).To(ConsistOf(build.DepsImageTag(cacheKey())))
		})

		It("keeps entries still in use", func() {
			fakeClock.Increment(time.Hour)

			pruned, err := engine.PruneStale(context.Background(), 24*time.Hour)
			Expect(err).ToNot(HaveOccurred())
			Expect(pruned).To(BeZero())

			count, err := st.LayerCache.Count()
			Expect(err).ToNot(HaveOccurred())
			Expect(count).To(Equal(1))
		})
	})

	Describe("InvalidateCacheEntry", func() {
		It("drops the metadata row but leaves the image alone", func() {
			_, err := engine.BuildImage(context.Background(), program.ID, false, false)
			Expect(err).ToNot(HaveOccurred())

			existed, err := engine.InvalidateCacheEntry(cacheKey())
			Expect(err).ToNot(HaveOccurred())
			Expect(existed).To(BeTrue())
			Expect(backend.removed).To(BeEmpty())

			existed, err = engine.InvalidateCacheEntry(cacheKey())
			Expect(err).ToNot(HaveOccurred())
			Expect(existed).To(BeFalse())
		})
	})
})
