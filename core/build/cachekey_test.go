package build_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mellea-dev/playground/core"
	"github.com/mellea-dev/playground/core/build"
)

var _ = Describe("CacheKey", func() {
	deps := func(pythonVersion string, packages ...core.Package) core.DependencySet {
		return core.DependencySet{PythonVersion: pythonVersion, Packages: packages}
	}

	It("is deterministic for identical inputs", func() {
		a := deps("3.12", core.Package{Name: "requests", Version: "2.31.0"})
		b := deps("3.12", core.Package{Name: "requests", Version: "2.31.0"})
		Expect(build.CacheKey(a)).To(Equal(build.CacheKey(b)))
	})

	It("ignores package order", func() {
		a := deps("3.12",
			core.Package{Name: "requests", Version: "2.31.0"},
			core.Package{Name: "numpy", Version: "1.26.0"},
		)
		b := deps("3.12",
			core.Package{Name: "numpy", Version: "1.26.0"},
			core.Package{Name: "requests", Version: "2.31.0"},
		)
		Expect(build.CacheKey(a)).To(Equal(build.CacheKey(b)))
	})

	It("normalises package name case", func() {
		a := deps("3.12", core.Package{Name: "Requests", Version: "2.31.0"})
		b := deps("3.12", core.Package{Name: "requests", Version: "2.31.0"})
		Expect(build.CacheKey(a)).To(Equal(build.CacheKey(b)))
	})

	It("ignores extras order", func() {
		a := deps("3.12", core.Package{Name: "uvicorn", Version: "0.29.0", Extras: []string{"standard", "watch"}})
		b := deps("3.12", core.Package{Name: "uvicorn", Version: "0.29.0", Extras: []string{"watch", "standard"}})
		Expect(build.CacheKey(a)).To(Equal(build.CacheKey(b)))
	})

	It("differs for any differing input", func() {
		base := deps("3.12", core.Package{Name: "requests", Version: "2.31.0"})

		Expect(build.CacheKey(deps("3.11", core.Package{Name: "requests", Version: "2.31.0"}))).
			ToNot(Equal(build.CacheKey(base)))
		Expect(build.CacheKey(deps("3.12", core.Package{Name: "requests", Version: "2.32.0"}))).
			ToNot(Equal(build.CacheKey(base)))
		Expect(build.CacheKey(deps("3.12", core.Package{Name: "httpx", Version: "2.31.0"}))).
			ToNot(Equal(build.CacheKey(base)))
		Expect(build.CacheKey(deps("3.12",
			core.Package{Name: "requests", Version: "2.31.0", Extras: []string{"socks"}},
		))).ToNot(Equal(build.CacheKey(base)))
	})

	It("derives the content-addressed deps image tag", func() {
		key := build.CacheKey(deps("3.12", core.Package{Name: "requests", Version: "2.31.0"}))
		Expect(build.DepsImageTag(key)).To(Equal("deps-" + key))
	})
})

var _ = Describe("RequirementsFile", func() {
	It("renders sorted pip requirement lines", func() {
		out := build.RequirementsFile([]core.Package{
			{Name: "Requests", Version: "2.31.0"},
			{Name: "numpy", Version: "1.26.0"},
			{Name: "uvicorn", Version: "0.29.0", Extras: []string{"standard"}},
		})
		Expect(out).To(Equal("numpy==1.26.0\nrequests==2.31.0\nuvicorn[standard]==0.29.0\n"))
	})
})
