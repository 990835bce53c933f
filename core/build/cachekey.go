package build

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/mellea-dev/playground/core"
)

// CacheKey computes the deterministic fingerprint of a dependency set:
// a digest of the python version and the canonicalised, sorted package list.
// Identical (pythonVersion, dep set) inputs always produce the same key and
// any differing input produces a different one; the layer cache relies on
// this injectivity.
func CacheKey(deps core.DependencySet) string {
	lines := canonicalPackageLines(deps.Packages)

	h := sha256.New()
	h.Write([]byte(deps.PythonVersion))
	h.Write([]byte("\n"))
	h.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}

// PackagesHash digests the canonicalised package list alone, without the
// python version. It is stored on cache entries for introspection.
func PackagesHash(packages []core.Package) string {
	lines := canonicalPackageLines(packages)

	h := sha256.New()
	h.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalPackageLines renders each package as name==version[extras] with
// the name lowercased and extras sorted, then sorts the lines. Lowercasing
// normalises case since PyPI package names are case-insensitive.
func canonicalPackageLines(packages []core.Package) []string {
	lines := make([]string, len(packages))
	for i, pkg := range packages {
		line := strings.ToLower(pkg.Name) + "==" + pkg.Version
		if len(pkg.Extras) > 0 {
			extras := append([]string(nil), pkg.Extras...)
			sort.Strings(extras)
			line += "[" + strings.Join(extras, ",") + "]"
		}
		lines[i] = line
	}
	sort.Strings(lines)
	return lines
}

// DepsImageTag derives the content-addressed dependency layer tag.
func DepsImageTag(cacheKey string) string {
	return fmt.Sprintf("deps-%s", cacheKey)
}

// RequirementsFile renders the dependency set as a pip requirements file.
// Lines follow pip's syntax: name[extras]==version.
func RequirementsFile(packages []core.Package) string {
	lines := make([]string, len(packages))
	for i, pkg := range packages {
		line := strings.ToLower(pkg.Name)
		if len(pkg.Extras) > 0 {
			extras := append([]string(nil), pkg.Extras...)
			sort.Strings(extras)
			line += "[" + strings.Join(extras, ",") + "]"
		}
		line += "==" + pkg.Version
		lines[i] = line
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}
