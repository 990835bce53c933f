package core

import "time"

// LayerCacheEntry records a prebuilt dependency-layer image, keyed by the
// deterministic fingerprint of (pythonVersion, canonicalised package list).
type LayerCacheEntry struct {
	ID            string    `json:"id"`
	CacheKey      string    `json:"cacheKey"`
	ImageTag      string    `json:"imageTag"`
	PythonVersion string    `json:"pythonVersion"`
	PackagesHash  string    `json:"packagesHash"`
	PackageCount  int       `json:"packageCount"`
	SizeBytes     int64     `json:"sizeBytes,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastUsedAt    time.Time `json:"lastUsedAt"`
	UseCount      int       `json:"useCount"`
}
