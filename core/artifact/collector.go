package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	"github.com/google/uuid"

	"github.com/mellea-dev/playground/core"
	"github.com/mellea-dev/playground/core/store"
)

// Config bounds artifact storage.
type Config struct {
	// MaxSingleSizeBytes caps one artifact blob.
	MaxSingleSizeBytes int64

	// DefaultRetentionDays sets expiresAt on new artifacts. Zero means
	// artifacts never expire.
	DefaultRetentionDays int
}

// CollectOptions carry the optional fields of a stored artifact.
type CollectOptions struct {
	Type     core.ArtifactType
	MimeType string
	Tags     []string
	Metadata map[string]string

	// RetentionDays overrides the default; negative means never expire.
	RetentionDays *int
}

// Collector stores run outputs under content hash and tracks per-user
// storage usage. Usage is rewritten on every mutation; RecalculateUserUsage
// self-heals any drift.
type Collector struct {
	logger    lager.Logger
	artifacts *store.Collection[core.Artifact]
	usage     *store.Collection[core.ArtifactUsage]
	dataDir   string
	cfg       Config
	clock     clock.Clock
}

func NewCollector(
	logger lager.Logger,
	artifacts *store.Collection[core.Artifact],
	usage *store.Collection[core.ArtifactUsage],
	dataDir string,
	cfg Config,
	clock clock.Clock,
) *Collector {
	return &Collector{
		logger:    logger,
		artifacts: artifacts,
		usage:     usage,
		dataDir:   dataDir,
		cfg:       cfg,
		clock:     clock,
	}
}

// CollectArtifact validates size and storage quota, writes the blob, and
// records the artifact row plus the usage increment.
func (c *Collector) CollectArtifact(runID, ownerID, name string, content []byte, limits core.QuotaLimits, opts CollectOptions) (core.Artifact, error) {
	logger := c.logger.Session("collect-artifact", lager.Data{"run": runID, "owner": ownerID, "name": name})

	size := int64(len(content))
	if c.cfg.MaxSingleSizeBytes > 0 && size > c.cfg.MaxSingleSizeBytes {
		return core.Artifact{}, &core.ArtifactTooLargeError{SizeBytes: size, MaxBytes: c.cfg.MaxSingleSizeBytes}
	}

	usage, err := c.Usage(ownerID)
	if err != nil {
		return core.Artifact{}, err
	}
	maxStorageBytes := limits.MaxStorageMB * 1024 * 1024
	if maxStorageBytes > 0 && usage.TotalBytes+size > maxStorageBytes {
		return core.Artifact{}, core.NewQuotaExceeded(core.QuotaStorage,
			float64(usage.TotalBytes), float64(maxStorageBytes))
	}

	artifactType := opts.Type
	if artifactType == "" {
		artifactType = core.ArtifactTypeFile
	}

	now := c.clock.Now().UTC()
	id := uuid.NewString()
	storagePath := core.ArtifactBlobPath(c.dataDir, ownerID, id)

	if err := os.MkdirAll(filepath.Dir(storagePath), 0755); err != nil {
		return core.Artifact{}, fmt.Errorf("creating artifact dir: %w", err)
	}
	if err := os.WriteFile(storagePath, content, 0644); err != nil {
		return core.Artifact{}, fmt.Errorf("writing artifact blob: %w", err)
	}

	checksum := sha256.Sum256(content)

	row := core.Artifact{
		ID:           id,
		RunID:        runID,
		OwnerID:      ownerID,
		Name:         name,
		ArtifactType: artifactType,
		SizeBytes:    size,
		StoragePath:  storagePath,
		MimeType:     opts.MimeType,
		Checksum:     hex.EncodeToString(checksum[:]),
		CreatedAt:    now,
		ExpiresAt:    c.expiry(now, opts.RetentionDays),
		Tags:         opts.Tags,
		Metadata:     opts.Metadata,
	}
	if err := c.artifacts.Create(row); err != nil {
		os.Remove(storagePath)
		return core.Artifact{}, err
	}

	usage.TotalBytes += size
	usage.ArtifactCount++
	usage.LastUpdated = now
	if err := c.usage.Upsert(usage); err != nil {
		logger.Error("failed-to-update-usage", err)
	}

	logger.Info("collected", lager.Data{"artifact": id, "size": size})
	return row, nil
}

// GetArtifact returns the artifact row.
func (c *Collector) GetArtifact(id string) (core.Artifact, error) {
	row, found, err := c.artifacts.GetByID(id)
	if err != nil {
		return core.Artifact{}, err
	}
	if !found {
		return core.Artifact{}, core.NewNotFound("artifact", id)
	}
	return row, nil
}

// ReadArtifact returns the artifact row and its blob content.
func (c *Collector) ReadArtifact(id string) (core.Artifact, []byte, error) {
	row, err := c.GetArtifact(id)
	if err != nil {
		return core.Artifact{}, nil, err
	}
	content, err := os.ReadFile(row.StoragePath)
	if err != nil {
		return core.Artifact{}, nil, fmt.Errorf("reading artifact blob: %w", err)
	}
	return row, content, nil
}

// ListForRun returns a run's artifacts.
func (c *Collector) ListForRun(runID string) ([]core.Artifact, error) {
	return c.artifacts.Find(func(a core.Artifact) bool {
		return a.RunID == runID
	})
}

// DeleteArtifact removes the blob and row and decrements the owner's usage.
// Reports whether the artifact existed.
func (c *Collector) DeleteArtifact(id string) (bool, error) {
	logger := c.logger.Session("delete-artifact", lager.Data{"artifact": id})

	row, found, err := c.artifacts.GetByID(id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	if err := os.Remove(row.StoragePath); err != nil && !os.IsNotExist(err) {
		logger.Error("failed-to-remove-blob", err)
	}

	deleted, err := c.artifacts.Delete(id)
	if err != nil || !deleted {
		return deleted, err
	}

	usage, err := c.Usage(row.OwnerID)
	if err != nil {
		logger.Error("failed-to-load-usage", err)
		return true, nil
	}
	usage.TotalBytes -= row.SizeBytes
	if usage.TotalBytes < 0 {
		usage.TotalBytes = 0
	}
	if usage.ArtifactCount > 0 {
		usage.ArtifactCount--
	}
	usage.LastUpdated = c.clock.Now().UTC()
	if err := c.usage.Upsert(usage); err != nil {
		logger.Error("failed-to-update-usage", err)
	}

	return true, nil
}

// Usage returns the owner's current usage row, zeroed when absent.
func (c *Collector) Usage(ownerID string) (core.ArtifactUsage, error) {
	usage, found, err := c.usage.GetByID(ownerID)
	if err != nil {
		return core.ArtifactUsage{}, err
	}
	if !found {
		return core.ArtifactUsage{UserID: ownerID}, nil
	}
	return usage, nil
}

// RecalculateUserUsage rewrites the owner's usage from a full scan of their
// artifacts, healing any drift from partial failures.
func (c *Collector) RecalculateUserUsage(ownerID string) (core.ArtifactUsage, error) {
	rows, err := c.artifacts.Find(func(a core.Artifact) bool {
		return a.OwnerID == ownerID
	})
	if err != nil {
		return core.ArtifactUsage{}, err
	}

	usage := core.ArtifactUsage{
		UserID:      ownerID,
		LastUpdated: c.clock.Now().UTC(),
	}
	for _, row := range rows {
		usage.TotalBytes += row.SizeBytes
		usage.ArtifactCount++
	}

	if err := c.usage.Upsert(usage); err != nil {
		return core.ArtifactUsage{}, err
	}
	return usage, nil
}

func (c *Collector) expiry(now time.Time, override *int) *time.Time {
	days := c.cfg.DefaultRetentionDays
	if override != nil {
		days = *override
	}
	if days <= 0 {
		return nil
	}
	at := now.Add(time.Duration(days) * 24 * time.Hour)
	return &at
}
