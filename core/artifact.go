package core

import "time"

// ArtifactType classifies what a stored artifact blob contains.
type ArtifactType string

const (
	ArtifactTypeFile      ArtifactType = "file"
	ArtifactTypeDirectory ArtifactType = "directory"
	ArtifactTypeLog       ArtifactType = "log"
	ArtifactTypeOutput    ArtifactType = "output"
)

// Artifact is a run output stored under a content hash. The blob itself
// lives at artifacts/{ownerId}/{artifactId} under the data directory.
type Artifact struct {
	ID           string            `json:"id"`
	RunID        string            `json:"runId"`
	OwnerID      string            `json:"ownerId"`
	Name         string            `json:"name"`
	ArtifactType ArtifactType      `json:"artifactType"`
	SizeBytes    int64             `json:"sizeBytes"`
	StoragePath  string            `json:"storagePath"`
	MimeType     string            `json:"mimeType,omitempty"`
	Checksum     string            `json:"checksum"`
	CreatedAt    time.Time         `json:"createdAt"`
	ExpiresAt    *time.Time        `json:"expiresAt,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ArtifactUsage tracks a user's total artifact footprint. Its ID in the
// store is the user ID.
type ArtifactUsage struct {
	UserID        string    `json:"userId"`
	TotalBytes    int64     `json:"totalBytes"`
	ArtifactCount int       `json:"artifactCount"`
	LastUpdated   time.Time `json:"lastUpdated"`
}
