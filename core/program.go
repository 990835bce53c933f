package core

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DependencySource identifies where a Program's dependency set was declared.
type DependencySource string

const (
	DependencySourcePyproject    DependencySource = "pyproject"
	DependencySourceRequirements DependencySource = "requirements"
	DependencySourceManual       DependencySource = "manual"
)

// ImageBuildStatus tracks the Program's image build.
type ImageBuildStatus string

const (
	ImageBuildPending  ImageBuildStatus = "pending"
	ImageBuildBuilding ImageBuildStatus = "building"
	ImageBuildReady    ImageBuildStatus = "ready"
	ImageBuildFailed   ImageBuildStatus = "failed"
)

// SharingMode controls who may see a Program.
type SharingMode string

const (
	SharingPrivate SharingMode = "private"
	SharingShared  SharingMode = "shared"
	SharingPublic  SharingMode = "public"
)

// SharePermission is the access level granted by a share grant.
type SharePermission string

const (
	PermissionView SharePermission = "view"
	PermissionRun  SharePermission = "run"
	PermissionEdit SharePermission = "edit"
)

// ShareGrant gives a user, group, or org a permission on a Program.
type ShareGrant struct {
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	Permission SharePermission `json:"permission"`
}

// Package is one declared dependency.
type Package struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Extras  []string `json:"extras,omitempty"`
}

// DependencySet is a Program's full dependency declaration; it is the input
// to the layer cache key.
type DependencySet struct {
	Source        DependencySource `json:"source"`
	Packages      []Package        `json:"packages"`
	PythonVersion string           `json:"pythonVersion"`
	LockfileHash  string           `json:"lockfileHash,omitempty"`
}

// Program is a user-supplied code bundle with declared dependencies and an
// entrypoint; the unit of build. Workspace files live at
// workspaces/{id} under the data directory.
type Program struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Entrypoint       string           `json:"entrypoint"`
	ProjectRoot      string           `json:"projectRoot,omitempty"`
	Dependencies     DependencySet    `json:"dependencies"`
	ResourceProfile  ResourceLimits   `json:"resourceProfile"`
	ImageTag         string           `json:"imageTag,omitempty"`
	ImageBuildStatus ImageBuildStatus `json:"imageBuildStatus,omitempty"`
	ImageBuildError  string           `json:"imageBuildError,omitempty"`
	Owner            string           `json:"owner"`
	Sharing          SharingMode      `json:"sharing"`
	SharedWith       []ShareGrant     `json:"sharedWith,omitempty"`
}

// Validate checks that the Program carries the fields every build and run
// path depends on.
func (p Program) Validate() error {
	var problems []string
	if p.ID == "" {
		problems = append(problems, "missing 'id'")
	}
	if p.Entrypoint == "" {
		problems = append(problems, "missing 'entrypoint'")
	}
	if p.Dependencies.PythonVersion == "" {
		problems = append(problems, "missing 'dependencies.pythonVersion'")
	}
	if len(problems) > 0 {
		return NewValidation(fmt.Sprintf("invalid program: %s", strings.Join(problems, ", ")))
	}
	return nil
}

// ProgramImageTag derives the program-layer image tag. The short suffix
// makes concurrent rebuilds distinguishable; last writer wins.
func ProgramImageTag(programID, short string) string {
	return fmt.Sprintf("mellea-prog-%s-%s", programID, short)
}

// WorkspacePath returns the source tree root for a Program under dataDir.
// Import paths write it; the builder only reads it.
func WorkspacePath(dataDir, programID string) string {
	return filepath.Join(dataDir, "workspaces", programID)
}

// ArtifactBlobPath returns the blob location for an Artifact under dataDir.
func ArtifactBlobPath(dataDir, ownerID, artifactID string) string {
	return filepath.Join(dataDir, "artifacts", ownerID, artifactID)
}

// MetadataDir returns the collection-file directory under dataDir.
func MetadataDir(dataDir string) string {
	return filepath.Join(dataDir, "metadata")
}

// ShortID returns the first eight characters of an identifier, the form used
// in derived cluster job names and image tags.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
