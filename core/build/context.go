package build

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mellea-dev/playground/core"
)

const dockerfileName = "Dockerfile"

// writeDepsContext materialises the dependency layer build context in a
// fresh temp directory: a requirements file plus a Dockerfile that installs
// it onto the python base image. The caller removes the directory.
func writeDepsContext(deps core.DependencySet) (string, error) {
	dir, err := os.MkdirTemp("", "mellea-deps-")
	if err != nil {
		return "", fmt.Errorf("creating deps context: %w", err)
	}

	err = os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte(RequirementsFile(deps.Packages)), 0644)
	if err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("writing requirements: %w", err)
	}

	dockerfile := fmt.Sprintf(`FROM python:%s-slim
WORKDIR /app
COPY requirements.txt /tmp/requirements.txt
RUN pip install --no-cache-dir -r /tmp/requirements.txt
`, deps.PythonVersion)

	err = os.WriteFile(filepath.Join(dir, dockerfileName), []byte(dockerfile), 0644)
	if err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("writing dockerfile: %w", err)
	}

	return dir, nil
}

// writeProgramContext materialises the program layer build context: a copy
// of the workspace plus a Dockerfile layering it onto the dependency image.
// The workspace itself is read-only to the builder; it is copied, never
// written. The caller removes the returned directory.
func writeProgramContext(program core.Program, workspaceDir, depsImageTag string) (string, error) {
	dir, err := os.MkdirTemp("", "mellea-prog-")
	if err != nil {
		return "", fmt.Errorf("creating program context: %w", err)
	}

	if err := CopyTree(workspaceDir, dir); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("copying workspace: %w", err)
	}

	workdir := "/app"
	if program.ProjectRoot != "" {
		workdir = "/app/" + program.ProjectRoot
	}

	dockerfile := fmt.Sprintf(`FROM %s
COPY . /app
WORKDIR %s
CMD ["python", %q]
`, depsImageTag, workdir, program.Entrypoint)

	err = os.WriteFile(filepath.Join(dir, dockerfileName), []byte(dockerfile), 0644)
	if err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("writing dockerfile: %w", err)
	}

	return dir, nil
}

// CopyTree copies src into dst, preserving the directory layout. Symlinks
// are skipped; user workspaces must not reach outside their tree.
func CopyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			return nil
		case info.IsDir():
			return os.MkdirAll(target, 0755)
		default:
			return copyFile(path, target, info.Mode())
		}
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
