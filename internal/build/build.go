// Package build implements the Build System: turning an uploaded source
// archive into a loadable artifact on the local filesystem while
// streaming human-readable build output line by line. Grounded on the
// build-service sibling's docker.go (the bufio.Scanner-over-build-output
// idiom) and the old detector (framework detection), re-targeted at
// compiling a binary on disk instead of building a container image.
package build

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	units "github.com/docker/go-units"
)

// Error wraps a build failure with the human-readable message the
// Deployment Record's ERROR state carries forward.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

// Sink receives one line of build output at a time, in order.
type Sink func(line string)

// System writes per-project source trees under Root and compiles them.
type System struct {
	Root string
}

// New returns a System rooted at root, creating it if necessary.
func New(root string) (*System, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("build: cannot create build root %s: %w", root, err)
	}
	return &System{Root: root}, nil
}

// projectDir is the per-project directory the archive is extracted into.
// A later Build on the same project overwrites the source in place; the
// artifact produced by a previous successful build is left untouched
// until this build itself succeeds and produces a new one.
func (s *System) projectDir(project string) string {
	return filepath.Join(s.Root, project)
}

// ArtifactPath is the well-known location the loader expects to find a
// successfully built artifact at, for the given project.
func (s *System) ArtifactPath(project string) string {
	return filepath.Join(s.projectDir(project), "bin", "tenant")
}

// Build extracts archive into the project's source directory (overwriting
// any previous source), detects the framework, and compiles it, streaming
// output lines to sink as they're produced. On success it returns the
// path to the new artifact. Extraction, detection and compile failures are
// returned as an *Error; failures preparing the working directories or the
// output pipe are returned as wrapped plain errors. Either way any
// previously built artifact at ArtifactPath is left untouched.
func (s *System) Build(ctx context.Context, project string, archive io.Reader, sink Sink) (string, error) {
	dir := s.projectDir(project)
	srcDir := filepath.Join(dir, "src")

	if err := os.RemoveAll(srcDir); err != nil {
		return "", fmt.Errorf("build: clearing previous source: %w", err)
	}
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		return "", fmt.Errorf("build: creating source dir: %w", err)
	}

	n, err := extractTarGz(archive, srcDir)
	if err != nil {
		return "", &Error{Message: fmt.Sprintf("failed to extract archive: %v", err)}
	}
	sink(fmt.Sprintf("extracted archive (%s)", units.HumanSize(float64(n))))

	framework := Detect(srcDir)
	if framework != FrameworkGo {
		return "", &Error{Message: fmt.Sprintf("unsupported project layout in %s (no go.mod found)", project)}
	}
	sink("detected framework: go")

	stagingArtifact := filepath.Join(dir, "bin", "tenant.building")
	if err := os.MkdirAll(filepath.Dir(stagingArtifact), 0o755); err != nil {
		return "", fmt.Errorf("build: creating bin dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, "go", "build", "-o", stagingArtifact, ".")
	cmd.Dir = srcDir
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("build: stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return "", &Error{Message: fmt.Sprintf("failed to start build: %v", err)}
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		sink(scanner.Text())
	}

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", &Error{Message: fmt.Sprintf("build exited with %s", exitErr)}
		}
		return "", &Error{Message: fmt.Sprintf("build failed: %v", err)}
	}

	artifactPath := s.ArtifactPath(project)
	if err := os.Rename(stagingArtifact, artifactPath); err != nil {
		return "", &Error{Message: fmt.Sprintf("failed to place artifact: %v", err)}
	}
	sink("build succeeded")

	return artifactPath, nil
}

func extractTarGz(r io.Reader, dest string) (int64, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("not a gzip archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var total int64

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, err
		}

		target := filepath.Join(dest, hdr.Name)
		if !isWithinDir(dest, target) {
			return total, fmt.Errorf("archive entry escapes destination: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return total, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return total, err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return total, err
			}
			written, err := io.Copy(f, tr)
			f.Close()
			if err != nil {
				return total, err
			}
			total += written
		}
	}

	return total, nil
}

func isWithinDir(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}
