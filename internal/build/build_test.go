package build

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeArchive(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for name, content := range files {
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(content)),
			ModTime: time.Now(),
		}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return &buf
}

func TestBuildSucceedsForValidGoProject(t *testing.T) {
	sys, err := New(t.TempDir())
	require.NoError(t, err)

	archive := makeArchive(t, map[string]string{
		"go.mod": "module hello\n\ngo 1.25\n",
		"main.go": `package main
import "fmt"
func main() { fmt.Println("Hello, world!") }
`,
	})

	var lines []string
	artifact, err := sys.Build(context.Background(), "hello", archive, func(l string) { lines = append(lines, l) })
	require.NoError(t, err)
	assert.Equal(t, sys.ArtifactPath("hello"), artifact)
	assert.NotEmpty(t, lines)
}

func TestBuildFailsForMissingGoMod(t *testing.T) {
	sys, err := New(t.TempDir())
	require.NoError(t, err)

	archive := makeArchive(t, map[string]string{
		"main.py": "print('hi')\n",
	})

	_, err = sys.Build(context.Background(), "broken", archive, func(string) {})
	require.Error(t, err)
	var buildErr *Error
	assert.ErrorAs(t, err, &buildErr)
}

func TestBuildLeavesPreviousArtifactOnFailure(t *testing.T) {
	sys, err := New(t.TempDir())
	require.NoError(t, err)

	good := makeArchive(t, map[string]string{
		"go.mod":  "module svc\n\ngo 1.25\n",
		"main.go": "package main\nfunc main() {}\n",
	})
	artifact, err := sys.Build(context.Background(), "svc", good, func(string) {})
	require.NoError(t, err)

	broken := makeArchive(t, map[string]string{
		"go.mod":  "module svc\n\ngo 1.25\n",
		"main.go": "package main\nfunc main() { this does not compile",
	})
	_, err = sys.Build(context.Background(), "svc", broken, func(string) {})
	require.Error(t, err)

	assert.FileExists(t, artifact)
}

func TestDetectRecognizesGoModule(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/go.mod", []byte("module x\n"), 0o644))
	assert.Equal(t, FrameworkGo, Detect(dir))
}

func TestDetectReportsUnsupportedWithoutGoMod(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, FrameworkUnsupported, Detect(dir))
}
