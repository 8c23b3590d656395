package build

import (
	"os"
	"path/filepath"
)

// Framework identifies the toolchain used to turn an extracted source tree
// into a loadable artifact. Grounded on the old detector's
// FrameworkType enumeration, trimmed to what this control plane actually
// knows how to build: everything else is a clean, reported BuildError
// rather than a silent guess.
type Framework string

const (
	FrameworkGo          Framework = "go"
	FrameworkUnsupported Framework = "unsupported"
)

// Detect inspects an extracted project directory and reports which
// framework it is, the same way the old detector walked the tree looking
// for go.mod/package.json/requirements.txt before picking a Dockerfile
// template — minus the template, since the artifact here is a binary, not
// an image.
func Detect(dir string) Framework {
	if fileExists(filepath.Join(dir, "go.mod")) {
		return FrameworkGo
	}
	return FrameworkUnsupported
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
