package api

import "regexp"

// projectNamePattern matches the spec's ProjectName grammar: lowercase
// [a-z0-9-], 3-63 chars, not starting or ending with '-'.
var projectNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{1,61}[a-z0-9])?$`)

// reservedProjectNames may never be used as a project, since they collide
// with this control plane's own API surface or common infra hostnames.
var reservedProjectNames = map[string]bool{
	"api":       true,
	"admin":     true,
	"www":       true,
	"status":    true,
	"version":   true,
	"users":     true,
	"projects":  true,
	"localhost": true,
}

// ValidProjectName reports whether name satisfies the spec's ProjectName
// grammar and is not one of the reserved names.
func ValidProjectName(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if reservedProjectNames[name] {
		return false
	}
	return projectNamePattern.MatchString(name)
}
