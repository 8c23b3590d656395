// UserDirectory is this control plane's opaque user/API-key collaborator
// (spec.md §1 treats it as an external system, not respecified). It is
// backed by the users.toml file spec.md §6 names as the one piece of
// control-plane state persisted to disk, read/written with
// github.com/pelletier/go-toml/v2 — already pulled in transitively
// through gin's TOML renderer, used here directly instead of hand-rolling
// a flat-file format.
package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// usersFile is the on-disk shape of users.toml: API key -> username.
type usersFile struct {
	Users map[string]string `toml:"users"`
}

// UserDirectory authenticates API keys (HTTP Basic username, empty
// password) and mints new ones for the admin-only user-creation endpoint.
type UserDirectory struct {
	path string

	mu    sync.RWMutex
	byKey map[string]string // api key -> username
	admin string            // username allowed to call POST /users/{username}
}

// LoadUserDirectory reads users.toml at path. If the file doesn't exist
// yet it returns an empty directory without creating the file; the first
// CreateUser writes it. admin names the one user permitted to mint new API
// keys.
func LoadUserDirectory(path, admin string) (*UserDirectory, error) {
	d := &UserDirectory{path: path, byKey: make(map[string]string), admin: admin}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return nil, fmt.Errorf("api: reading %s: %w", path, err)
	}

	var f usersFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("api: parsing %s: %w", path, err)
	}
	if f.Users != nil {
		d.byKey = f.Users
	}
	return d, nil
}

// Authenticate reports the username owning apiKey, if any.
func (d *UserDirectory) Authenticate(apiKey string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	username, ok := d.byKey[apiKey]
	return username, ok
}

// IsAdmin reports whether username may call the admin-only endpoints.
func (d *UserDirectory) IsAdmin(username string) bool {
	return username != "" && username == d.admin
}

// CreateUser mints a fresh API key for username and persists it.
func (d *UserDirectory) CreateUser(username string) (string, error) {
	key, err := randomAPIKey()
	if err != nil {
		return "", fmt.Errorf("api: generating API key: %w", err)
	}

	d.mu.Lock()
	d.byKey[key] = username
	snapshot := make(map[string]string, len(d.byKey))
	for k, v := range d.byKey {
		snapshot[k] = v
	}
	d.mu.Unlock()

	if err := d.persist(snapshot); err != nil {
		return "", err
	}
	return key, nil
}

func (d *UserDirectory) persist(users map[string]string) error {
	data, err := toml.Marshal(usersFile{Users: users})
	if err != nil {
		return fmt.Errorf("api: encoding %s: %w", d.path, err)
	}
	if err := os.WriteFile(d.path, data, 0o600); err != nil {
		return fmt.Errorf("api: writing %s: %w", d.path, err)
	}
	return nil
}

func randomAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
