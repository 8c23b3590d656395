// Package factory implements the object injected into a loading tenant
// that resolves its resource requests. Grounded on the original secrets.rs
// key normalization/validation rules (lowercased, [_a-zA-Z][_a-zA-Z0-9]*)
// and its SELECT/UPSERT pair against a per-tenant secrets table, reached
// here through database/sql + lib/pq the same way the rest of this
// codebase's ancestry talks to Postgres.
package factory

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"

	_ "github.com/lib/pq"

	"deployctl/internal/provisioner"
)

var secretKeyPattern = regexp.MustCompile(`^[_a-zA-Z][_a-zA-Z0-9]*$`)

// Provisioner is the subset of the provisioner client the Factory needs.
type Provisioner interface {
	Provision(ctx context.Context, project, dbType string) (provisioner.DatabaseInfo, error)
}

// Factory is single-use per LOADING transition: constructed fresh for each
// load and discarded once the tenant reports ready. It memoizes the first
// database it provisions so repeated GetDatabaseInfo calls from the same
// tenant startup don't re-provision.
type Factory struct {
	project     string
	provisioner Provisioner

	mu   sync.Mutex
	info *provisioner.DatabaseInfo
}

// New builds a Factory for a single tenant load.
func New(project string, p Provisioner) *Factory {
	return &Factory{project: project, provisioner: p}
}

// GetDatabaseInfo requests (or returns the already-requested) DatabaseInfo
// for this tenant's declared engine. ConnectionString renders the private
// connection string the tenant should dial from it.
func (f *Factory) GetDatabaseInfo(ctx context.Context, dbType string) (provisioner.DatabaseInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.info != nil {
		return *f.info, nil
	}

	info, err := f.provisioner.Provision(ctx, f.project, dbType)
	if err != nil {
		return provisioner.DatabaseInfo{}, err
	}

	f.info = &info
	return info, nil
}

// ConnectionString renders the private connection string for info.
func ConnectionString(info provisioner.DatabaseInfo) string {
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s", info.Engine, info.Username, info.Password, info.AddressPrivate, info.Port, info.DatabaseName)
}

// ReadSecret reads a single key/value secret from a project's provisioned
// database, reporting false when the key has no row.
func ReadSecret(ctx context.Context, info provisioner.DatabaseInfo, key string) (string, bool, error) {
	key, err := normalizeSecretKey(key)
	if err != nil {
		return "", false, err
	}

	db, err := sql.Open("postgres", connStringForSQL(info))
	if err != nil {
		return "", false, fmt.Errorf("factory: opening tenant database: %w", err)
	}
	defer db.Close()

	var value string
	err = db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("factory: reading secret %s: %w", key, err)
	}
	return value, true, nil
}

// WriteSecret upserts a single key/value secret into a project's
// provisioned database, per the original's SELECT/INSERT ON CONFLICT pair.
func WriteSecret(ctx context.Context, info provisioner.DatabaseInfo, key, value string) error {
	key, err := normalizeSecretKey(key)
	if err != nil {
		return err
	}

	db, err := sql.Open("postgres", connStringForSQL(info))
	if err != nil {
		return fmt.Errorf("factory: opening tenant database: %w", err)
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		INSERT INTO secrets (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = $2
	`, key, value)
	if err != nil {
		return fmt.Errorf("factory: writing secret %s: %w", key, err)
	}
	return nil
}

// ReadAllSecrets reads every key/value secret stored in a project's
// provisioned database, for injection into a loading tenant's environment.
// The child-process tenant variant has no way to call back into the
// Factory directly, so this is how §4.4's "opaque named secrets"
// resolution reaches the tenant in practice.
func ReadAllSecrets(ctx context.Context, info provisioner.DatabaseInfo) (map[string]string, error) {
	db, err := sql.Open("postgres", connStringForSQL(info))
	if err != nil {
		return nil, fmt.Errorf("factory: opening tenant database: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT key, value FROM secrets`)
	if err != nil {
		return nil, fmt.Errorf("factory: reading secrets: %w", err)
	}
	defer rows.Close()

	secrets := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("factory: scanning secret row: %w", err)
		}
		secrets[key] = value
	}
	return secrets, rows.Err()
}

func normalizeSecretKey(key string) (string, error) {
	lower := strings.ToLower(key)
	if !secretKeyPattern.MatchString(lower) {
		return "", fmt.Errorf("factory: invalid secret key %q", key)
	}
	return lower, nil
}

func connStringForSQL(info provisioner.DatabaseInfo) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		info.AddressPrivate, info.Port, info.Username, info.Password, info.DatabaseName,
	)
}
