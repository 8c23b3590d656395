// Package provisioner is the client for the out-of-process database
// provisioner: an opaque RPC collaborator that hands back connection
// details for a project's backing database. Grounded on the engine-default
// table the original factory.rs carried for local/shared databases
// (db_type_to_config), used here only to seed sensible defaults when the
// remote provisioner's response omits them, and on the request/response
// idiom of pkg/rabbitmq's client (dial once, reuse, wrap every failure).
package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Error wraps a provisioning failure with the message surfaced as the
// Deployment Record's ERROR state.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

// DatabaseInfo mirrors the spec's DatabaseInfo data model: immutable once
// set on a Deployment Record.
type DatabaseInfo struct {
	Engine         string `json:"engine"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	DatabaseName   string `json:"database_name"`
	Port           int    `json:"port"`
	AddressPrivate string `json:"address_private"`
	AddressPublic  string `json:"address_public"`
}

// engineDefault carries the username/database-name convention used to
// fill in gaps in the provisioner's response, per engine. Matches the
// original source's per-engine defaults for shared databases.
type engineDefault struct {
	username     string
	databaseName string
	port         int
}

var engineDefaults = map[string]engineDefault{
	"postgres": {username: "postgres", databaseName: "postgres", port: 5432},
	"mysql":    {username: "root", databaseName: "mysql", port: 3306},
	"mariadb":  {username: "root", databaseName: "mysql", port: 3306},
	"mongodb":  {username: "mongodb", databaseName: "admin", port: 27017},
}

// Client talks to the external provisioner over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// New builds a Client against address:port with the given per-call timeout.
func New(address string, port int, timeout time.Duration) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", address, port),
		http:    &http.Client{},
		timeout: timeout,
	}
}

type provisionRequest struct {
	Project string `json:"project"`
	DBType  string `json:"db_type"`
}

// Provision requests a database of the given engine for project. The
// remote collaborator is responsible for idempotence: repeated calls for
// the same (project, db_type) must return consistent connection info for
// the life of the project.
func (c *Client) Provision(ctx context.Context, project, dbType string) (DatabaseInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(provisionRequest{Project: project, DBType: dbType})
	if err != nil {
		return DatabaseInfo{}, fmt.Errorf("provisioner: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/provision", bytes.NewReader(body))
	if err != nil {
		return DatabaseInfo{}, fmt.Errorf("provisioner: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return DatabaseInfo{}, &Error{Message: fmt.Sprintf("provisioner unreachable: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return DatabaseInfo{}, &Error{Message: fmt.Sprintf("provisioner returned status %d", resp.StatusCode)}
	}

	var info DatabaseInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return DatabaseInfo{}, &Error{Message: fmt.Sprintf("provisioner returned invalid response: %v", err)}
	}

	applyDefaults(&info, dbType)
	return info, nil
}

// Teardown schedules the project's database for removal. Used by the
// Deployment Manager's kill_by_project path.
func (c *Client) Teardown(ctx context.Context, project string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/provision/"+project, nil)
	if err != nil {
		return fmt.Errorf("provisioner: build teardown request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Message: fmt.Sprintf("provisioner unreachable: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return &Error{Message: fmt.Sprintf("provisioner teardown returned status %d", resp.StatusCode)}
	}
	return nil
}

func applyDefaults(info *DatabaseInfo, dbType string) {
	def, ok := engineDefaults[dbType]
	if !ok {
		return
	}
	if info.Engine == "" {
		info.Engine = dbType
	}
	if info.Username == "" {
		info.Username = def.username
	}
	if info.DatabaseName == "" {
		info.DatabaseName = def.databaseName
	}
	if info.Port == 0 {
		info.Port = def.port
	}
}
