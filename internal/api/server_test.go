package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deployctl/internal/build"
	"deployctl/internal/deployment"
	"deployctl/internal/portalloc"
	"deployctl/internal/provisioner"
	"deployctl/internal/router"
	"deployctl/internal/tenant"
)

type stubBuilder struct{}

func (stubBuilder) Build(ctx context.Context, project string, archive io.Reader, sink build.Sink) (string, error) {
	sink("building " + project)
	return "/fake/" + project, nil
}

func (stubBuilder) ArtifactPath(project string) string { return "/fake/" + project }

type stubProvisioner struct{}

func (stubProvisioner) Provision(ctx context.Context, project, dbType string) (provisioner.DatabaseInfo, error) {
	return provisioner.DatabaseInfo{}, nil
}

func (stubProvisioner) Teardown(ctx context.Context, project string) error { return nil }

type stubHandle struct{ doneCh chan error }

func (h *stubHandle) Stop(ctx context.Context) error { return nil }
func (h *stubHandle) Wait() <-chan error             { return h.doneCh }

type stubLoader struct{}

func (stubLoader) Load(ctx context.Context, artifactPath string, port int, env []string, sink tenant.LogSink) (tenant.Handle, error) {
	return &stubHandle{doneCh: make(chan error, 1)}, nil
}

func newTestServer(t *testing.T) (*Server, *UserDirectory) {
	t.Helper()

	ports, err := portalloc.New(23000, 23100)
	require.NoError(t, err)

	mgr := deployment.New(deployment.Config{
		ProxyFQDN:   "proxy.local",
		MaxDeploys:  2,
		Build:       stubBuilder{},
		Provisioner: stubProvisioner{},
		Ports:       ports,
		Loader:      stubLoader{},
		Router:      router.New(),
		DBType:      "",
	})

	dir := t.TempDir()
	users, err := LoadUserDirectory(filepath.Join(dir, "users.toml"), "root")
	require.NoError(t, err)

	key, err := users.CreateUser("root")
	require.NoError(t, err)
	_ = key

	return NewServer(mgr, users, nil, nil), users
}

func authedRequest(method, path, apiKey string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.SetBasicAuth(apiKey, "")
	return req
}

func TestStatusAndVersionAreUnauthenticated(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ok", rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Version, rec.Body.String())
}

func TestDeployRequiresCredentials(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/projects/demo-app", strings.NewReader("x")))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateUserRequiresAdmin(t *testing.T) {
	s, users := newTestServer(t)
	key, err := users.CreateUser("alice")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, authedRequest(http.MethodPost, "/users/bob", key, nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeployRejectsInvalidProjectName(t *testing.T) {
	s, users := newTestServer(t)
	key, err := users.CreateUser("alice")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, authedRequest(http.MethodPost, "/projects/AB", key, strings.NewReader("x")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeployThenGetReachesDeployed(t *testing.T) {
	s, users := newTestServer(t)
	key, err := users.CreateUser("alice")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, authedRequest(http.MethodPost, "/projects/demo-app", key, strings.NewReader("archive-bytes")))
	require.Equal(t, http.StatusOK, rec.Code)

	deadline := time.Now().Add(time.Second)
	var body string
	for time.Now().Before(deadline) {
		rec = httptest.NewRecorder()
		s.Router().ServeHTTP(rec, authedRequest(http.MethodGet, "/projects/demo-app", key, nil))
		body = rec.Body.String()
		if strings.Contains(body, `"DEPLOYED"`) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Contains(t, body, `"DEPLOYED"`)
}

func TestDeployByDifferentUserIsRejected(t *testing.T) {
	s, users := newTestServer(t)
	alice, err := users.CreateUser("alice")
	require.NoError(t, err)
	bob, err := users.CreateUser("bob")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, authedRequest(http.MethodPost, "/projects/shared-app", alice, strings.NewReader("x")))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, authedRequest(http.MethodPost, "/projects/shared-app", bob, strings.NewReader("x")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnknownProjectIsNotFound(t *testing.T) {
	s, users := newTestServer(t)
	key, err := users.CreateUser("alice")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, authedRequest(http.MethodGet, "/projects/nonexistent-app", key, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUsersTomlPersistsAcrossLoads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.toml")

	d1, err := LoadUserDirectory(path, "root")
	require.NoError(t, err)
	key, err := d1.CreateUser("alice")
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err)

	d2, err := LoadUserDirectory(path, "root")
	require.NoError(t, err)
	username, ok := d2.Authenticate(key)
	require.True(t, ok)
	assert.Equal(t, "alice", username)
}
