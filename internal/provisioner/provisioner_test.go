package provisioner

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisionAppliesEngineDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(DatabaseInfo{AddressPrivate: "10.0.0.5", AddressPublic: "db.example.com"})
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	c := New(host, port, time.Second)

	info, err := c.Provision(t.Context(), "hello", "postgres")
	require.NoError(t, err)
	assert.Equal(t, "postgres", info.Engine)
	assert.Equal(t, "postgres", info.Username)
	assert.Equal(t, "postgres", info.DatabaseName)
	assert.Equal(t, 5432, info.Port)
	assert.Equal(t, "10.0.0.5", info.AddressPrivate)
}

func TestProvisionSurfacesRemoteErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	c := New(host, port, time.Second)

	_, err := c.Provision(t.Context(), "hello", "postgres")
	require.Error(t, err)
	var provErr *Error
	assert.ErrorAs(t, err, &provErr)
}

func TestTeardownTreatsNotFoundAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	c := New(host, port, time.Second)

	err := c.Teardown(t.Context(), "hello")
	assert.NoError(t, err)
}

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}
