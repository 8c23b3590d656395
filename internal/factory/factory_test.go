package factory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deployctl/internal/provisioner"
)

type fakeProvisioner struct {
	calls int
	info  provisioner.DatabaseInfo
	err   error
}

func (f *fakeProvisioner) Provision(ctx context.Context, project, dbType string) (provisioner.DatabaseInfo, error) {
	f.calls++
	return f.info, f.err
}

func TestGetDatabaseInfoMemoizesAcrossCalls(t *testing.T) {
	fp := &fakeProvisioner{info: provisioner.DatabaseInfo{Engine: "postgres", AddressPrivate: "10.0.0.1", Port: 5432}}
	f := New("hello", fp)

	info1, err := f.GetDatabaseInfo(context.Background(), "postgres")
	require.NoError(t, err)

	info2, err := f.GetDatabaseInfo(context.Background(), "postgres")
	require.NoError(t, err)

	assert.Equal(t, info1, info2)
	assert.Equal(t, 1, fp.calls)
}

func TestNormalizeSecretKeyRejectsInvalid(t *testing.T) {
	_, err := normalizeSecretKey("1bad-key")
	assert.Error(t, err)

	key, err := normalizeSecretKey("API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "api_key", key)
}
