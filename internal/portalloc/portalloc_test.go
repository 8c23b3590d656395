package portalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateNeverDuplicates(t *testing.T) {
	a, err := New(20000, 20002)
	require.NoError(t, err)

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		p, err := a.Allocate()
		require.NoError(t, err)
		assert.False(t, seen[p], "port %d allocated twice", p)
		seen[p] = true
	}

	_, err = a.Allocate()
	assert.ErrorIs(t, err, ErrNoPortsAvailable)
}

func TestReleaseReturnsPortToPool(t *testing.T) {
	a, err := New(20010, 20011)
	require.NoError(t, err)

	p1, err := a.Allocate()
	require.NoError(t, err)
	_, err = a.Allocate()
	require.NoError(t, err)

	_, err = a.Allocate()
	require.ErrorIs(t, err, ErrNoPortsAvailable)

	a.Release(p1)

	p2, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}

func TestReleaseIsIdempotent(t *testing.T) {
	a, err := New(20020, 20021)
	require.NoError(t, err)

	p, err := a.Allocate()
	require.NoError(t, err)

	a.Release(p)
	assert.NotPanics(t, func() { a.Release(p) })
}

func TestNewRejectsInvalidRange(t *testing.T) {
	_, err := New(100, 100)
	assert.Error(t, err)

	_, err = New(200, 100)
	assert.Error(t, err)
}
