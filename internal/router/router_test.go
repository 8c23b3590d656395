package router

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetThenLookup(t *testing.T) {
	r := New()
	r.Set("hello.proxy.local", 7501)

	port, err := r.Lookup("hello.proxy.local")
	assert.NoError(t, err)
	assert.Equal(t, 7501, port)
}

func TestLookupUnknownHostIsNotFound(t *testing.T) {
	r := New()
	_, err := r.Lookup("nope.proxy.local")
	assert.True(t, IsNotFound(err))
}

func TestSetReplacesExistingEntry(t *testing.T) {
	r := New()
	r.Set("svc.proxy.local", 7501)
	r.Set("svc.proxy.local", 7502)

	port, err := r.Lookup("svc.proxy.local")
	assert.NoError(t, err)
	assert.Equal(t, 7502, port)
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := New()
	r.Set("svc.proxy.local", 7501)
	r.Remove("svc.proxy.local")
	r.Remove("svc.proxy.local")

	_, err := r.Lookup("svc.proxy.local")
	assert.True(t, IsNotFound(err))
}

func TestConcurrentReadsDoNotRace(t *testing.T) {
	r := New()
	r.Set("svc.proxy.local", 7501)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Lookup("svc.proxy.local")
		}()
	}
	wg.Wait()
}
