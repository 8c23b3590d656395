package eventlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscriber(t *testing.T) {
	b := NewBroker()
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Publish(Line{Time: time.Now(), Text: "building..."})

	select {
	case line := <-ch:
		assert.Equal(t, "building...", line.Text)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published line")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	ch, unsubscribe := b.Subscribe()
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok)
}

func TestPublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	b := NewBroker()
	require.NotPanics(t, func() {
		b.Publish(Line{Time: time.Now(), Text: "line"})
	})
}
