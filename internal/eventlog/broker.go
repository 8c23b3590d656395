// Package eventlog carries a Deployment Record's build and runtime log
// lines from producer to subscriber. It is the direct descendant of the
// old platform logger's channel-based pub/sub broadcaster and its
// gin Server-Sent-Events handler, minus the Postgres persistence layer:
// build_logs/runtime_logs now live on the Deployment Record itself
// (per-project, in memory), and the broker only fans a line out live to
// whatever HTTP clients are currently streaming it.
package eventlog

import (
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Line is one emitted log line, timestamped at the moment it was produced.
// DeploymentMeta's runtime_logs field is exactly a sequence of these.
type Line struct {
	Time time.Time
	Text string
}

// Broker fans out log lines for a single Deployment Record to any number
// of live subscribers (SSE connections). It never buffers history itself;
// the Deployment Record is the source of truth for already-emitted lines,
// the Broker only carries new ones to whoever is currently listening.
type Broker struct {
	mu   sync.RWMutex
	subs map[chan Line]struct{}
}

// NewBroker builds an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[chan Line]struct{})}
}

// Publish fans line out to every current subscriber. Slow subscribers miss
// lines rather than block the publisher: each subscriber channel is
// buffered, and a full channel causes that subscriber's line to be
// skipped; the subscriber itself stays registered.
func (b *Broker) Publish(line Line) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Subscribe registers a new listener and returns a channel of future lines
// plus an unsubscribe function the caller must invoke when done.
func (b *Broker) Subscribe() (<-chan Line, func()) {
	ch := make(chan Line, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// StreamSSE writes lines from ch to the gin response as Server-Sent
// Events, flushing after every line, until the client disconnects or the
// channel is closed. Mirrors the old HandleDeploymentLogsSSE's
// c.Stream/Flush loop.
func StreamSSE(c *gin.Context, ch <-chan Line) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(c.Writer, "data: %s %s\n\n", line.Time.Format(time.RFC3339), line.Text)
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}
