package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRouter struct {
	ports map[string]int
}

func (r fakeRouter) Lookup(host string) (int, error) {
	port, ok := r.ports[host]
	if !ok {
		return 0, fmt.Errorf("no route for %s", host)
	}
	return port, nil
}

func startEchoTenant(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				req, err := http.ReadRequest(bufio.NewReader(c))
				if err != nil {
					return
				}
				_ = req.Body.Close()
				body := "hello from tenant"
				fmt.Fprintf(c, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
			}(conn)
		}
	}()

	t.Cleanup(func() { ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

func TestProxyForwardsToResolvedTenant(t *testing.T) {
	port := startEchoTenant(t)
	router := fakeRouter{ports: map[string]int{"app.proxy.local": port}}

	p, err := New("127.0.0.1:0", router)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Serve(ctx)

	conn, err := net.Dial("tcp", p.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: app.proxy.local\r\n\r\n")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestProxyReturns404ForUnknownHost(t *testing.T) {
	router := fakeRouter{ports: map[string]int{}}

	p, err := New("127.0.0.1:0", router)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Serve(ctx)

	conn, err := net.Dial("tcp", p.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: missing.proxy.local\r\n\r\n")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestProxyReturns502WhenTenantUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	router := fakeRouter{ports: map[string]int{"down.proxy.local": deadPort}}

	p, err := New("127.0.0.1:0", router)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Serve(ctx)

	conn, err := net.Dial("tcp", p.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: down.proxy.local\r\n\r\n")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	assert.Equal(t, 502, resp.StatusCode)
}

func TestStripPortRemovesTrailingPort(t *testing.T) {
	assert.Equal(t, "app.proxy.local", stripPort("app.proxy.local:443"))
	assert.Equal(t, "app.proxy.local", stripPort("app.proxy.local"))
}
