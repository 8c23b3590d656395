// Package proxy implements the host-by-name Reverse Proxy: a single public
// listener that reads the Host header off each inbound connection, looks it
// up in the Router, and splices the connection through to the tenant
// listening on the resolved local port. Grounded on the old SSE handler's
// flush-as-you-go streaming idiom (never buffer a full body before
// forwarding it) and plain net/http plumbing for the request line itself.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"
)

// dialTimeout bounds how long the proxy waits to connect to a resolved
// tenant port before answering 502.
const dialTimeout = 5 * time.Second

// Router is the subset of router.Router the proxy needs.
type Router interface {
	Lookup(host string) (int, error)
}

// Proxy accepts connections on a single public listener and forwards each
// one to the tenant its Host header resolves to.
type Proxy struct {
	router   Router
	listener net.Listener
}

// New binds a listener on addr and returns a Proxy ready to Serve.
func New(addr string, router Router) (*Proxy, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("proxy: listen %s: %w", addr, err)
	}
	return &Proxy{router: router, listener: ln}, nil
}

// Addr returns the address the proxy is listening on.
func (p *Proxy) Addr() net.Addr { return p.listener.Addr() }

// Serve accepts connections until ctx is cancelled or the listener fails.
// Each connection is handled in its own goroutine and never blocks another.
func (p *Proxy) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = p.listener.Close()
	}()

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Temporary() {
				continue
			}
			return fmt.Errorf("proxy: accept: %w", err)
		}
		go p.handle(conn)
	}
}

// Close stops accepting new connections.
func (p *Proxy) Close() error { return p.listener.Close() }

func (p *Proxy) handle(client net.Conn) {
	defer client.Close()

	reader := bufio.NewReader(client)
	req, err := http.ReadRequest(reader)
	if err != nil {
		if err != io.EOF {
			log.Printf("❌ proxy: reading request: %v", err)
		}
		return
	}

	host := stripPort(req.Host)
	if host == "" {
		writeStatus(client, http.StatusBadRequest, "missing Host header")
		return
	}

	port, err := p.router.Lookup(host)
	if err != nil {
		writeStatus(client, http.StatusNotFound, "project not found")
		return
	}

	upstream, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), dialTimeout)
	if err != nil {
		log.Printf("❌ proxy: dialing tenant for %s on port %d: %v", host, port, err)
		writeStatus(client, http.StatusBadGateway, "tenant unavailable")
		return
	}
	defer upstream.Close()

	if err := req.Write(upstream); err != nil {
		log.Printf("❌ proxy: forwarding request to %s: %v", host, err)
		return
	}

	splice(client, upstream, reader)
}

// splice forwards bytes bidirectionally between client and upstream without
// buffering a full body, so streaming responses (SSE, chunked transfer) pass
// through untouched. buffered holds any bytes bufio.Reader already read
// ahead from the client connection for the request line/headers.
func splice(client, upstream net.Conn, buffered *bufio.Reader) {
	done := make(chan struct{}, 2)

	go func() {
		_, _ = io.Copy(upstream, buffered)
		if tcp, ok := upstream.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
		done <- struct{}{}
	}()

	go func() {
		_, _ = io.Copy(client, upstream)
		if tcp, ok := client.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
		done <- struct{}{}
	}()

	<-done
	<-done
}

func writeStatus(w io.Writer, code int, message string) {
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, http.StatusText(code), len(message), message)
	_, _ = io.WriteString(w, resp)
}

func stripPort(host string) string {
	if i := strings.LastIndex(host, ":"); i != -1 {
		if _, _, err := net.SplitHostPort(host); err == nil {
			return host[:i]
		}
	}
	return host
}
