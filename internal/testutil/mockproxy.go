// Package testutil provides the mock CONNECT proxy fixture used by this
// module's tests: a minimal upstream HTTP proxy that answers CONNECT and
// then either terminates TLS itself or just relays bytes, depending on how
// the test configures it.
package testutil

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// MockProxy is a bare TCP listener that understands exactly one request
// type: HTTP/1.1 CONNECT. It can be configured to answer with a fixed
// status, delay the response, or hang forever, and it records every CONNECT
// target and subsequent tunneled request it observes.
type MockProxy struct {
	ln net.Listener

	mu              sync.Mutex
	connectTargets  []string
	connectHeaders  []http.Header
	tunneledReqs    int

	// ProxyTLS, if set, makes the mock terminate a TLS handshake on the
	// listening socket itself before it ever reads a CONNECT request,
	// standing in for an https:// upstream proxy.
	ProxyTLS *tls.Config

	// Status is returned for every CONNECT; 0 means 200.
	Status int
	// Delay is applied before writing the CONNECT response.
	Delay time.Duration
	// Hang, if non-zero, never responds to CONNECT (simulates a stuck proxy).
	Hang int32

	// OriginTLS, if set, makes the mock terminate a real TLS handshake
	// immediately after the CONNECT response, standing in for the real
	// origin server behind the tunnel. When nil, tunneled traffic is read
	// as plaintext HTTP (used by tests that only count requests).
	OriginTLS *tls.Config
	// CloseAfterFirstRequest disables keep-alive on the origin side, so
	// each tunneled request needs its own CONNECT (re-tunneling scenario).
	CloseAfterFirstRequest bool

	closed atomic.Bool
}

// Start launches a MockProxy listening on an ephemeral localhost port.
func Start() (*MockProxy, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	p := &MockProxy{ln: ln}
	go p.serve()
	return p, nil
}

// Addr returns "host:port" the proxy is listening on.
func (p *MockProxy) Addr() string {
	return p.ln.Addr().String()
}

// Close stops accepting new connections.
func (p *MockProxy) Close() error {
	p.closed.Store(true)
	return p.ln.Close()
}

// ConnectTargets returns every CONNECT request-target observed, in order.
func (p *MockProxy) ConnectTargets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.connectTargets))
	copy(out, p.connectTargets)
	return out
}

// TunneledRequests returns the count of HTTP requests observed riding over
// an established tunnel (after the 200 response), across all connections.
func (p *MockProxy) TunneledRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tunneledReqs
}

// ConnectHeaders returns the headers of every CONNECT request observed, in
// order, so tests can assert on what a caller forwarded (e.g.
// Proxy-Authorization).
func (p *MockProxy) ConnectHeaders() []http.Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]http.Header, len(p.connectHeaders))
	copy(out, p.connectHeaders)
	return out
}

func (p *MockProxy) serve() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		go p.handle(conn)
	}
}

func (p *MockProxy) handle(conn net.Conn) {
	defer conn.Close()

	if p.ProxyTLS != nil {
		tlsConn := tls.Server(conn, p.ProxyTLS)
		if err := tlsConn.Handshake(); err != nil {
			return
		}
		conn = tlsConn
	}

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}
	if req.Method != http.MethodConnect {
		return
	}

	p.mu.Lock()
	p.connectTargets = append(p.connectTargets, req.Host)
	p.connectHeaders = append(p.connectHeaders, req.Header.Clone())
	p.mu.Unlock()

	if atomic.LoadInt32(&p.Hang) != 0 {
		io.Copy(io.Discard, br) // block until the connection is closed by the peer
		return
	}

	if p.Delay > 0 {
		time.Sleep(p.Delay)
	}

	status := p.Status
	if status == 0 {
		status = http.StatusOK
	}
	if status != http.StatusOK {
		fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n\r\n", status, http.StatusText(status))
		return
	}

	io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n")

	// From here the connection is a raw tunnel: any bytes now read are the
	// client's TLS handshake / HTTP traffic towards the "origin."
	if p.OriginTLS != nil {
		tlsConn := tls.Server(conn, p.OriginTLS)
		if err := tlsConn.Handshake(); err != nil {
			return
		}
		p.serveHTTP(tlsConn, bufio.NewReader(tlsConn))
		return
	}
	p.serveHTTP(conn, br)
}

// serveHTTP counts and answers every HTTP request riding over the tunnel
// (plaintext or, once OriginTLS terminates, real TLS) with a fixed
// "Success" body.
func (p *MockProxy) serveHTTP(conn io.Writer, br *bufio.Reader) {
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		io.Copy(io.Discard, req.Body)

		p.mu.Lock()
		p.tunneledReqs++
		p.mu.Unlock()

		connHeader := "keep-alive"
		if p.CloseAfterFirstRequest {
			connHeader = "close"
		}
		fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Length: 7\r\nConnection: %s\r\n\r\nSuccess", connHeader)
		if p.CloseAfterFirstRequest {
			return
		}
	}
}
