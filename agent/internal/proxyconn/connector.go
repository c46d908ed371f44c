// Package proxyconn issues the single HTTP/1.1 CONNECT exchange against the
// upstream proxy and yields the raw tunnel byte stream.
package proxyconn

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RefusedError is returned when the proxy answers CONNECT with a status
// other than 200. Message is the proxy's reason phrase and Code its
// numeric status.
type RefusedError struct {
	Code    int
	Message string
}

func (e *RefusedError) Error() string {
	return e.Message
}

// Request is the handle Connect returns once the CONNECT exchange has
// ended (with a tunnel, an error or a cancellation). It lets the caller
// observe whether the timeout notification fired — the connector itself
// never aborts on timeout.
type Request struct {
	timeoutCh chan struct{}
	cancel    context.CancelFunc
}

// Timeout returns a channel that is closed once if the configured timeout
// elapses before a response arrives. It never closes if the response
// arrives first or no timeout was configured.
func (r *Request) Timeout() <-chan struct{} {
	return r.timeoutCh
}

// Abort cancels the context Connect used for the exchange. Because Connect
// returns the Request only after the exchange has ended, Abort does not
// interrupt a CONNECT that is still waiting for its response; only
// cancelling the ctx passed to Connect does that.
func (r *Request) Abort() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Options configures one CONNECT dial.
type Options struct {
	// ProxyAddr is "host:port" of the upstream proxy itself.
	ProxyAddr string
	// ProxyTLS dials the proxy connection with TLS before issuing CONNECT.
	ProxyTLS       bool
	ProxyTLSConfig TLSDialer

	// Target is "host:port" of the real origin, sent as CONNECT's
	// request-target.
	Target string

	// Timeout bounds only the wait between sending CONNECT and receiving
	// the status line.
	Timeout time.Duration

	// ExtraHeaders is an opaque header bag forwarded into the CONNECT
	// request verbatim; the connector never parses or generates
	// credentials from it.
	ExtraHeaders http.Header

	// Dial opens the TCP connection to ProxyAddr. Defaults to
	// (&net.Dialer{}).DialContext when nil; overridable for tests.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// TLSDialer upgrades a plain net.Conn to TLS for proxies reached over HTTPS
// themselves (ProxyConfig.TLS set). It is a function type rather than a
// direct crypto/tls dependency here so proxyconn stays decoupled from TLS
// configuration details owned by the tunnel package.
type TLSDialer func(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error)

// Connect performs one CONNECT exchange and returns the raw tunnel stream.
// On a non-200 response the tunnel is closed (never reused) and a
// *RefusedError is returned. On a transport error before any response, that
// error is returned directly.
func Connect(ctx context.Context, opts Options) (net.Conn, *Request, error) {
	dial := opts.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}

	conn, err := dial(ctx, "tcp", opts.ProxyAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial proxy %s: %w", opts.ProxyAddr, err)
	}

	if opts.ProxyTLS {
		if opts.ProxyTLSConfig == nil {
			conn.Close()
			return nil, nil, fmt.Errorf("connect proxy %s: tls requested without a dialer", opts.ProxyAddr)
		}
		host, _, splitErr := net.SplitHostPort(opts.ProxyAddr)
		if splitErr != nil {
			host = opts.ProxyAddr
		}
		tlsConn, tlsErr := opts.ProxyTLSConfig(ctx, conn, host)
		if tlsErr != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("tls to proxy %s: %w", opts.ProxyAddr, tlsErr)
		}
		conn = tlsConn
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: opts.Target},
		Host:   opts.Target,
		Header: opts.ExtraHeaders,
	}
	if connectReq.Header == nil {
		connectReq.Header = http.Header{}
	}

	connectCtx, cancel := context.WithCancel(ctx)
	req := &Request{timeoutCh: make(chan struct{}), cancel: cancel}

	var timer *time.Timer
	if opts.Timeout > 0 {
		timer = time.AfterFunc(opts.Timeout, func() {
			close(req.timeoutCh)
		})
	}

	type result struct {
		resp *http.Response
		br   *bufio.Reader
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if err := connectReq.Write(conn); err != nil {
			done <- result{err: err}
			return
		}
		br := bufio.NewReader(conn)
		resp, err := http.ReadResponse(br, connectReq)
		done <- result{resp: resp, br: br, err: err}
	}()

	select {
	case <-connectCtx.Done():
		conn.Close()
		<-done // drain the goroutine so it doesn't leak
		if timer != nil {
			timer.Stop()
		}
		return nil, req, connectCtx.Err()
	case r := <-done:
		if timer != nil {
			timer.Stop()
		}
		if r.err != nil {
			conn.Close()
			return nil, req, r.err
		}
		if r.resp.StatusCode != http.StatusOK {
			conn.Close()
			_, reason, _ := strings.Cut(r.resp.Status, " ")
			return nil, req, &RefusedError{Code: r.resp.StatusCode, Message: reason}
		}
		if r.br.Buffered() > 0 {
			// The proxy sent bytes past the response head before we ever
			// wrote anything to the tunnel: out-of-protocol for CONNECT.
			// Surface it rather than silently dropping the bytes.
			conn.Close()
			return nil, req, fmt.Errorf("proxy sent %d unexpected bytes after CONNECT response", r.br.Buffered())
		}
		return conn, req, nil
	}
}
