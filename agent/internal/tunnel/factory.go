// Package tunnel orchestrates one end-to-end connection: admission control,
// the CONNECT exchange, the TLS handshake to the real origin, and attaching
// the result to a surrogate.Stream.
package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/coresible/go-connect-agent/agent/internal/admission"
	"github.com/coresible/go-connect-agent/agent/internal/proxyconn"
	"github.com/coresible/go-connect-agent/agent/internal/sessioncache"
	"github.com/coresible/go-connect-agent/agent/internal/surrogate"
	"github.com/coresible/go-connect-agent/internal/helper"
)

var normalErrMsgs = []string{
	"read: connection reset by peer",
	"write: broken pipe",
	"i/o timeout",
	"use of closed network connection",
	"EOF",
}

// logErr logs err at Debug if it looks like an ordinary teardown, Error
// otherwise.
func logErr(logger *slog.Logger, msg string, err error) {
	text := err.Error()
	for _, s := range normalErrMsgs {
		if strings.Contains(text, s) {
			logger.Debug(msg, "error", err)
			return
		}
	}
	logger.Error(msg, "error", err)
}

// Request describes one connection to establish.
type Request struct {
	// ProxyAddr is "host:port" of the upstream HTTP proxy.
	ProxyAddr string
	// ProxyTLS dials the proxy itself over TLS before issuing CONNECT.
	ProxyTLS bool

	// Host and Port name the real origin; Hostname, if set, overrides Host
	// as the CONNECT target, and the default ServerName is the host part of
	// that same target.
	Hostname string
	Host     string
	Port     string

	ServerName string
	// InsecureSkipVerify applies to both the origin handshake and, when
	// ProxyTLS is set, the handshake against the proxy itself.
	InsecureSkipVerify bool
	NextProtos         []string

	// ConnectTimeout bounds only the wait for the CONNECT status line.
	ConnectTimeout time.Duration
	ExtraHeaders   http.Header

	// OnTimeout, if set, is invoked (without aborting anything) if
	// ConnectTimeout elapses before a CONNECT response arrives.
	OnTimeout func()
}

// Factory creates tunneled connections under a shared admission cap and TLS
// session ticket cache.
type Factory struct {
	queue  *admission.Queue
	cache  *sessioncache.Cache
	logger *slog.Logger
	dialer func(ctx context.Context, network, addr string) (net.Conn, error)
}

// SetDialer overrides how the proxy TCP connection is opened; nil restores
// the default net.Dialer. Exposed for tests that need a deterministic
// transport.
func (f *Factory) SetDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) {
	f.dialer = dial
}

// New builds a Factory. maxTunnels <= 0 means unbounded concurrency;
// cacheCapacity <= 0 uses sessioncache's default.
func New(maxTunnels, cacheCapacity int) *Factory {
	return &Factory{
		queue:  admission.New(maxTunnels),
		cache:  sessioncache.New(cacheCapacity),
		logger: slog.With("in", "tunnel.Factory"),
	}
}

// Active returns the number of tunnels currently occupying the admission
// cap.
func (f *Factory) Active() int32 { return f.queue.Active() }

// Queued returns the number of requests waiting for admission.
func (f *Factory) Queued() int { return f.queue.Queued() }

// CachedSessions returns the number of origins with a cached TLS session
// ticket, for monitoring and tests.
func (f *Factory) CachedSessions() int { return f.cache.Len() }

// Open returns a surrogate.Stream immediately (Pending), then asynchronously
// waits for admission, performs the CONNECT exchange, runs the TLS
// handshake to the origin, and attaches the real conn — or fails the
// stream — exactly once.
func (f *Factory) Open(ctx context.Context, req Request) *surrogate.Stream {
	stream := surrogate.New()
	target := helper.CanonicalAddr(req.Hostname, req.Host, req.Port)
	logger := f.logger.With("tunnel", stream.ID, "target", target)

	waiterID := uuid.NewV4().String()
	start := func() { f.establish(ctx, stream, req, target, logger) }

	if f.queue.Admit(admission.Waiter{ID: waiterID, Label: target, Start: start}) {
		go start()
	} else {
		logger.Debug("tunnel queued for admission", "queue", f.queue.Snapshot())
	}

	stream.OnClose(func(hadError bool) {
		// a stream closed while still queued never held a slot: drop its
		// waiter instead of giving back a slot it never claimed.
		if !f.queue.Cancel(waiterID) {
			f.queue.Release()
		}
		if hadError {
			// a stream that closes with an error — whether during
			// establishment or later, mid-use — can't vouch for the TLS
			// session state cached under its origin; force the next
			// attempt to negotiate a fresh one.
			f.cache.Evict(target)
		}
	})
	return stream
}

func (f *Factory) establish(ctx context.Context, stream *surrogate.Stream, req Request, target string, logger *slog.Logger) {
	if stream.State() == surrogate.Closed {
		// the caller destroyed the stream while it was still queued: never
		// starts, never occupies a slot.
		return
	}

	connCtx := ctx
	opts := proxyconn.Options{
		ProxyAddr:    req.ProxyAddr,
		ProxyTLS:     req.ProxyTLS,
		Target:       target,
		Timeout:      req.ConnectTimeout,
		ExtraHeaders: req.ExtraHeaders,
		Dial:         f.dialer,
	}
	if req.ProxyTLS {
		opts.ProxyTLSConfig = proxyTLSDialer(req.InsecureSkipVerify)
	}

	tunnelConn, connReq, err := proxyconn.Connect(connCtx, opts)
	if connReq != nil && req.OnTimeout != nil {
		go func() {
			select {
			case <-connReq.Timeout():
				req.OnTimeout()
			case <-ctx.Done():
			}
		}()
	}
	if err != nil {
		logErr(logger, "connect failed", err)
		stream.Fail(err)
		return
	}

	serverName := req.ServerName
	if serverName == "" {
		host, _, splitErr := net.SplitHostPort(target)
		if splitErr == nil {
			serverName = host
		} else {
			serverName = target
		}
	}

	originKey := target
	tlsConn, err := f.handshake(ctx, tunnelConn, serverName, originKey, req)
	if err != nil {
		// no need to evict here: stream.Fail below closes the stream with
		// hadError=true, and Open's OnClose hook evicts originKey for us.
		logErr(logger, "tls handshake failed", err)
		stream.Fail(err)
		return
	}

	if !stream.Attach(tlsConn) {
		// a caller-initiated destroy raced the handshake: don't leak the
		// socket we just finished negotiating.
		tlsConn.Close()
	}
}

func (f *Factory) handshake(ctx context.Context, conn net.Conn, serverName, originKey string, req Request) (*tls.Conn, error) {
	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: req.InsecureSkipVerify,
		NextProtos:         req.NextProtos,
		KeyLogWriter:       tlsKeyLogWriter(),
		ClientSessionCache: newClientSessionCache(f.cache, originKey),
	}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake to %s: %w", serverName, err)
	}
	return tlsConn, nil
}

// proxyTLSDialer performs a standard TLS handshake against the proxy
// itself, for ProxyConfig.TLS (https proxies) — the same tls.Client +
// HandshakeContext shape used against the real origin above.
func proxyTLSDialer(insecureSkipVerify bool) proxyconn.TLSDialer {
	return func(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error) {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: insecureSkipVerify,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake to proxy %s: %w", serverName, err)
		}
		return tlsConn, nil
	}
}

var (
	tlsKeyLogFile io.Writer
	tlsKeyLogOnce sync.Once
)

// tlsKeyLogWriter opens the file named by SSLKEYLOGFILE, if set, so a
// packet capture tool can decrypt the handshake for debugging. Opened once
// and reused for every handshake this process performs.
func tlsKeyLogWriter() io.Writer {
	tlsKeyLogOnce.Do(func() {
		logfile := os.Getenv("SSLKEYLOGFILE")
		if logfile == "" {
			return
		}
		f, err := os.OpenFile(logfile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			slog.Debug("open SSLKEYLOGFILE failed", "error", err)
			return
		}
		tlsKeyLogFile = f
	})
	return tlsKeyLogFile
}
