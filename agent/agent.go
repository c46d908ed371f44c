// Package agent is the public entry point: the AgentFacade an HTTPS client
// calls to obtain a connection tunneled through an upstream HTTP proxy,
// with the CONNECT exchange and TLS handshake happening in the background.
package agent

import (
	"context"
	"net/http"
	"time"

	"github.com/coresible/go-connect-agent/agent/internal/tunnel"
	"github.com/coresible/go-connect-agent/internal/helper"
	"github.com/coresible/go-connect-agent/version"
)

// Version reports the build version of this module.
const Version = version.Version

// ConnectOptions are the per-request options recognized by CreateConnection.
// Zero Timeout means no CONNECT-phase timeout.
type ConnectOptions struct {
	Host     string
	Hostname string
	Port     string

	// Timeout bounds only the CONNECT response wait.
	Timeout time.Duration
	// OnTimeout, if set, is invoked (without aborting anything) if Timeout
	// elapses before a CONNECT response arrives.
	OnTimeout func()

	ServerName string
	NextProtos []string
}

// Agent is the AgentFacade: one Agent is constructed per proxy + TLS
// configuration and is shared by every connection an HTTPS client pools
// through it.
type Agent struct {
	proxyConfig ProxyConfig
	factory     *tunnel.Factory
	insecure    bool
	nextProtos  []string
}

// New constructs an Agent from Config.
func New(cfg Config) *Agent {
	return &Agent{
		proxyConfig: cfg.Proxy,
		factory:     tunnel.New(cfg.MaxTunnels, cfg.SessionCacheCapacity),
		insecure:    cfg.InsecureSkipVerify,
		nextProtos:  cfg.NextProtos,
	}
}

// CreateConnection returns a Stream immediately; the CONNECT exchange and TLS handshake behind it
// continue asynchronously.
func (a *Agent) CreateConnection(ctx context.Context, opts ConnectOptions) *Stream {
	req := tunnel.Request{
		ProxyAddr:          a.proxyConfig.Addr,
		ProxyTLS:           a.proxyConfig.TLS,
		Hostname:           opts.Hostname,
		Host:               opts.Host,
		Port:               opts.Port,
		ServerName:         serverName(opts),
		InsecureSkipVerify: a.insecure,
		NextProtos:         firstNonEmpty(opts.NextProtos, a.nextProtos),
		ExtraHeaders:       cloneHeader(a.proxyConfig.ExtraHeaders),
		ConnectTimeout:     opts.Timeout,
		OnTimeout:          opts.OnTimeout,
	}
	return a.factory.Open(ctx, req)
}

// GetName returns the composed pool key: the origin identity concatenated
// with the proxy identity, so two agents using different proxies never
// collide in a shared HTTPS client pool.
func (a *Agent) GetName(opts ConnectOptions) string {
	origin := helper.CanonicalAddr(opts.Hostname, opts.Host, opts.Port)
	return origin + "|" + a.proxyConfig.Addr
}

// Active returns the number of tunnels currently occupying the admission
// cap, for monitoring.
func (a *Agent) Active() int32 { return a.factory.Active() }

// Close releases anything this Agent holds open; it is currently a no-op
// since Factory owns no long-lived handles beyond its in-process caches.
func (a *Agent) Close() error { return nil }

func serverName(opts ConnectOptions) string {
	if opts.ServerName != "" {
		return opts.ServerName
	}
	if opts.Hostname != "" {
		return opts.Hostname
	}
	return opts.Host
}

func firstNonEmpty(a, b []string) []string {
	if len(a) > 0 {
		return a
	}
	return b
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	return h.Clone()
}
