package agent

import "net/http"

// ProxyConfig describes the upstream HTTP proxy every connection tunnels
// through.
type ProxyConfig struct {
	Addr string
	// TLS dials the proxy itself over TLS before issuing CONNECT.
	TLS bool
	// ExtraHeaders is forwarded into every CONNECT request verbatim.
	ExtraHeaders http.Header
}

// Config holds the agent's settings.
type Config struct {
	Proxy ProxyConfig

	// MaxTunnels caps concurrently admitted tunnels; <= 0 means unbounded.
	MaxTunnels int
	// SessionCacheCapacity bounds the number of origins whose TLS session
	// state is remembered; <= 0 uses sessioncache's default.
	SessionCacheCapacity int

	InsecureSkipVerify bool
	NextProtos         []string
}
