package helper

import "net"

// CanonicalAddr returns "host:port" for an origin, preferring hostname over
// host when both are supplied, to avoid turning "host:port" into
// "host:port:port" when a caller's host already carries a port. When no
// port is given, 443 is assumed: this agent only ever tunnels to TLS
// origins.
func CanonicalAddr(hostname, host, port string) string {
	h := hostname
	if h == "" {
		h = host
	}
	if port == "" {
		port = "443"
	}
	return net.JoinHostPort(h, port)
}
