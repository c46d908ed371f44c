package tunnel_test

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net/http"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/coresible/go-connect-agent/agent/internal/surrogate"
	"github.com/coresible/go-connect-agent/agent/internal/tunnel"
	"github.com/coresible/go-connect-agent/internal/testutil"
)

func selfSignedOriginTLS(c *qt.C, name string) *tls.Config {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	c.Assert(err, qt.IsNil)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{name},
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	c.Assert(err, qt.IsNil)

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

func TestOpenEndToEndRoundTripsThroughTunnel(t *testing.T) {
	c := qt.New(t)

	proxy, err := testutil.Start()
	c.Assert(err, qt.IsNil)
	defer proxy.Close()
	proxy.OriginTLS = selfSignedOriginTLS(c, "origin.test")

	f := tunnel.New(0, 0)
	stream := f.Open(context.Background(), tunnel.Request{
		ProxyAddr:          proxy.Addr(),
		Host:               "origin.test",
		Port:               "443",
		InsecureSkipVerify: true,
	})
	defer stream.Close()

	req, err := http.NewRequest(http.MethodGet, "https://origin.test/", nil)
	c.Assert(err, qt.IsNil)
	c.Assert(req.Write(stream), qt.IsNil)

	resp, err := http.ReadResponse(bufio.NewReader(stream), req)
	c.Assert(err, qt.IsNil)
	body, err := io.ReadAll(resp.Body)
	c.Assert(err, qt.IsNil)
	c.Assert(string(body), qt.Equals, "Success")

	c.Assert(proxy.ConnectTargets(), qt.DeepEquals, []string{"origin.test:443"})
}

func TestOpenWithProxyTLSHandshakesToTheProxyItself(t *testing.T) {
	c := qt.New(t)

	proxy, err := testutil.Start()
	c.Assert(err, qt.IsNil)
	defer proxy.Close()
	proxy.ProxyTLS = selfSignedOriginTLS(c, "proxy.test")
	proxy.OriginTLS = selfSignedOriginTLS(c, "origin.test")

	f := tunnel.New(0, 0)
	stream := f.Open(context.Background(), tunnel.Request{
		ProxyAddr:          proxy.Addr(),
		ProxyTLS:           true,
		InsecureSkipVerify: true,
		Host:               "origin.test",
		Port:               "443",
	})
	defer stream.Close()

	req, err := http.NewRequest(http.MethodGet, "https://origin.test/", nil)
	c.Assert(err, qt.IsNil)
	c.Assert(req.Write(stream), qt.IsNil)

	resp, err := http.ReadResponse(bufio.NewReader(stream), req)
	c.Assert(err, qt.IsNil)
	body, err := io.ReadAll(resp.Body)
	c.Assert(err, qt.IsNil)
	c.Assert(string(body), qt.Equals, "Success")
}

func TestSessionCacheEvictedWhenTunnelClosesWithMidUseError(t *testing.T) {
	c := qt.New(t)

	proxy, err := testutil.Start()
	c.Assert(err, qt.IsNil)
	defer proxy.Close()
	proxy.OriginTLS = selfSignedOriginTLS(c, "origin.test")

	f := tunnel.New(0, 0)
	req := tunnel.Request{
		ProxyAddr:          proxy.Addr(),
		Host:               "origin.test",
		Port:               "443",
		InsecureSkipVerify: true,
	}

	stream := f.Open(context.Background(), req)
	httpReq, err := http.NewRequest(http.MethodGet, "https://origin.test/", nil)
	c.Assert(err, qt.IsNil)
	c.Assert(httpReq.Write(stream), qt.IsNil)
	_, err = http.ReadResponse(bufio.NewReader(stream), httpReq)
	c.Assert(err, qt.IsNil)

	// A TLS 1.3 server sends session tickets asynchronously right after the
	// handshake; give it a moment to land in the cache before forcing an
	// I/O error on the established stream.
	deadline := time.Now().Add(time.Second)
	for f.CachedSessions() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	c.Assert(f.CachedSessions(), qt.Equals, 1, qt.Commentf("test origin should have cached a ticket before the error"))

	// Force a real transport error (not a clean EOF) on the next Read.
	c.Assert(stream.SetReadDeadline(time.Now().Add(10*time.Millisecond)), qt.IsNil)
	_, err = stream.Read(make([]byte, 1))
	c.Assert(err, qt.IsNotNil)
	c.Assert(stream.Close(), qt.IsNil)

	c.Assert(f.CachedSessions(), qt.Equals, 0, qt.Commentf("a tunnel closing with an I/O error must evict its origin's cached ticket"))
}

func TestOpenFailsStreamOnProxyRefusal(t *testing.T) {
	c := qt.New(t)

	proxy, err := testutil.Start()
	c.Assert(err, qt.IsNil)
	defer proxy.Close()
	proxy.Status = http.StatusForbidden

	f := tunnel.New(0, 0)
	stream := f.Open(context.Background(), tunnel.Request{
		ProxyAddr: proxy.Addr(),
		Host:      "origin.test",
		Port:      "443",
	})

	_, err = stream.Read(make([]byte, 1))
	c.Assert(err, qt.IsNotNil)
	c.Assert(stream.State(), qt.Equals, surrogate.Failed)
}

func TestOpenRespectsAdmissionCap(t *testing.T) {
	c := qt.New(t)

	proxy, err := testutil.Start()
	c.Assert(err, qt.IsNil)
	defer proxy.Close()
	proxy.Hang = 1

	f := tunnel.New(1, 0)

	s1 := f.Open(context.Background(), tunnel.Request{ProxyAddr: proxy.Addr(), Host: "a.test", Port: "443"})
	defer s1.Close()

	time.Sleep(20 * time.Millisecond)
	c.Assert(f.Active(), qt.Equals, int32(1))

	s2 := f.Open(context.Background(), tunnel.Request{ProxyAddr: proxy.Addr(), Host: "b.test", Port: "443"})
	defer s2.Close()

	time.Sleep(20 * time.Millisecond)
	c.Assert(f.Queued(), qt.Equals, 1)
	c.Assert(f.Active(), qt.Equals, int32(1))
}
