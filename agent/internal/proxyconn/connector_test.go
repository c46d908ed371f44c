package proxyconn_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/coresible/go-connect-agent/agent/internal/proxyconn"
	"github.com/coresible/go-connect-agent/internal/testutil"
)

func TestConnectSucceedsAndRecordsTarget(t *testing.T) {
	c := qt.New(t)

	proxy, err := testutil.Start()
	c.Assert(err, qt.IsNil)
	defer proxy.Close()

	conn, req, err := proxyconn.Connect(context.Background(), proxyconn.Options{
		ProxyAddr: proxy.Addr(),
		Target:    "www.example.com:1234",
	})
	c.Assert(err, qt.IsNil)
	c.Assert(req, qt.IsNotNil)
	defer conn.Close()

	c.Assert(proxy.ConnectTargets(), qt.DeepEquals, []string{"www.example.com:1234"})
}

func TestConnectRefusedSurfacesReasonAndCode(t *testing.T) {
	c := qt.New(t)

	proxy, err := testutil.Start()
	c.Assert(err, qt.IsNil)
	defer proxy.Close()
	proxy.Status = http.StatusInternalServerError

	_, _, err = proxyconn.Connect(context.Background(), proxyconn.Options{
		ProxyAddr: proxy.Addr(),
		Target:    "www.example.com:443",
	})
	c.Assert(err, qt.ErrorMatches, "Internal Server Error")

	var refused *proxyconn.RefusedError
	c.Assert(errors.As(err, &refused), qt.IsTrue)
	c.Assert(refused.Code, qt.Equals, http.StatusInternalServerError)
}

func TestConnectTimeoutNotifiesWithoutAborting(t *testing.T) {
	c := qt.New(t)

	proxy, err := testutil.Start()
	c.Assert(err, qt.IsNil)
	defer proxy.Close()
	proxy.Delay = 50 * time.Millisecond

	conn, req, err := proxyconn.Connect(context.Background(), proxyconn.Options{
		ProxyAddr: proxy.Addr(),
		Target:    "www.example.com:443",
		Timeout:   20 * time.Millisecond,
	})

	select {
	case <-req.Timeout():
	case <-time.After(time.Second):
		c.Fatal("timeout notification never fired")
	}

	// the connector itself did not abort: the slow response still arrives.
	c.Assert(err, qt.IsNil)
	c.Assert(conn, qt.IsNotNil)
	conn.Close()
}

func TestAbortDuringHangingConnectReturnsError(t *testing.T) {
	c := qt.New(t)

	proxy, err := testutil.Start()
	c.Assert(err, qt.IsNil)
	defer proxy.Close()
	proxy.Hang = 1

	resultCh := make(chan error, 1)
	var req *proxyconn.Request
	go func() {
		_, r, connErr := proxyconn.Connect(context.Background(), proxyconn.Options{
			ProxyAddr: proxy.Addr(),
			Target:    "www.example.com:443",
		})
		req = r
		resultCh <- connErr
	}()

	time.Sleep(20 * time.Millisecond)
	c.Assert(req, qt.IsNotNil)
	req.Abort()

	select {
	case err := <-resultCh:
		c.Assert(err, qt.IsNotNil)
	case <-time.After(time.Second):
		c.Fatal("abort did not unblock Connect")
	}
}

func TestConnectTransportErrorSurfacesImmediately(t *testing.T) {
	c := qt.New(t)

	_, _, err := proxyconn.Connect(context.Background(), proxyconn.Options{
		ProxyAddr: "127.0.0.1:1", // nothing listens here
		Target:    "www.example.com:443",
		Timeout:   time.Second,
	})
	c.Assert(err, qt.IsNotNil)
}
