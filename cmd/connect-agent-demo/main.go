// Command connect-agent-demo fetches one URL through an upstream HTTP
// CONNECT proxy using agent.Agent, printing the response status and a
// snippet of the body. It exists to exercise the library end to end the
// same way a real HTTPS client would.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/coresible/go-connect-agent/agent"
)

type config struct {
	url                string
	proxyAddr          string
	proxyTLS           bool
	insecureSkipVerify bool
	maxTunnels         int
	connectTimeout     time.Duration
	debug              bool
}

func loadConfig() config {
	var c config
	flag.StringVar(&c.url, "url", "", "URL to fetch through the proxy")
	flag.StringVar(&c.proxyAddr, "proxy", "", "upstream proxy host:port")
	flag.BoolVar(&c.proxyTLS, "proxy-tls", false, "connect to the proxy itself over TLS")
	flag.BoolVar(&c.insecureSkipVerify, "insecure-skip-verify", false, "skip origin TLS certificate verification")
	flag.IntVar(&c.maxTunnels, "max-tunnels", 0, "maximum concurrent tunnels (0 = unbounded)")
	flag.DurationVar(&c.connectTimeout, "connect-timeout", 10*time.Second, "timeout for the CONNECT response")
	flag.BoolVar(&c.debug, "debug", false, "enable debug logging")
	flag.Parse()
	return c
}

func main() {
	cfg := loadConfig()

	level := slog.LevelInfo
	if cfg.debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if cfg.url == "" || cfg.proxyAddr == "" {
		slog.Error("both -url and -proxy are required")
		os.Exit(1)
	}

	target, err := url.Parse(cfg.url)
	if err != nil {
		slog.Error("invalid url", "error", err)
		os.Exit(1)
	}
	host := target.Hostname()
	port := target.Port()
	if port == "" {
		port = "443"
	}

	a := agent.New(agent.Config{
		Proxy: agent.ProxyConfig{
			Addr: cfg.proxyAddr,
			TLS:  cfg.proxyTLS,
		},
		MaxTunnels:         cfg.maxTunnels,
		InsecureSkipVerify: cfg.insecureSkipVerify,
	})

	client := &http.Client{
		Transport: &http.Transport{
			DialTLSContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				stream := a.CreateConnection(ctx, agent.ConnectOptions{
					Host:    host,
					Port:    port,
					Timeout: cfg.connectTimeout,
				})
				return stream, nil
			},
			ForceAttemptHTTP2: true,
		},
	}

	req, err := http.NewRequest(http.MethodGet, cfg.url, nil)
	if err != nil {
		slog.Error("failed to build request", "error", err)
		os.Exit(1)
	}

	resp, err := client.Do(req)
	if err != nil {
		slog.Error("request failed", "error", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil {
		slog.Error("failed to read response body", "error", err)
		os.Exit(1)
	}

	fmt.Printf("status: %s\npool key: %s\nbody: %s\n", resp.Status, a.GetName(agent.ConnectOptions{Host: host, Port: port}), body)
}
