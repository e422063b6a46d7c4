// Package client talks to a running rocketcaster: gemini requests over TLS
// and the gRPC health service on the admin port.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"rocketcaster/pkg/auth"
	"rocketcaster/pkg/gemini"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

const (
	DefaultPort    = "1965"
	DefaultTimeout = 10 * time.Second
)

var ErrMalformedHeader = errors.New("malformed response header")

// Client sends gemini requests, presenting a client certificate when one is
// configured.
type Client struct {
	TLSConfig *tls.Config
	Timeout   time.Duration
}

// New loads the optional client key pair. Empty paths make an anonymous client.
func New(certPath, keyPath string) (*Client, error) {
	cfg, err := auth.BuildClientConfig(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	return &Client{TLSConfig: cfg, Timeout: DefaultTimeout}, nil
}

// Response is a parsed gemini response. Body is empty unless Status is 2x.
type Response struct {
	Status  gemini.Status
	Meta    string
	Body    io.ReadCloser
	Elapsed time.Duration
}

// Fetch requests rawURL. The caller closes Body.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "gemini" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), DefaultPort)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	start := time.Now()
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config:    c.tlsConfig(u.Hostname()),
	}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", host, err)
	}
	conn.SetDeadline(time.Now().Add(timeout))

	if _, err := io.WriteString(conn, u.String()+"\r\n"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	br := bufio.NewReader(conn)
	status, meta, err := readHeader(br)
	if err != nil {
		conn.Close()
		return nil, err
	}

	resp := &Response{
		Status:  status,
		Meta:    meta,
		Elapsed: time.Since(start),
		Body:    io.NopCloser(strings.NewReader("")),
	}
	if status.Class() == 2 {
		// transfers can outlast the request timeout
		conn.SetDeadline(time.Time{})
		resp.Body = &body{Reader: br, conn: conn}
	} else {
		conn.Close()
	}
	return resp, nil
}

func (c *Client) tlsConfig(serverName string) *tls.Config {
	var cfg *tls.Config
	if c.TLSConfig != nil {
		cfg = c.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	return cfg
}

func readHeader(br *bufio.Reader) (gemini.Status, string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) > gemini.MaxMetaLength+3 {
		return 0, "", fmt.Errorf("%w: header too long", ErrMalformedHeader)
	}

	code, meta, _ := strings.Cut(line, " ")
	if len(code) != 2 {
		return 0, "", fmt.Errorf("%w: %q", ErrMalformedHeader, line)
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %q", ErrMalformedHeader, line)
	}
	return gemini.Status(n), meta, nil
}

type body struct {
	*bufio.Reader
	conn net.Conn
}

func (b *body) Close() error {
	return b.conn.Close()
}

// CheckHealth asks the gRPC health service at target for service's status.
func CheckHealth(ctx context.Context, target, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to dial %s: %w", target, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check failed: %w", err)
	}
	return resp.Status, nil
}
