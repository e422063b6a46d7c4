package gemini

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// MaxRequestLength is the longest URL a client may send, excluding CRLF.
const MaxRequestLength = 1024

var (
	ErrRequestTooLong   = errors.New("request line too long")
	ErrMalformedRequest = errors.New("malformed request")
)

type Request struct {
	URL        *url.URL
	RemoteAddr string
	TLS        *tls.ConnectionState
	// Params holds named captures from the matched route pattern
	Params map[string]string
	ID     string

	ctx context.Context
}

// NewRequest builds a request for rawURL, mostly useful in tests and clients.
func NewRequest(rawURL string) (*Request, error) {
	u, err := parseRequestURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &Request{URL: u, Params: map[string]string{}}, nil
}

// ReadRequest reads a single CRLF-terminated request line.
func ReadRequest(r *bufio.Reader) (*Request, error) {
	line := make([]byte, 0, 128)
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("%w: unexpected end of request", ErrMalformedRequest)
			}
			return nil, err
		}
		if b == '\n' {
			break
		}
		line = append(line, b)
		// allow room for the trailing CR
		if len(line) > MaxRequestLength+1 {
			return nil, ErrRequestTooLong
		}
	}

	raw := strings.TrimSuffix(string(line), "\r")
	if len(raw) > MaxRequestLength {
		return nil, ErrRequestTooLong
	}

	return NewRequest(raw)
}

func parseRequestURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty request", ErrMalformedRequest)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if u.Scheme == "" {
		u.Scheme = "gemini"
	}
	if u.Scheme != "gemini" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrMalformedRequest, u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

func (r *Request) Context() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

// WithContext returns a shallow copy of r with its context changed to ctx.
func (r *Request) WithContext(ctx context.Context) *Request {
	if ctx == nil {
		panic("nil context")
	}
	r2 := new(Request)
	*r2 = *r
	r2.ctx = ctx
	return r2
}

// Query returns the unescaped query string, the user's answer to an input prompt.
func (r *Request) Query() (string, error) {
	if r.URL.RawQuery == "" {
		return "", nil
	}
	q, err := url.PathUnescape(r.URL.RawQuery)
	if err != nil {
		return "", fmt.Errorf("%w: bad query encoding", ErrMalformedRequest)
	}
	return q, nil
}

// HasQuery reports whether the client answered an input prompt, including
// with an empty answer ("path?").
func (r *Request) HasQuery() bool {
	return r.URL.RawQuery != "" || r.URL.ForceQuery
}

func (r *Request) Param(name string) string {
	return r.Params[name]
}

// PeerCertificate returns the client certificate presented during the
// handshake, or nil when there is none.
func (r *Request) PeerCertificate() *x509.Certificate {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil
	}
	return r.TLS.PeerCertificates[0]
}
