package gemini

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRequest(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		path    string
		wantErr error
	}{
		{"crlf", "gemini://example.org/post/1\r\n", "/post/1", nil},
		{"bare lf", "gemini://example.org/about\n", "/about", nil},
		{"empty path", "gemini://example.org\r\n", "/", nil},
		{"no scheme", "//example.org/x\r\n", "/x", nil},
		{"wrong scheme", "https://example.org/\r\n", "", ErrMalformedRequest},
		{"empty line", "\r\n", "", ErrMalformedRequest},
		{"no terminator", "gemini://example.org/", "", ErrMalformedRequest},
		{"too long", "gemini://example.org/" + strings.Repeat("a", MaxRequestLength) + "\r\n", "", ErrRequestTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ReadRequest(bufio.NewReader(strings.NewReader(tt.input)))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.path, req.URL.Path)
			assert.Equal(t, "gemini", req.URL.Scheme)
		})
	}
}

func TestReadRequestAtLimit(t *testing.T) {
	raw := "gemini://example.org/"
	raw += strings.Repeat("a", MaxRequestLength-len(raw))
	require.Len(t, raw, MaxRequestLength)

	req, err := ReadRequest(bufio.NewReader(strings.NewReader(raw + "\r\n")))
	require.NoError(t, err)
	assert.Equal(t, MaxRequestLength-len("gemini://example.org"), len(req.URL.Path))
}

func TestRequestQuery(t *testing.T) {
	tests := []struct {
		url      string
		query    string
		hasQuery bool
	}{
		{"gemini://h/search", "", false},
		{"gemini://h/search?", "", true},
		{"gemini://h/search?hello%20world", "hello world", true},
		{"gemini://h/search?c++", "c++", true},
		{"gemini://h/register?%40alice", "@alice", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			req, err := NewRequest(tt.url)
			require.NoError(t, err)
			q, err := req.Query()
			require.NoError(t, err)
			assert.Equal(t, tt.query, q)
			assert.Equal(t, tt.hasQuery, req.HasQuery())
		})
	}
}

func TestRequestQueryBadEncoding(t *testing.T) {
	req, err := NewRequest("gemini://h/search?%zz")
	if err != nil {
		// url.Parse may already refuse the escape
		assert.ErrorIs(t, err, ErrMalformedRequest)
		return
	}
	_, err = req.Query()
	assert.ErrorIs(t, err, ErrMalformedRequest)
}

func TestRequestWithoutCertificate(t *testing.T) {
	req, err := NewRequest("gemini://h/")
	require.NoError(t, err)
	assert.Nil(t, req.PeerCertificate())
	assert.NotNil(t, req.Context())
	assert.Empty(t, req.Param("post_id"))
}
