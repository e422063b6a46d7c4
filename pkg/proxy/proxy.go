// Package proxy streams remote episode audio to gemini clients.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"rocketcaster/pkg/utils"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxSize                = 200 * utils.MegaByte
	DefaultProbeTimeout           = 10 * time.Second
	DefaultMaxConcurrentTransfers = 16

	ReasonDownload = "error downloading episode"
	ReasonTooLarge = "file size too large"
)

// ProxyError is a failure reported to the client as 43 PROXY ERROR.
type ProxyError struct {
	Reason string
	Err    error
}

func (e *ProxyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}

// Hooks observe transfers. Any of them may be nil. Finished runs once for
// every Started, after the stream ended or the transfer failed.
type Hooks struct {
	Started  func()
	Failed   func(reason string)
	Streamed func(bytes int64)
	Finished func()
}

type Options struct {
	MaxSize                int64
	ProbeTimeout           time.Duration
	MaxConcurrentTransfers int64
	UserAgent              string
	Hooks                  Hooks
}

func DefaultOptions() Options {
	return Options{
		MaxSize:                DefaultMaxSize,
		ProbeTimeout:           DefaultProbeTimeout,
		MaxConcurrentTransfers: DefaultMaxConcurrentTransfers,
		UserAgent:              "rocketcaster",
	}
}

// Streamer fetches remote files on worker goroutines so a slow transfer never
// holds up the request that started it or any other.
type Streamer struct {
	client  *http.Client
	opts    Options
	workers *semaphore.Weighted
	logger  *zap.Logger
}

func NewStreamer(client *http.Client, opts Options, logger *zap.Logger) *Streamer {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.MaxConcurrentTransfers <= 0 {
		opts.MaxConcurrentTransfers = DefaultMaxConcurrentTransfers
	}

	return &Streamer{
		client:  client,
		opts:    opts,
		workers: semaphore.NewWeighted(opts.MaxConcurrentTransfers),
		logger:  logger,
	}
}

// Result is a transfer that passed the probe. Body must be closed.
type Result struct {
	ContentType string
	// Length is the declared length, or -1 when the origin did not send one
	Length int64
	Body   io.ReadCloser
}

// Transfer is a fetch in progress.
type Transfer struct {
	done   chan struct{}
	result *Result
	err    error
}

// Await blocks until the transfer has a body ready or has failed, or ctx ends.
// When ctx ends first, a body that arrives later is closed so the worker
// can release its slot.
func (t *Transfer) Await(ctx context.Context) (*Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		go t.discard()
		return nil, ctx.Err()
	}
}

func (t *Transfer) discard() {
	<-t.done
	if t.result != nil {
		t.result.Body.Close()
	}
}

func (t *Transfer) resolve(result *Result, err error) {
	t.result = result
	t.err = err
	close(t.done)
}

// Fetch starts fetching url and returns immediately. The body is only
// requested after a HEAD probe succeeded and declared no more than MaxSize
// bytes. Cancelling ctx aborts the transfer.
func (s *Streamer) Fetch(ctx context.Context, url string) *Transfer {
	t := &Transfer{done: make(chan struct{})}
	go s.run(ctx, url, t)
	return t
}

func (s *Streamer) fail(t *Transfer, url, reason string, err error) {
	s.logger.Warn("Proxy transfer failed",
		zap.String("url", url),
		zap.String("reason", reason),
		zap.Error(err))
	if s.opts.Hooks.Failed != nil {
		s.opts.Hooks.Failed(reason)
	}
	t.resolve(nil, &ProxyError{Reason: reason, Err: err})
}

func (s *Streamer) run(ctx context.Context, url string, t *Transfer) {
	if err := s.workers.Acquire(ctx, 1); err != nil {
		t.resolve(nil, err)
		return
	}
	defer s.workers.Release(1)

	if s.opts.Hooks.Started != nil {
		s.opts.Hooks.Started()
	}
	if s.opts.Hooks.Finished != nil {
		defer s.opts.Hooks.Finished()
	}

	length, err := s.probe(ctx, url)
	if err != nil {
		s.fail(t, url, ReasonDownload, err)
		return
	}
	if length > s.opts.MaxSize {
		s.fail(t, url, ReasonTooLarge, fmt.Errorf("declared %s exceeds %s",
			utils.FormatDataSize(length), utils.FormatDataSize(s.opts.MaxSize)))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		s.fail(t, url, ReasonDownload, err)
		return
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		s.fail(t, url, ReasonDownload, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.fail(t, url, ReasonDownload, fmt.Errorf("unexpected status %s", resp.Status))
		return
	}
	if resp.ContentLength > s.opts.MaxSize {
		s.fail(t, url, ReasonTooLarge, fmt.Errorf("response declared %d bytes", resp.ContentLength))
		return
	}

	pr, pw := io.Pipe()
	t.resolve(&Result{
		ContentType: contentType(resp.Header),
		Length:      resp.ContentLength,
		Body:        pr,
	}, nil)

	n, err := s.copyCapped(pw, resp.Body)
	if s.opts.Hooks.Streamed != nil {
		s.opts.Hooks.Streamed(n)
	}
	if err != nil {
		s.logger.Warn("Proxy stream interrupted",
			zap.String("url", url),
			zap.Int64("bytes", n),
			zap.Error(err))
		if s.opts.Hooks.Failed != nil {
			s.opts.Hooks.Failed(reasonFor(err))
		}
	}
	pw.CloseWithError(err)
}

func reasonFor(err error) string {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ReasonDownload
}

// copyCapped copies at most MaxSize bytes and fails when the origin sends
// more, whatever it declared.
func (s *Streamer) copyCapped(dst io.Writer, src io.Reader) (int64, error) {
	n, err := io.Copy(dst, io.LimitReader(src, s.opts.MaxSize))
	if err != nil {
		return n, err
	}

	var probe [1]byte
	if m, _ := src.Read(probe[:]); m > 0 {
		return n, &ProxyError{Reason: ReasonTooLarge, Err: fmt.Errorf("body exceeded %d bytes", s.opts.MaxSize)}
	}
	return n, nil
}

// probe issues a HEAD request and returns the declared length, -1 if none.
func (s *Streamer) probe(ctx context.Context, url string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("probe returned %s", resp.Status)
	}
	return resp.ContentLength, nil
}

func (s *Streamer) setHeaders(req *http.Request) {
	if s.opts.UserAgent != "" {
		req.Header.Set("User-Agent", s.opts.UserAgent)
	}
}

func contentType(h http.Header) string {
	if ct := h.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
