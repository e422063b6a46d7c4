package gemini

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrServerClosed = errors.New("gemini: server closed")

// ResponseObserver is notified once per completed request.
type ResponseObserver func(r *Request, status Status, bytes int64, elapsed time.Duration)

type Server struct {
	Addr        string
	Handler     Handler
	TLSConfig   *tls.Config
	ReadTimeout time.Duration
	Logger      *zap.Logger
	OnResponse  ResponseObserver

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(addr string, tlsConfig *tls.Config, handler Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		Addr:        addr,
		Handler:     handler,
		TLSConfig:   tlsConfig,
		ReadTimeout: 30 * time.Second,
		Logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Server) ListenAndServe() error {
	if s.TLSConfig == nil {
		return fmt.Errorf("gemini requires a TLS configuration")
	}

	listener, err := tls.Listen("tcp", s.Addr, s.TLSConfig)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Addr, err)
	}

	return s.Serve(listener)
}

// Serve accepts connections on l, handling each on its own goroutine.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	s.Logger.Info("Gemini server listening", zap.String("address", l.Addr().String()))

	var tempDelay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				s.Logger.Warn("Accept error, retrying", zap.Error(err), zap.Duration("retry_in", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		tempDelay = 0

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// ListenerAddr returns the listener address once Serve has started.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Shutdown stops accepting connections and waits for in-flight requests.
// When ctx expires first, outstanding request contexts are cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return err
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	start := time.Now()
	requestID := uuid.NewString()
	logger := s.Logger.With(
		zap.String("request_id", requestID),
		zap.String("remote_addr", conn.RemoteAddr().String()))

	if s.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	}

	var state *tls.ConnectionState
	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(s.ctx); err != nil {
			logger.Debug("TLS handshake failed", zap.Error(err))
			return
		}
		cs := tlsConn.ConnectionState()
		state = &cs
	}

	resp := newConnResponse(conn)
	defer resp.Flush()

	req, err := ReadRequest(bufio.NewReaderSize(conn, MaxRequestLength+2))
	if err != nil {
		logger.Debug("Bad request", zap.Error(err))
		resp.WriteHeader(StatusBadRequest, "Bad request")
		return
	}
	conn.SetReadDeadline(time.Time{})

	req.ID = requestID
	req.RemoteAddr = conn.RemoteAddr().String()
	req.TLS = state

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	req = req.WithContext(ctx)

	defer func() {
		if p := recover(); p != nil {
			logger.Error("Handler panic",
				zap.String("path", req.URL.Path),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			resp.WriteHeader(StatusTemporaryFailure, "Internal error")
		}
		if !resp.wroteHeader {
			resp.WriteHeader(StatusTemporaryFailure, "No response")
		}

		elapsed := time.Since(start)
		logger.Info("Request",
			zap.String("path", req.URL.Path),
			zap.Int("status", int(resp.status)),
			zap.Int64("bytes", resp.written),
			zap.Duration("duration", elapsed))
		if s.OnResponse != nil {
			s.OnResponse(req, resp.status, resp.written, elapsed)
		}
	}()

	s.Handler.ServeGemini(resp, req)
}
