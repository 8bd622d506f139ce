package forward

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Server is a forward-protocol input: it accepts TCP connections and runs
// each one as a Conn with its own Decoder.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration
	connOpts        []Option

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
	conns       map[*Conn]struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server. Connections use it
// too unless their own LoggerOption says otherwise.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server waits up to this duration
// before closing the listener. Default is 0 (immediate shutdown).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerConnOptions sets the options every accepted connection is built
// with. OnEventOption is required.
func ServerConnOptions(opt ...Option) ServerOption {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opt...)
	}
}

// New creates a server bound to addr.
// Returns ErrInvalidOnEvent when the connection options lack an event handler.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	s := &Server{
		logger:      slog.Default(),
		shutdownNow: make(chan struct{}),
		conns:       make(map[*Conn]struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if o := newOptions(s.connOpts); o.onEvent == nil {
		return nil, ErrInvalidOnEvent
	}
	// Prepended so an explicit LoggerOption in connOpts still wins.
	s.connOpts = append([]Option{LoggerOption(s.logger)}, s.connOpts...)

	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, err
	}
	s.listener = listener

	return s, nil
}

// Serve accepts connections until the context is canceled or an
// unrecoverable error occurs. Each connection runs until its peer goes away
// or the context is canceled; Serve returns after all of them stopped.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	go func() {
		<-ctx.Done()

		// Wait for shutdown timeout if configured, but allow early exit via Close()
		if s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
			select {
			case <-time.After(s.shutdownTimeout):
			case <-s.shutdownNow:
				s.logger.Debug("shutdown timeout bypassed via Close()")
			}
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	var group errgroup.Group
	defer func() {
		_ = group.Wait()
	}()

	for {
		tcpConn, err := s.listener.AcceptTCP()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				return ctx.Err()
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err.Error())
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", tcpConn.RemoteAddr())
		_ = tcpConn.SetNoDelay(true)

		conn, err := NewConn(tcpConn, s.connOpts...)
		if err != nil {
			_ = tcpConn.Close()
			return err
		}
		s.track(conn)
		group.Go(func() error {
			defer s.untrack(conn)
			if err := conn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Debug("connection ended", "remote_addr", conn.Addr(), "error", err.Error())
			}
			return nil
		})
	}
}

// Close stops the server by closing the listener and every live connection.
// If a shutdown timeout is configured, Close() bypasses the remaining timeout.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	// Signal to bypass any pending shutdown timeout
	select {
	case s.shutdownNow <- struct{}{}:
	default:
	}

	for _, c := range conns {
		_ = c.Close()
	}
	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// ConnCount returns the number of live connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}
