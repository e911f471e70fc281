package uds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/msageha/tempvoice/internal/logging"
)

type HandlerFunc func(req *Request) *Response

// ServerOptions bounds how long a connection may live and how many are
// served at once.
type ServerOptions struct {
	ConnTimeout time.Duration
	MaxConns    int
}

func DefaultServerOptions() ServerOptions {
	return ServerOptions{ConnTimeout: 30 * time.Second, MaxConns: 64}
}

// Server serves one request per connection.
type Server struct {
	socketPath string
	opts       ServerOptions
	listener   net.Listener
	handlers   map[string]HandlerFunc
	mu         sync.RWMutex
	slots      *semaphore.Weighted
	logger     *logging.Logger
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	stopOnce   sync.Once
}

func NewServer(socketPath string, opts ServerOptions, logger *logging.Logger) *Server {
	def := DefaultServerOptions()
	if opts.ConnTimeout <= 0 {
		opts.ConnTimeout = def.ConnTimeout
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = def.MaxConns
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: socketPath,
		opts:       opts,
		handlers:   make(map[string]HandlerFunc),
		slots:      semaphore.NewWeighted(int64(opts.MaxConns)),
		logger:     logger.With("uds"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Start binds the socket and begins accepting. A socket file left by a
// crashed daemon is replaced; callers hold the daemon file lock first.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Infof("listening socket=%s max_conns=%d", s.socketPath, s.opts.MaxConns)
	return nil
}

// Stop closes the listener and waits for in-flight connections. Idempotent.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.wg.Wait()
		_ = os.Remove(s.socketPath)
	})
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		// Hold a slot before accepting so excess clients wait in the backlog.
		if err := s.slots.Acquire(s.ctx, 1); err != nil {
			return
		}
		conn, err := s.listener.Accept()
		if err != nil {
			s.slots.Release(1)
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warnf("accept_error err=%v", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.slots.Release(1)
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("handler_panic err=%v\n%s", r, debug.Stack())
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(s.opts.ConnTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Warnf("read_request err=%v", err)
		return
	}

	resp := s.dispatch(&req)
	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Warnf("write_response command=%s err=%v", req.Command, err)
	}
}

func (s *Server) dispatch(req *Request) *Response {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.RLock()
	h, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	s.logger.Debugf("request command=%s", req.Command)
	return h(req)
}
