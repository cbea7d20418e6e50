// Package server owns the TCP listener and the per-connection read loop.
// Each accepted connection gets its own goroutine and its own session; the
// session never leaves that goroutine, so no locking is needed around it.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"onlib/internal/dispatch"
	"onlib/internal/protocol"
)

// Greeting is written to every client right after accept, before any request.
const Greeting = "Successful starting, OnLib is working!" + protocol.LineEnding

// MaxLineBytes bounds a single request line. CSV imports arrive as one
// escaped argument, so the limit is generous.
const MaxLineBytes = 4 * 1024 * 1024

const writeTimeout = 30 * time.Second

// Server accepts client connections and feeds their requests to the dispatcher
type Server struct {
	addr       string
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool

	wg sync.WaitGroup
}

// New creates a server that will listen on addr once Run is called
func New(addr string, dispatcher *dispatch.Dispatcher, logger *zap.Logger) *Server {
	return &Server{addr: addr, dispatcher: dispatcher, logger: logger}
}

// Run listens and serves until ctx is cancelled or Shutdown is called.
// It blocks for the lifetime of the listener.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Server listening", zap.String("addr", listener.Addr().String()))

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("Accept failed", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}

	s.wg.Wait()
	return nil
}

// Shutdown stops accepting new connections. In-flight connections are
// allowed to finish their current request; Run returns once they do.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
}

// Addr returns the bound listen address, or "" before Run has bound it.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sess := dispatch.NewSession()
	remote := conn.RemoteAddr().String()
	s.logger.Info("Client connected",
		zap.String("session_id", sess.ID),
		zap.String("remote", remote),
	)

	if !s.write(conn, sess, Greeting) {
		return
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), MaxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		response := s.handle(ctx, sess, line)
		if !s.write(conn, sess, response) {
			return
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("Connection read error",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
	}
	s.logger.Info("Client disconnected", zap.String("session_id", sess.ID))
}

// handle parses and dispatches one request line. A panicking handler must
// not take the whole process down, only fail the request.
func (s *Server) handle(ctx context.Context, sess *dispatch.Session, line string) (response string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic while handling request",
				zap.String("session_id", sess.ID),
				zap.Any("panic", r),
			)
			response = protocol.Error("Server error")
		}
	}()

	req := protocol.ParseRequest(line)
	return s.dispatcher.Handle(ctx, req, sess)
}

func (s *Server) write(conn net.Conn, sess *dispatch.Session, data string) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write([]byte(data)); err != nil {
		s.logger.Warn("Connection write error",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
		return false
	}
	return true
}
