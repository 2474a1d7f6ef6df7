// Package control implements the daemon's local control plane: a
// unix-domain socket speaking the proto wire format, one request per
// connection.
package control

import (
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vireo/runnerd/errors"
	"github.com/vireo/runnerd/proto"
)

// connTimeout bounds how long a single request/response exchange may take
const connTimeout = 30 * time.Second

// Handler dispatches one decoded control request. Implemented by the daemon.
type Handler interface {
	Handle(method string, params map[string]interface{}) (interface{}, error)
}

// Server listens on a local socket and serves one request per accepted
// connection, one goroutine per connection. All state mutation funnels into
// the handler's own lock, so accept concurrency is unbounded here.
type Server struct {
	socketPath string
	handler    Handler
	logger     *zap.SugaredLogger

	ln     net.Listener
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewServer creates a control server; Start must be called to listen
func NewServer(socketPath string, handler Handler, logger *zap.SugaredLogger) *Server {
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		logger:     logger,
	}
}

// Start binds the socket and begins accepting connections. A stale socket
// file from a previous run is removed first; the live socket is restricted
// to the owning user.
func (s *Server) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove stale socket")
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.socketPath)
	}

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return errors.Wrap(err, "restrict socket permissions")
	}

	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Infow("Control server listening", "socket", s.socketPath)
	return nil
}

// Stop closes the listener and waits for in-flight handlers
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
	os.Remove(s.socketPath)
	s.logger.Infow("Control server stopped")
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.isClosed() {
				return
			}
			s.logger.Warnw("Control accept failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn serves exactly one request. Protocol errors never reach the
// daemon: malformed input is answered at this boundary.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connTimeout))

	record, err := proto.ReadRecord(conn)
	if err != nil {
		s.writeResponse(conn, proto.ErrResponse(err))
		return
	}

	req, err := proto.DecodeRequest(record)
	if err != nil {
		s.writeResponse(conn, proto.ErrResponse(err))
		return
	}

	result, err := s.handler.Handle(req.Method, req.Params)
	if err != nil {
		s.logger.Debugw("Control request failed", "method", req.Method, "error", err)
		s.writeResponse(conn, proto.ErrResponse(err))
		return
	}

	resp, err := proto.OkResponse(result)
	if err != nil {
		s.writeResponse(conn, proto.ErrResponse(err))
		return
	}
	s.writeResponse(conn, resp)
}

func (s *Server) writeResponse(conn net.Conn, resp *proto.Response) {
	data, err := proto.EncodeResponse(resp)
	if err != nil {
		s.logger.Errorw("Failed to encode control response", "error", err)
		return
	}
	if _, err := conn.Write(data); err != nil {
		s.logger.Debugw("Failed to write control response", "error", err)
	}
}
