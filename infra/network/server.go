package network

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/phuhao00/pandarpc/infra/protocol"
)

// FrameHandler processes one inbound frame and returns the frame to write
// back, or nil when no reply should be sent. remoteAddr is the peer's
// address as seen by the listener.
type FrameHandler func(frame *protocol.Frame, remoteAddr string) *protocol.Frame

// Server accepts framed TCP connections and hands each decoded frame to its
// handler. Each connection runs in its own goroutine; writes on a connection
// are serialized.
type Server struct {
	handler      FrameHandler
	maxFrameSize uint32

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
}

// NewServer builds a server around a frame handler. maxFrameSize of 0 means
// the protocol default.
func NewServer(handler FrameHandler, maxFrameSize uint32) *Server {
	return &Server{
		handler:      handler,
		maxFrameSize: maxFrameSize,
		conns:        make(map[net.Conn]struct{}),
	}
}

// Listen starts accepting on address. It blocks until the listener closes.
func (s *Server) Listen(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return s.Serve(listener)
}

// Serve accepts connections from an existing listener, which lets tests and
// callers bind to a dynamic port first.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return net.ErrClosed
	}
	s.listener = listener
	s.mu.Unlock()
	logrus.Infof("rpc server listening on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logrus.Infof("rpc server listener on %s closed", listener.Addr())
				return nil
			}
			var opErr *net.OpError
			if errors.As(err, &opErr) && !opErr.Temporary() {
				return fmt.Errorf("accept failed permanently: %w", err)
			}
			logrus.Warnf("failed to accept connection: %v", err)
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConnection(conn)
	}
}

// Addr returns the bound listener address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// handleConnection reads frames until EOF or a protocol violation, which
// closes the connection.
func (s *Server) handleConnection(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	var writeMu sync.Mutex
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		logrus.Debugf("closed connection from %s", remote)
	}()

	for {
		frame, err := protocol.DecodeFrame(conn, s.maxFrameSize)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if errors.Is(err, protocol.ErrProtocol) ||
				errors.Is(err, protocol.ErrUnsupportedVersion) ||
				errors.Is(err, protocol.ErrFrameTooLarge) {
				// Protocol violations are unrecoverable for the stream.
				logrus.Warnf("protocol violation from %s: %v", remote, err)
				return
			}
			logrus.Debugf("read from %s ended: %v", remote, err)
			return
		}
		if frame.Type == protocol.MessageTypeHeartbeat {
			// Echo heartbeats back unchanged.
			reply := *frame
			go s.writeFrame(conn, &writeMu, &reply, remote)
			continue
		}
		go func(f *protocol.Frame) {
			reply := s.handler(f, remote)
			if reply == nil {
				return
			}
			s.writeFrame(conn, &writeMu, reply, remote)
		}(frame)
	}
}

func (s *Server) writeFrame(conn net.Conn, writeMu *sync.Mutex, frame *protocol.Frame, remote string) {
	data, err := protocol.EncodeFrame(frame)
	if err != nil {
		logrus.Errorf("failed to encode reply for %s: %v", remote, err)
		return
	}
	writeMu.Lock()
	_, err = conn.Write(data)
	writeMu.Unlock()
	if err != nil {
		logrus.Warnf("failed to write reply to %s: %v", remote, err)
		conn.Close()
	}
}

// Close stops the listener and every open connection. Idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	return err
}
