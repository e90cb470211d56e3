package simulator

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Server exposes a Medium over TCP. Every accepted connection becomes a
// station, numbered in connection order.
type Server struct {
	address  string
	medium   *Medium
	listener net.Listener
	wg       sync.WaitGroup
	stopChan chan struct{}
	log      *slog.Logger
}

// NewServer creates a new TCP server
func NewServer(address string, medium *Medium) *Server {
	return &Server{
		address:  address,
		medium:   medium,
		stopChan: make(chan struct{}),
		log:      medium.log,
	}
}

// Start starts the TCP server
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.listener = listener

	s.log.Info("simulator listening", "address", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// Stop stops accepting, then disconnects every station.
func (s *Server) Stop() error {
	close(s.stopChan)
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			return err
		}
	}
	s.wg.Wait()
	return s.medium.Close()
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
				s.log.Warn("failed to accept connection", "error", err)
				continue
			}
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}

		st, err := s.medium.Attach(conn)
		if err != nil {
			s.log.Warn("rejecting connection", "remote", conn.RemoteAddr().String(), "error", err)
			conn.Close()
			continue
		}
		s.log.Debug("connection attached", "remote", conn.RemoteAddr().String(), "station", st.Name)
	}
}
