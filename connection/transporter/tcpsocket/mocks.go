package tcpsocket

import (
	"net"
	"sync"

	"github.com/medwire/hl7link/logger"
)

// MockMllpServer is a loopback TCP listener that records everything it
// reads and echoes it straight back, standing in for a remote HL7
// interface in tests.
type MockMllpServer struct {
	logger   *logger.Logger
	listener net.Listener

	Addr          string
	ReceivedBytes chan []byte

	mu    sync.Mutex
	conns []net.Conn
}

func NewMockMllpServer(logger *logger.Logger) (*MockMllpServer, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	server := &MockMllpServer{
		logger:        logger,
		listener:      listener,
		Addr:          listener.Addr().String(),
		ReceivedBytes: make(chan []byte, 50),
	}

	go server.accept()

	return server, nil
}

func (s *MockMllpServer) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		go s.serve(conn)
	}
}

func (s *MockMllpServer) serve(conn net.Conn) {
	buffer := make([]byte, 4096)
	for {
		n, err := conn.Read(buffer)
		if n > 0 {
			received := make([]byte, n)
			copy(received, buffer[:n])
			s.ReceivedBytes <- received

			if _, err := conn.Write(received); err != nil {
				s.logger.Errorf("mock server failed to echo: %s", err)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *MockMllpServer) Shutdown() {
	s.listener.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
}
