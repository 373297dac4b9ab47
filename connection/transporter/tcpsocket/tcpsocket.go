/*
The tcpsocket package establishes and ferries raw bytes across the
underlying TCP (or TLS) connection. In terms of the overall connection
layer architecture, this package is at the lowest layer, providing the
raw chunks to the MLLP stream parser for it to reassemble into
messages.
*/
package tcpsocket

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/medwire/hl7link/connection/transporter"
	"github.com/medwire/hl7link/logger"
)

const readBufferSize = 4 * 1024

// readBufferPool reuses read buffers across connections to keep GC
// pressure down on busy interfaces.
var readBufferPool = sync.Pool{
	New: func() any {
		return make([]byte, readBufferSize)
	},
}

type Opts struct {
	UseTLS bool

	// TLSSkipVerify disables certificate verification; test use only
	TLSSkipVerify bool

	// KeepAlive enables TCP keep-alive probes at the given interval;
	// zero disables them
	KeepAlive time.Duration
}

type TcpSocket struct {
	tmb    tomb.Tomb
	logger *logger.Logger
	opts   Opts

	conn net.Conn

	// Received chunks, in arrival order
	inbound chan *[]byte
}

func New(logger *logger.Logger, opts Opts) transporter.Transporter {
	return &TcpSocket{
		logger:  logger,
		opts:    opts,
		inbound: make(chan *[]byte, 200),
	}
}

func (s *TcpSocket) Close(reason error) {
	if s.tmb.Alive() {
		s.logger.Infof("Tcp socket closing because: %s", reason)

		// closing the socket unblocks the pending read
		if s.conn != nil {
			s.conn.Close()
		}

		s.tmb.Kill(reason)
		s.tmb.Wait()
	} else {
		s.logger.Infof("Close was called while in a dying state")
	}
}

func (s *TcpSocket) Done() <-chan struct{} {
	return s.tmb.Dead()
}

func (s *TcpSocket) Err() error {
	return s.tmb.Err()
}

func (s *TcpSocket) Inbound() <-chan *[]byte {
	return s.inbound
}

func (s *TcpSocket) Send(chunk []byte) error {
	if s.conn == nil {
		return errors.New("cannot send because the tcp socket is closed")
	}
	_, err := s.conn.Write(chunk)
	return err
}

// Dial connects to the peer, wrapping the socket in a TLS handshake
// when configured. The caller bounds connect plus handshake via ctx.
func (s *TcpSocket) Dial(ctx context.Context, address string) error {
	keepAlive := s.opts.KeepAlive
	if keepAlive == 0 {
		// A zero net.Dialer keep-alive means "protocol default", so
		// disable explicitly
		keepAlive = -1
	}

	dialer := &net.Dialer{
		KeepAlive: keepAlive,
	}

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}

	if s.opts.UseTLS {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			host = address
		}

		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: s.opts.TLSSkipVerify,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return err
		}
		conn = tlsConn
	}

	s.conn = conn

	// Reinitialize our variables in case this is post death
	s.tmb = tomb.Tomb{}

	s.tmb.Go(s.receive)

	return nil
}

func (s *TcpSocket) receive() error {
	defer s.logger.Infof("Tcp socket closed")
	s.logger.Infof("Tcp socket connected")

	for {
		buffer := readBufferPool.Get().([]byte)
		n, err := s.conn.Read(buffer)

		// A read may return bytes alongside an error; deliver them
		// before acting on the error
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buffer[:n])

			select {
			case s.inbound <- &chunk:
			case <-s.tmb.Dying():
				readBufferPool.Put(buffer)
				return nil
			}
		}
		readBufferPool.Put(buffer)

		if !s.tmb.Alive() {
			return nil
		} else if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("Tcp socket closed by peer")
			} else {
				s.logger.Error(err)
			}
			return err
		}
	}
}
