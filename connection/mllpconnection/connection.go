/*
This package covers the MLLP connection: a single logical transport
session against one HL7 peer. It frames outgoing messages, feeds
incoming chunks through its own stream parser, and implements the
fixed-delay connect retry policy.

Layers of the connection architecture:
1. Transporter
2. Connection Manager <- this is us
3. Pool

See connection/connection.go for more information
*/
package mllpconnection

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/medwire/hl7link/config"
	"github.com/medwire/hl7link/connection"
	"github.com/medwire/hl7link/connection/transporter"
	"github.com/medwire/hl7link/logger"
	"github.com/medwire/hl7link/metric"
	"github.com/medwire/hl7link/mllp"
)

type MLLPConnection struct {
	logger *logger.Logger
	config config.Configuration

	// This is our underlying socket where we send and receive raw bytes
	client transporter.Transporter

	// Reassembles complete messages from the client's inbound chunks.
	// Private to this connection; exclusivity of Receive is guaranteed
	// by the single-owner rule, not by locking.
	parser *mllp.StreamParser

	metrics *metric.Metrics

	// Recycling metadata consumed by the pool
	id           string
	createdAt    time.Time
	requestCount int64

	state int32

	// Injected so tests can swap in a zero-delay policy
	newBackOff func() backoff.BackOff
}

type Option func(*MLLPConnection)

// WithBackOffFactory overrides the connect retry policy. The default
// is a fixed delay of RetryDelay, retried MaxRetryAttempts times.
func WithBackOffFactory(factory func() backoff.BackOff) Option {
	return func(m *MLLPConnection) {
		m.newBackOff = factory
	}
}

func WithMetrics(metrics *metric.Metrics) Option {
	return func(m *MLLPConnection) {
		m.metrics = metrics
	}
}

func New(logger *logger.Logger, cfg config.Configuration, client transporter.Transporter, opts ...Option) *MLLPConnection {
	conn := &MLLPConnection{
		logger:    logger,
		config:    cfg,
		client:    client,
		parser:    mllp.NewStreamParser(cfg.MaxMessageSize),
		id:        uuid.New().String(),
		createdAt: time.Now(),
		newBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.RetryDelay), cfg.MaxRetryAttempts)
		},
	}

	for _, opt := range opts {
		opt(conn)
	}

	return conn
}

// Connect dials the peer within ConnectionTimeout per attempt,
// retrying with a fixed delay until the retry budget is exhausted.
// Failures within the budget are transparent to the caller; the
// terminal error is a ConnectionFailedError and leaves the connection
// in the failed state.
func (m *MLLPConnection) Connect(ctx context.Context) error {
	switch m.State() {
	case connection.Connected:
		return nil
	case connection.Closed:
		return fmt.Errorf("cannot connect a closed connection")
	}

	m.setState(connection.Connecting)

	address := m.config.Address()
	var attempts uint64
	operation := func() error {
		attempts++
		m.metrics.CountConnectAttempt()

		dialCtx, cancel := context.WithTimeout(ctx, m.config.ConnectionTimeout)
		defer cancel()

		if err := m.client.Dial(dialCtx, address); err != nil {
			m.metrics.CountConnectFailure()
			m.logger.Errorf("failed to dial %s: %s", address, err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(m.newBackOff(), ctx)); err != nil {
		m.setState(connection.Failed)
		return &connection.ConnectionFailedError{
			Address:  address,
			Attempts: attempts,
			Err:      err,
		}
	}

	// Any bytes buffered from a previous session belong to no frame
	// the new peer will complete
	m.parser.Reset()

	m.setState(connection.Connected)
	m.logger.Infof("Connected to %s", address)
	return nil
}

// Send frames the message and writes it to the socket. The framed size
// must not exceed MaxMessageSize.
func (m *MLLPConnection) Send(message string) error {
	if m.State() == connection.Failed && m.config.AutoReconnect {
		m.logger.Infof("Connection previously failed, reconnecting before send")
		if err := m.Connect(context.Background()); err != nil {
			return err
		}
	}

	if state := m.State(); state != connection.Connected {
		return &connection.NotConnectedError{State: state}
	}

	framed := mllp.FrameString(message)
	if len(framed) > m.config.MaxMessageSize {
		return mllp.NewError(mllp.ErrCodeFrameTooLarge, fmt.Sprintf("framed message of %d bytes exceeds maximum message size of %d bytes", len(framed), m.config.MaxMessageSize))
	}

	if err := m.client.Send(framed); err != nil {
		m.setState(connection.Failed)
		return &connection.SocketError{Op: "send", Err: err}
	}

	atomic.AddInt64(&m.requestCount, 1)
	m.metrics.CountMessage(metric.DirectionOutbound, len(framed))
	return nil
}

// Receive blocks until the stream parser yields a complete message or
// ResponseTimeout elapses. The peer is free to split the response
// across any number of TCP segments.
//
// A timeout leaves the connection in the failed state: the response
// may still arrive later and would corrupt the next exchange if the
// connection were reused.
func (m *MLLPConnection) Receive() (string, error) {
	if state := m.State(); state != connection.Connected {
		return "", &connection.NotConnectedError{State: state}
	}

	timeout := time.NewTimer(m.config.ResponseTimeout)
	defer timeout.Stop()

	for {
		message, ok, err := m.parser.NextMessage()
		if err != nil {
			m.setState(connection.Failed)
			return "", err
		}
		if ok {
			m.metrics.CountMessage(metric.DirectionInbound, len(message)+mllp.FrameOverhead)
			return message, nil
		}

		select {
		case chunk := <-m.client.Inbound():
			m.parser.Append(*chunk)
		case <-m.client.Done():
			// Peers routinely respond and then close in one breath, so
			// the complete response may already be queued on the inbound
			// channel when we notice the transport is gone. Drain it
			// before giving up; the transport is still dead either way.
			m.drainInbound()
			m.setState(connection.Failed)

			message, ok, err := m.parser.NextMessage()
			if err != nil {
				return "", err
			}
			if ok {
				m.metrics.CountMessage(metric.DirectionInbound, len(message)+mllp.FrameOverhead)
				return message, nil
			}

			reason := m.client.Err()
			if reason == nil {
				reason = errors.New("transport closed")
			}
			return "", &connection.SocketError{Op: "receive", Err: reason}
		case <-timeout.C:
			m.setState(connection.Failed)
			return "", &connection.TimeoutError{Op: "receive", Budget: m.config.ResponseTimeout}
		}
	}
}

// drainInbound consumes every chunk the transporter already delivered
// without blocking for more.
func (m *MLLPConnection) drainInbound() {
	for {
		select {
		case chunk := <-m.client.Inbound():
			m.parser.Append(*chunk)
		default:
			return
		}
	}
}

// Close releases the socket. Closing twice is a no-op.
func (m *MLLPConnection) Close(reason error) {
	if m.State() == connection.Closed {
		return
	}
	if reason == nil {
		reason = errors.New("connection closed")
	}

	m.logger.Infof("Connection closing because: %s", reason)
	m.client.Close(reason)
	m.setState(connection.Closed)
}

func (m *MLLPConnection) ID() string {
	return m.id
}

func (m *MLLPConnection) Age() time.Duration {
	return time.Since(m.createdAt)
}

func (m *MLLPConnection) RequestCount() int {
	return int(atomic.LoadInt64(&m.requestCount))
}

var states = []connection.State{
	connection.Idle,
	connection.Connecting,
	connection.Connected,
	connection.Failed,
	connection.Closed,
}

func (m *MLLPConnection) State() connection.State {
	return states[atomic.LoadInt32(&m.state)]
}

func (m *MLLPConnection) setState(state connection.State) {
	for i, s := range states {
		if s == state {
			atomic.StoreInt32(&m.state, int32(i))
			return
		}
	}
}
