/*
Package connection defines the contract for a single logical MLLP
transport session.

Layers of the connection architecture:
 1. Transporter  -- raw socket bytes (connection/transporter)
 2. Connection   -- framing, retry, timeouts <- this is us
 3. Pool         -- bounded reuse of connections (pool)

A connection is exclusively owned by one caller at a time: between a
pool Acquire and Release, no other task may interleave Send/Receive
calls on it.
*/
package connection

import (
	"context"
	"time"
)

// State is the connection lifecycle:
//
//	idle -> connecting -> connected -> (closed | failed)
//
// failed may transition back to connecting when auto-reconnect is
// enabled and retry budget remains.
type State string

const (
	Idle       State = "idle"
	Connecting State = "connecting"
	Connected  State = "connected"
	Failed     State = "failed"
	Closed     State = "closed"
)

type Connection interface {
	// Connect dials the peer, performing the TLS handshake when
	// configured, retrying per the fixed-delay retry policy.
	Connect(ctx context.Context) error

	// Send frames the message and writes it to the socket.
	Send(message string) error

	// Receive blocks until a complete message arrives or the response
	// timeout elapses.
	Receive() (string, error)

	// Close releases the socket. Idempotent.
	Close(reason error)

	State() State

	// Identity and recycling metadata consumed by the pool
	ID() string
	Age() time.Duration
	RequestCount() int
}
