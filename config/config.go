// Package config holds the immutable parameter set shared by every
// connection in a pool. A Configuration is a plain value: construct it
// once (from Default or a YAML file), validate it, and pass it by
// value. It requires no synchronization.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/medwire/hl7link/mllp"
)

type Configuration struct {
	// Peer endpoint
	Host   string
	Port   int
	UseTLS bool

	// TLSSkipVerify disables certificate verification. Test
	// environments only.
	TLSSkipVerify bool

	// ConnectionTimeout bounds dial plus TLS handshake
	ConnectionTimeout time.Duration

	// ResponseTimeout bounds a single Receive
	ResponseTimeout time.Duration

	// Connect retry policy: fixed delay, not exponential
	MaxRetryAttempts uint64
	RetryDelay       time.Duration

	// MaxMessageSize bounds both outgoing framed messages and the
	// stream parser's buffer
	MaxMessageSize int

	// AutoReconnect lets a failed connection re-dial before its next
	// send instead of staying failed
	AutoReconnect bool

	// KeepAliveInterval enables TCP keep-alive probes on the dialed
	// socket; zero disables them
	KeepAliveInterval time.Duration

	// Pool bounds
	MaxConnections           int
	MaxRequestsPerConnection int
	ConnectionTTL            time.Duration

	// AcquireTimeout governs pool backpressure: zero fails immediately
	// with a pool-exhausted error, a positive value blocks up to that
	// long for a connection to be released.
	AcquireTimeout time.Duration
}

// DefaultPort is the IANA-registered MLLP port.
const DefaultPort = 2575

// Default returns a Configuration for the given peer with documented
// defaults for everything else.
func Default(host string, port int) Configuration {
	if port == 0 {
		port = DefaultPort
	}
	return Configuration{
		Host:                     host,
		Port:                     port,
		ConnectionTimeout:        10 * time.Second,
		ResponseTimeout:          30 * time.Second,
		MaxRetryAttempts:         3,
		RetryDelay:               time.Second,
		MaxMessageSize:           mllp.DefaultMaxMessageSize,
		KeepAliveInterval:        30 * time.Second,
		MaxConnections:           10,
		MaxRequestsPerConnection: 1000,
		ConnectionTTL:            5 * time.Minute,
	}
}

// Address returns the host:port dial string.
func (c Configuration) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Configuration) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.Port)
	}
	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connectionTimeout must be positive")
	}
	if c.ResponseTimeout <= 0 {
		return fmt.Errorf("responseTimeout must be positive")
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("maxMessageSize must be positive")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("maxConnections must be positive")
	}
	if c.RetryDelay < 0 || c.AcquireTimeout < 0 || c.KeepAliveInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}
