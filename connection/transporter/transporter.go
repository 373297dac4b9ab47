package transporter

import (
	"context"
)

// Transporter is the raw socket primitive underneath a connection. It
// delivers whatever chunks the network hands it -- a chunk may hold a
// partial frame or several frames -- and has no knowledge of MLLP
// framing.
type Transporter interface {
	Done() <-chan struct{}
	Err() error
	Inbound() <-chan *[]byte
	Dial(ctx context.Context, address string) error
	Send(chunk []byte) error
	Close(reason error)
}
