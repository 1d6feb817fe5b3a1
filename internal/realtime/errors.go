package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrSubscriptionClosed is returned by Subscription.Next once the
	// subscription or its hub has been closed.
	ErrSubscriptionClosed = errors.New("subscription closed")

	// ErrTooManyMalformedFrames ends a connection that sent too many
	// consecutive frames that failed to decode.
	ErrTooManyMalformedFrames = errors.New("too many consecutive malformed frames")
)

// TransportError is a read or write failure on one client connection. It only
// ever ends that connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// FrameDecodeError is an inbound frame that is not a well-formed envelope.
type FrameDecodeError struct {
	Err error
}

func (e *FrameDecodeError) Error() string { return "malformed frame: " + e.Err.Error() }
func (e *FrameDecodeError) Unwrap() error { return e.Err }
