package core

import "errors"

// ErrBackpressure is returned by Push when the outbound queue is full.
var ErrBackpressure = errors.New("signal connection backpressure")

// SignalConnection abstracts the signaling transport of one connection.
// Owned by the adapter; the adapter must Close() it.
// Push never blocks: the payload is encoded and queued or dropped.
type SignalConnection interface {
	Push(event string, payload any) error
	Close()
}
