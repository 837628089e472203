package venue

import (
	"context"
	"sync"
)

// Ack acknowledges a subscribe intent. Accepted reports whether a new subscription was
// recorded. Done closes once the wire request was handed to the transport or abandoned; Err
// then tells which.
type Ack struct {
	accepted bool
	done     chan struct{}
	once     sync.Once
	err      error
}

// NewAck returns a pending acknowledgment.
func NewAck(accepted bool) *Ack {
	return &Ack{accepted: accepted, done: make(chan struct{})}
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Rejected is the acknowledgment of a call that recorded nothing new.
func Rejected() *Ack {
	return &Ack{done: closedCh}
}

// Failed is an unaccepted acknowledgment carrying err.
func Failed(err error) *Ack {
	return &Ack{done: closedCh, err: err}
}

// Accepted reports whether a new subscription was recorded.
func (a *Ack) Accepted() bool { return a.accepted }

// Done is closed once the request was handed to the transport or abandoned.
func (a *Ack) Done() <-chan struct{} { return a.done }

// Err is meaningful once Done is closed.
func (a *Ack) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Wait blocks until delivery resolves or ctx is done.
func (a *Ack) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolve settles the acknowledgment. Only the first call has an effect.
func (a *Ack) Resolve(err error) {
	a.once.Do(func() {
		if a.done == closedCh {
			return
		}
		a.err = err
		close(a.done)
	})
}
