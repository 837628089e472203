// Package transport provides the socket connections the pool multiplexes subscriptions onto.
package transport

import (
	"context"
	"errors"
)

var (
	ErrNotConnected   = errors.New("transport: not connected")
	ErrSendBufferFull = errors.New("transport: send buffer full")
	ErrClosed         = errors.New("transport: closed")
)

// EventKind enumerates connection lifecycle notifications.
type EventKind int

const (
	EventConnecting EventKind = iota
	EventConnected
	EventDisconnected
	EventClosing
	EventClosed
	EventError
	EventMessage
)

var kindNames = [...]string{
	EventConnecting:   "connecting",
	EventConnected:    "connected",
	EventDisconnected: "disconnected",
	EventClosing:      "closing",
	EventClosed:       "closed",
	EventError:        "error",
	EventMessage:      "message",
}

func (k EventKind) String() string {
	if int(k) >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Event is delivered to a connection's Handler. Data is set for EventMessage, Err for
// EventError and optionally EventDisconnected.
type Event struct {
	Kind EventKind
	Err  error
	Data []byte
}

// Handler receives connection events on the connection's own goroutines.
type Handler func(Event)

// Conn is one persistent socket.
//
// Connect blocks until the first session is established or ctx is done. After a dropped
// session the implementation reconnects on its own and emits connected again. Close is
// terminal and returns after EventClosed was emitted.
type Conn interface {
	Connect(ctx context.Context) error
	Close() error
	Send(data []byte) error
	IsConnected() bool
}

// Factory builds an unconnected Conn for url that reports to h.
type Factory func(url string, h Handler) Conn
