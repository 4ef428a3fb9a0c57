// Package listeners accepts client connections for the tap and dials the
// upstream broker those connections are relayed to.
package listeners

import (
	"errors"
	"net"
)

// ErrClosed is returned when closing a listener twice.
var ErrClosed = errors.New("listener already closed")

// ConnectionHandler handles new connections from listeners.
// HandleConnection must not block; the tap relays each connection on its
// own goroutines.
type ConnectionHandler interface {
	HandleConnection(conn net.Conn)
}

// Listener is the interface that all transport listeners implement.
type Listener interface {
	// ID returns the unique identifier for this listener.
	ID() string

	// Addr returns the bound address, or nil before Serve has bound it.
	Addr() net.Addr

	// Ready is closed once the listener is bound and accepting.
	Ready() <-chan struct{}

	// Serve binds and accepts connections, passing them to the handler.
	// It blocks until Close is called.
	Serve(handler ConnectionHandler) error

	// Close stops the listener.
	Close() error
}
