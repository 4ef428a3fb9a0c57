package tap

import (
	"context"
	"errors"
	"sync"

	"github.com/bromq-dev/mqttscope/pkg/dissect"
)

// Sink receives decoded records.
//
// Sink methods are called synchronously from the connection's dissect
// goroutine. Records of one direction arrive in stream order; the two
// directions of a connection may call OnRecord concurrently.
type Sink interface {
	// ID returns a unique identifier for this sink.
	ID() string

	// OnRecord is called for every record that passes the capture filter.
	OnRecord(ctx context.Context, rec *Record)

	// OnConnectionClosed is called once both directions of a connection
	// have ended and its state has been released.
	OnConnectionClosed(ctx context.Context, conn dissect.ConnID)
}

// Starter is implemented by sinks that need setup before the first record.
type Starter interface {
	Start(ctx context.Context) error
}

// Closer is implemented by sinks that hold resources.
type Closer interface {
	Close() error
}

// Sinks manages registered sinks and fans records out to them.
type Sinks struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewSinks creates an empty sink registry.
func NewSinks() *Sinks {
	return &Sinks{}
}

// Register adds a sink.
func (s *Sinks) Register(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Len returns the number of registered sinks.
func (s *Sinks) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sinks)
}

func (s *Sinks) snapshot() []Sink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sinks
}

// Start starts every sink implementing Starter, in registration order.
// It stops at the first failure.
func (s *Sinks) Start(ctx context.Context) error {
	for _, sink := range s.snapshot() {
		if st, ok := sink.(Starter); ok {
			if err := st.Start(ctx); err != nil {
				return &SinkError{ID: sink.ID(), Err: err}
			}
		}
	}
	return nil
}

// OnRecord hands rec to every sink.
func (s *Sinks) OnRecord(ctx context.Context, rec *Record) {
	for _, sink := range s.snapshot() {
		sink.OnRecord(ctx, rec)
	}
}

// OnConnectionClosed notifies every sink that conn has ended.
func (s *Sinks) OnConnectionClosed(ctx context.Context, conn dissect.ConnID) {
	for _, sink := range s.snapshot() {
		sink.OnConnectionClosed(ctx, conn)
	}
}

// Close closes every sink implementing Closer and joins their errors.
func (s *Sinks) Close() error {
	var errs []error
	for _, sink := range s.snapshot() {
		if c, ok := sink.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, &SinkError{ID: sink.ID(), Err: err})
			}
		}
	}
	return errors.Join(errs...)
}

// SinkError attributes an error to a sink.
type SinkError struct {
	ID  string
	Err error
}

func (e *SinkError) Error() string {
	return "sink " + e.ID + ": " + e.Err.Error()
}

func (e *SinkError) Unwrap() error {
	return e.Err
}
