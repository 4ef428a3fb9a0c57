// Package tap relays MQTT connections to an upstream broker and dissects
// both directions of each connection on the way through.
//
// Bytes are forwarded unchanged. Dissection runs beside the relay: a
// direction whose framing is lost, or whose dissect queue overflows, stops
// producing records but keeps forwarding.
package tap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bromq-dev/mqttscope/pkg/dissect"
	"github.com/bromq-dev/mqttscope/pkg/filter"
	"github.com/bromq-dev/mqttscope/pkg/listeners"
	"github.com/bromq-dev/mqttscope/pkg/packet"
)

// ErrNoUpstream is returned by Serve when no upstream broker is configured.
var ErrNoUpstream = errors.New("tap: no upstream configured")

// Config holds tap configuration.
type Config struct {
	// Upstream is the broker address: host:port or a tcp://, tls://,
	// ws:// or wss:// URL.
	Upstream string

	// UpstreamTLS is used for TLS upstreams.
	UpstreamTLS *tls.Config

	// DialTimeout bounds connecting to the upstream.
	DialTimeout time.Duration

	// MaxMessageSize limits one message (0 = protocol max). A larger
	// message stops dissection of that direction.
	MaxMessageSize int

	// QueueSize is the number of read chunks buffered between the relay
	// and the dissector of one direction.
	QueueSize int

	// Filter selects the records passed to sinks (nil = all).
	Filter *filter.Filter

	// Logger for tap events. If nil, uses slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DialTimeout: 10 * time.Second,
		QueueSize:   256,
	}
}

// Tap is a dissecting MQTT relay.
type Tap struct {
	config *Config
	sinks  *Sinks
	states *dissect.Registry
	log    *slog.Logger

	mu        sync.Mutex
	listeners []listeners.Listener
	conns     map[dissect.ConnID]net.Conn
	closing   bool

	seq atomic.Uint64

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a tap with the given configuration.
func New(config *Config) *Tap {
	if config == nil {
		config = DefaultConfig()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Tap{
		config: config,
		sinks:  NewSinks(),
		states: dissect.NewRegistry(),
		log:    log,
		conns:  make(map[dissect.ConnID]net.Conn),
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddSink registers a sink for decoded records.
func (t *Tap) AddSink(sink Sink) {
	t.sinks.Register(sink)
}

// Sinks returns the sink registry.
func (t *Tap) Sinks() *Sinks {
	return t.sinks
}

// States returns the per-connection state registry.
func (t *Tap) States() *dissect.Registry {
	return t.states
}

// AddListener adds a client-facing listener. It starts accepting on Serve.
func (t *Tap) AddListener(l listeners.Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Serve starts the sinks and every listener, and blocks until a listener
// fails or the tap is shut down.
func (t *Tap) Serve() error {
	if t.config.Upstream == "" {
		return ErrNoUpstream
	}
	if err := t.sinks.Start(t.ctx); err != nil {
		return err
	}

	t.mu.Lock()
	ls := append([]listeners.Listener(nil), t.listeners...)
	t.mu.Unlock()

	errc := make(chan error, len(ls))
	for _, l := range ls {
		go func(l listeners.Listener) {
			if err := l.Serve(t); err != nil {
				errc <- fmt.Errorf("listener %s: %w", l.ID(), err)
			}
		}(l)
	}

	select {
	case err := <-errc:
		return err
	case <-t.ctx.Done():
		return nil
	}
}

// HandleConnection relays a client connection to the upstream broker.
// It returns immediately.
func (t *Tap) HandleConnection(conn net.Conn) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.relay(conn)
	}()
}

func (t *Tap) newConnID(conn net.Conn) dissect.ConnID {
	return dissect.ConnID(fmt.Sprintf("%s#%d", conn.RemoteAddr(), t.seq.Add(1)))
}

func (t *Tap) relay(client net.Conn) {
	id := t.newConnID(client)
	log := t.log.With("conn", id)

	upstream, err := listeners.Dial(t.ctx, listeners.DialConfig{
		Address:   t.config.Upstream,
		TLSConfig: t.config.UpstreamTLS,
		Timeout:   t.config.DialTimeout,
	})
	if err != nil {
		log.Warn("upstream dial failed", "upstream", t.config.Upstream, "error", err)
		client.Close()
		return
	}

	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		upstream.Close()
		client.Close()
		return
	}
	t.conns[id] = client
	t.mu.Unlock()

	log.Debug("connection opened", "remote_addr", client.RemoteAddr().String(), "upstream", t.config.Upstream)

	st := t.states.GetOrCreate(id)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.forward(id, ClientToServer, client, upstream, st, log)
		// Unblock the other direction.
		upstream.Close()
		client.Close()
	}()
	go func() {
		defer wg.Done()
		t.forward(id, ServerToClient, upstream, client, st, log)
		upstream.Close()
		client.Close()
	}()
	wg.Wait()

	t.mu.Lock()
	delete(t.conns, id)
	t.mu.Unlock()

	t.states.Remove(id)
	t.sinks.OnConnectionClosed(t.ctx, id)
	log.Debug("connection closed")
}

// forward copies src to dst and feeds the same bytes to a dissector.
func (t *Tap) forward(id dissect.ConnID, dir Direction, src, dst net.Conn, st *dissect.State, log *slog.Logger) {
	chunks := make(chan []byte, t.config.QueueSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.dissect(id, dir, st, chunks, log)
	}()

	dissecting := true
	stop := func() {
		if dissecting {
			dissecting = false
			close(chunks)
		}
	}
	defer func() {
		stop()
		<-done
	}()

	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			if dissecting {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				default:
					log.Warn("dissect queue full, dissection stopped", "direction", dir)
					stop()
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (t *Tap) dissect(id dissect.ConnID, dir Direction, st *dissect.State, chunks <-chan []byte, log *slog.Logger) {
	asm := dissect.NewAssembler(st, &dissect.AssemblerConfig{MaxMessageSize: t.config.MaxMessageSize})

	for chunk := range chunks {
		if asm.Err() != nil {
			continue
		}
		asm.Write(chunk)

		for {
			msg, err := asm.Next()
			if err != nil {
				if !errors.Is(err, packet.ErrIncomplete) {
					log.Warn("framing lost, dissection stopped", "direction", dir, "offset", asm.Offset(), "error", err)
				}
				break
			}
			t.emit(t.ctx, id, dir, msg)
		}
	}
}

// emit passes msg to the sinks if the filter selects it.
func (t *Tap) emit(ctx context.Context, id dissect.ConnID, dir Direction, msg *dissect.Message) {
	if !t.config.Filter.Match(msg) {
		return
	}
	t.sinks.OnRecord(ctx, &Record{
		Conn:      id,
		Direction: dir,
		Time:      time.Now(),
		Message:   msg,
	})
}

// Process dissects a captured byte stream of one direction, emitting
// records under id. It returns nil at a clean end of stream, and the
// stream error otherwise; records decoded before the error are emitted.
func (t *Tap) Process(ctx context.Context, id dissect.ConnID, dir Direction, r io.Reader) error {
	st := t.states.GetOrCreate(id)
	defer func() {
		t.states.Remove(id)
		t.sinks.OnConnectionClosed(ctx, id)
	}()

	s := dissect.NewStream(r, st, &dissect.AssemblerConfig{MaxMessageSize: t.config.MaxMessageSize})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := s.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		t.emit(ctx, id, dir, msg)
	}
}

// Connections returns the number of connections being relayed.
func (t *Tap) Connections() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Shutdown closes the listeners and every relayed connection, waits for
// the relays to finish, then closes the sinks.
func (t *Tap) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closing = true
	for _, l := range t.listeners {
		l.Close()
	}
	for _, conn := range t.conns {
		conn.Close()
	}
	t.mu.Unlock()

	// Cancel only after the relays have unwound so that sinks still get
	// their OnConnectionClosed calls with a live context.
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	t.cancel()

	if cerr := t.sinks.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
