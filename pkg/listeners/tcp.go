package listeners

import (
	"crypto/tls"
	"net"
	"sync"
	"time"
)

// TCPConfig holds configuration for TCP listeners.
type TCPConfig struct {
	// TLSConfig enables TLS if set.
	TLSConfig *tls.Config
}

// TCP accepts plain or TLS MQTT clients.
type TCP struct {
	id       string
	addr     string
	config   *TCPConfig
	listener net.Listener
	wg       sync.WaitGroup
	ready    chan struct{}
	closed   chan struct{}
	mu       sync.Mutex
}

// NewTCP creates a new TCP listener.
// Use config.TLSConfig to terminate TLS at the tap.
func NewTCP(id, addr string, config *TCPConfig) *TCP {
	if config == nil {
		config = &TCPConfig{}
	}
	return &TCP{
		id:     id,
		addr:   addr,
		config: config,
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// ID returns the listener ID.
func (t *TCP) ID() string {
	return t.id
}

// Addr returns the bound address, or nil if the listener hasn't started.
func (t *TCP) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Ready is closed once Serve has bound the socket.
func (t *TCP) Ready() <-chan struct{} {
	return t.ready
}

// Serve binds the socket and accepts connections until Close.
func (t *TCP) Serve(handler ConnectionHandler) error {
	var l net.Listener
	var err error

	if t.config.TLSConfig != nil {
		l, err = tls.Listen("tcp", t.addr, t.config.TLSConfig)
	} else {
		l, err = net.Listen("tcp", t.addr)
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	select {
	case <-t.closed:
		t.mu.Unlock()
		return l.Close()
	default:
	}
	t.listener = l
	t.mu.Unlock()
	close(t.ready)

	t.wg.Add(1)
	defer t.wg.Done()

	var backoff time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return nil
			default:
			}
			// Transient accept error (e.g. EMFILE); back off and retry.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		handler.HandleConnection(conn)
	}
}

// Close stops accepting. Connections already handed off are not closed.
func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.closed:
		return ErrClosed
	default:
		close(t.closed)
	}

	if t.listener != nil {
		t.listener.Close()
	}
	t.wg.Wait()
	return nil
}
