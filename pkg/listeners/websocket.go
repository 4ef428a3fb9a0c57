package listeners

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocol is the WebSocket subprotocol MQTT clients negotiate.
const Subprotocol = "mqtt"

// WebSocketConfig holds configuration for WebSocket listeners.
type WebSocketConfig struct {
	// TLSConfig enables TLS if set.
	TLSConfig *tls.Config

	// Path is the URL path to listen on. Default: "/mqtt".
	Path string

	// CheckOrigin is a function to validate the Origin header.
	// If nil, all origins are allowed.
	CheckOrigin func(r *http.Request) bool
}

// WebSocket accepts MQTT-over-WebSocket clients.
type WebSocket struct {
	id       string
	addr     string
	config   *WebSocketConfig
	server   *http.Server
	bound    net.Addr
	upgrader websocket.Upgrader
	handler  ConnectionHandler
	wg       sync.WaitGroup
	ready    chan struct{}
	closed   chan struct{}
	mu       sync.Mutex
}

// NewWebSocket creates a new WebSocket listener.
func NewWebSocket(id, addr string, config *WebSocketConfig) *WebSocket {
	if config == nil {
		config = &WebSocketConfig{}
	}
	if config.Path == "" {
		config.Path = "/mqtt"
	}
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	return &WebSocket{
		id:     id,
		addr:   addr,
		config: config,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			CheckOrigin:  checkOrigin,
		},
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// ID returns the listener ID.
func (w *WebSocket) ID() string {
	return w.id
}

// Addr returns the bound address, or nil if the listener hasn't started.
func (w *WebSocket) Addr() net.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bound
}

// Ready is closed once Serve has bound the socket.
func (w *WebSocket) Ready() <-chan struct{} {
	return w.ready
}

// Serve starts the HTTP server and upgrades requests on the configured path.
func (w *WebSocket) Serve(handler ConnectionHandler) error {
	mux := http.NewServeMux()
	mux.HandleFunc(w.config.Path, w.handleWebSocket)

	var ln net.Listener
	var err error

	if w.config.TLSConfig != nil {
		ln, err = tls.Listen("tcp", w.addr, w.config.TLSConfig)
	} else {
		ln, err = net.Listen("tcp", w.addr)
	}
	if err != nil {
		return err
	}

	w.mu.Lock()
	select {
	case <-w.closed:
		w.mu.Unlock()
		return ln.Close()
	default:
	}
	w.handler = handler
	w.bound = ln.Addr()
	w.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := w.server
	w.mu.Unlock()
	close(w.ready)

	w.wg.Add(1)
	defer w.wg.Done()

	err = server.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (w *WebSocket) handleWebSocket(rw http.ResponseWriter, r *http.Request) {
	select {
	case <-w.closed:
		http.Error(rw, "server closing", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}

	w.handler.HandleConnection(WrapWebSocket(ws, r.RemoteAddr))
}

// Close stops the WebSocket server.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.closed:
		return ErrClosed
	default:
		close(w.closed)
	}

	if w.server != nil {
		w.server.Close()
	}
	w.wg.Wait()
	return nil
}

// WrapWebSocket adapts a WebSocket connection to net.Conn. Each Write is
// sent as one binary message; Read concatenates binary messages into a
// byte stream, so MQTT frames may span or share WebSocket messages.
func WrapWebSocket(ws *websocket.Conn, remoteAddr string) net.Conn {
	return &wsConn{Conn: ws, remoteAddr: remoteAddr}
}

type wsConn struct {
	*websocket.Conn
	reader     io.Reader
	remoteAddr string
	rmu        sync.Mutex
	wmu        sync.Mutex
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for {
		if c.reader == nil {
			messageType, r, err := c.Conn.NextReader()
			if err != nil {
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// gorilla allows one concurrent writer.
func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.Conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) RemoteAddr() net.Addr {
	if c.remoteAddr == "" {
		return c.Conn.RemoteAddr()
	}
	return &wsAddr{addr: c.remoteAddr}
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.Conn.LocalAddr()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// wsAddr implements net.Addr for WebSocket peers.
type wsAddr struct {
	addr string
}

func (a *wsAddr) Network() string { return "websocket" }
func (a *wsAddr) String() string  { return a.addr }
