package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bromq-dev/mqttscope/pkg/dissect"
	"github.com/bromq-dev/mqttscope/pkg/tap"
	"github.com/gorilla/websocket"
)

// FeedConfig configures the WebSocket live feed.
type FeedConfig struct {
	// Addr is the HTTP listen address. Empty means the feed is only
	// reachable through Handler.
	Addr string

	// Path is the URL path viewers connect to (default: "/feed").
	Path string

	// BufferSize is the number of pending messages per viewer before the
	// viewer is dropped (default: 256).
	BufferSize int

	// WithFrame includes the raw message bytes in each envelope.
	WithFrame bool

	// Logger for viewer events. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Feed broadcasts records as JSON text messages to WebSocket viewers.
// Viewers that fall behind are disconnected rather than slowing the tap.
type Feed struct {
	config   *FeedConfig
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.Mutex
	viewers map[*viewer]struct{}
	server  *http.Server
	addr    net.Addr
}

type viewer struct {
	conn *websocket.Conn
	send chan []byte
}

// feedEvent is sent when a connection ends.
type feedEvent struct {
	Event string `json:"event"`
	Conn  string `json:"conn"`
}

// NewFeed creates a live feed sink.
func NewFeed(cfg *FeedConfig) *Feed {
	if cfg == nil {
		cfg = &FeedConfig{}
	}
	if cfg.Path == "" {
		cfg.Path = "/feed"
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Feed{
		config: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:     cfg.Logger,
		viewers: make(map[*viewer]struct{}),
	}
}

func (f *Feed) ID() string { return "feed" }

// Handler returns the HTTP handler upgrading viewers.
func (f *Feed) Handler() http.Handler {
	return http.HandlerFunc(f.serveViewer)
}

// Start serves the feed on Addr, if configured.
func (f *Feed) Start(ctx context.Context) error {
	if f.config.Addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", f.config.Addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(f.config.Path, f.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	f.mu.Lock()
	f.server = server
	f.addr = ln.Addr()
	f.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.log.Error("feed server error", "error", err)
		}
	}()

	f.log.Info("live feed started", "addr", ln.Addr().String(), "path", f.config.Path)
	return nil
}

// Addr returns the bound feed address, or nil if Start has not listened.
func (f *Feed) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addr
}

// Viewers returns the number of connected viewers.
func (f *Feed) Viewers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.viewers)
}

func (f *Feed) serveViewer(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	v := &viewer{conn: conn, send: make(chan []byte, f.config.BufferSize)}
	f.mu.Lock()
	f.viewers[v] = struct{}{}
	f.mu.Unlock()
	f.log.Debug("viewer connected", "remote_addr", r.RemoteAddr)

	go f.writeLoop(v)

	// Viewers don't send anything; read only to notice the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	f.drop(v)
}

func (f *Feed) writeLoop(v *viewer) {
	defer v.conn.Close()
	for data := range v.send {
		v.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := v.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			f.drop(v)
			return
		}
	}
}

// drop removes a viewer; its write loop closes the socket.
func (f *Feed) drop(v *viewer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.viewers[v]; ok {
		delete(f.viewers, v)
		close(v.send)
	}
}

func (f *Feed) broadcast(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for v := range f.viewers {
		select {
		case v.send <- data:
		default:
			f.log.Warn("dropping slow viewer")
			delete(f.viewers, v)
			close(v.send)
		}
	}
}

func (f *Feed) OnRecord(ctx context.Context, rec *tap.Record) {
	if f.Viewers() == 0 {
		return
	}
	data, err := json.Marshal(rec.Envelope(f.config.WithFrame))
	if err != nil {
		return
	}
	f.broadcast(data)
}

func (f *Feed) OnConnectionClosed(ctx context.Context, conn dissect.ConnID) {
	if f.Viewers() == 0 {
		return
	}
	data, _ := json.Marshal(feedEvent{Event: "closed", Conn: string(conn)})
	f.broadcast(data)
}

// Close stops the server and disconnects every viewer.
func (f *Feed) Close() error {
	f.mu.Lock()
	server := f.server
	for v := range f.viewers {
		delete(f.viewers, v)
		close(v.send)
	}
	f.mu.Unlock()

	if server != nil {
		return server.Close()
	}
	return nil
}
