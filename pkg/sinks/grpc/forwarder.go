package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bromq-dev/mqttscope/pkg/dissect"
	"github.com/bromq-dev/mqttscope/pkg/sinks"
	"github.com/bromq-dev/mqttscope/pkg/tap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ForwarderConfig configures the forwarder sink.
type ForwarderConfig struct {
	// Target is the collector address (e.g. "collector:7950").
	Target string

	// DialTimeout is the timeout for connecting to the collector.
	DialTimeout time.Duration

	// Timeout bounds each push (default: 2s).
	Timeout time.Duration

	// WithFrame includes the raw message bytes in each envelope.
	WithFrame bool

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Forwarder is a sink pushing records to a remote Collector.
type Forwarder struct {
	cfg    *ForwarderConfig
	conn   *grpc.ClientConn
	client CollectorClient
	log    *slog.Logger
}

// NewForwarder creates a forwarder sink. It connects on Start.
func NewForwarder(cfg *ForwarderConfig) *Forwarder {
	if cfg == nil {
		cfg = &ForwarderConfig{}
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Forwarder{
		cfg: cfg,
		log: cfg.Logger,
	}
}

func (f *Forwarder) ID() string { return "grpc-forwarder" }

// Start connects to the collector.
func (f *Forwarder) Start(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.DialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, f.cfg.Target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.cfg.Target, err)
	}

	f.conn = conn
	f.client = NewCollectorClient(conn)
	f.log.Info("grpc forwarder connected", "target", f.cfg.Target)
	return nil
}

// Close closes the connection to the collector.
func (f *Forwarder) Close() error {
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Forwarder) push(ctx context.Context, req *PushRequest) error {
	if f.client == nil {
		return fmt.Errorf("forwarder not started")
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	_, err := f.client.Push(ctx, req)
	return err
}

func (f *Forwarder) OnRecord(ctx context.Context, rec *tap.Record) {
	data, err := sinks.EncodeEnvelope(rec, f.cfg.WithFrame)
	if err != nil {
		f.log.Warn("grpc forwarder: encode failed", "conn", string(rec.Conn), "error", err)
		return
	}
	if err := f.push(ctx, &PushRequest{Envelope: data}); err != nil {
		f.log.Warn("grpc forwarder: push failed", "conn", string(rec.Conn), "error", err)
	}
}

func (f *Forwarder) OnConnectionClosed(ctx context.Context, conn dissect.ConnID) {
	if err := f.push(ctx, &PushRequest{ClosedConn: string(conn)}); err != nil {
		f.log.Warn("grpc forwarder: push failed", "conn", string(conn), "error", err)
	}
}
