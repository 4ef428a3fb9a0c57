// Package grpc ships records between processes over gRPC: a Forwarder
// sink pushes them to a remote Collector.
package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/bromq-dev/mqttscope/pkg/sinks"
	"github.com/bromq-dev/mqttscope/pkg/tap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CollectorConfig configures the collector server.
type CollectorConfig struct {
	// ListenAddr is the address to listen on (default: ":7950").
	ListenAddr string

	// OnEnvelope is called for every record received.
	OnEnvelope func(*tap.Envelope)

	// OnClosed is called when a forwarder reports a closed connection.
	OnClosed func(conn string)

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Collector receives records from remote forwarders.
type Collector struct {
	cfg    *CollectorConfig
	server *grpc.Server
	log    *slog.Logger

	mu   sync.Mutex
	addr net.Addr
}

// NewCollector creates a collector server.
func NewCollector(cfg *CollectorConfig) *Collector {
	if cfg == nil {
		cfg = &CollectorConfig{}
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":7950"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Collector{
		cfg: cfg,
		log: cfg.Logger,
	}
}

// Start listens and serves in the background.
func (c *Collector) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("grpc collector: listen: %w", err)
	}

	c.server = grpc.NewServer()
	RegisterCollectorServer(c.server, &collectorServer{collector: c})

	c.mu.Lock()
	c.addr = ln.Addr()
	c.mu.Unlock()

	go func() {
		if err := c.server.Serve(ln); err != nil {
			c.log.Error("grpc collector error", "error", err)
		}
	}()

	c.log.Info("grpc collector started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (c *Collector) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Stop drains in-flight pushes and stops the server.
func (c *Collector) Stop() error {
	if c.server != nil {
		c.server.GracefulStop()
	}
	return nil
}

// collectorServer implements CollectorServer.
type collectorServer struct {
	collector *Collector
}

func (s *collectorServer) Push(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	cfg := s.collector.cfg

	if req.ClosedConn != "" {
		if cfg.OnClosed != nil {
			cfg.OnClosed(req.ClosedConn)
		}
		return &PushResponse{}, nil
	}

	env, err := sinks.DecodeEnvelope(req.Envelope)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode envelope: %v", err)
	}
	if cfg.OnEnvelope != nil {
		cfg.OnEnvelope(env)
	}
	return &PushResponse{}, nil
}
