package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // Import for side effects - registers /debug/pprof handlers
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bromq-dev/mqttscope/pkg/dissect"
	"github.com/bromq-dev/mqttscope/pkg/filter"
	"github.com/bromq-dev/mqttscope/pkg/listeners"
	"github.com/bromq-dev/mqttscope/pkg/sinks"
	sinkgrpc "github.com/bromq-dev/mqttscope/pkg/sinks/grpc"
	"github.com/bromq-dev/mqttscope/pkg/tap"
)

var (
	listenAddr    = flag.String("listen", ":1883", "MQTT listen address (empty to disable)")
	tlsListenAddr = flag.String("tls-listen", ":8883", "MQTTS listen address, used with -cert and -key")
	wsListenAddr  = flag.String("ws-listen", "", "WebSocket listen address (e.g. :8083)")
	wsPath        = flag.String("ws-path", "/mqtt", "WebSocket listen path")
	upstream      = flag.String("upstream", "", "Upstream broker: host:port or tcp://, tls://, ws://, wss:// URL")
	upstreamSkip  = flag.Bool("upstream-insecure", false, "Skip certificate verification for TLS upstreams")

	certFile = flag.String("cert", "", "TLS certificate file (optional)")
	keyFile  = flag.String("key", "", "TLS private key file (optional)")

	readFile = flag.String("read", "", "Dissect a captured raw byte stream from this file instead of relaying")

	types     = flag.String("types", "", "Only record these packet types, comma separated (e.g. PUBLISH,SUBSCRIBE)")
	malformed = flag.Bool("malformed", false, "Only record malformed messages")
	topics    topicSlice

	redisAddr     = flag.String("redis", "", "Redis address for the record stream (e.g. localhost:6379)")
	feedAddr      = flag.String("feed", "", "WebSocket live feed address (e.g. :8090)")
	collectorAddr = flag.String("collector", "", "Forward records to a remote gRPC collector")
	collectAddr   = flag.String("collect", "", "Run a gRPC collector on this address")
	withFrame     = flag.Bool("frames", false, "Include raw message bytes in shipped records")

	logLevel  = flag.String("log-level", "all", "Logged records: connection,control,subscribe,publish,malformed,all (empty to disable)")
	pprofAddr = flag.String("pprof", "", "pprof HTTP server address (e.g. :6060)")
)

// Custom flag type for accumulating topic filters
type topicSlice []string

func (t *topicSlice) String() string { return strings.Join(*t, ",") }
func (t *topicSlice) Set(s string) error {
	if err := filter.ValidateTopicFilter(s); err != nil {
		return fmt.Errorf("invalid topic filter %q: %w", s, err)
	}
	*t = append(*t, s)
	return nil
}

func init() {
	flag.Var(&topics, "topic", "Only record messages carrying a topic matching this filter (can be repeated)")
}

func main() {
	flag.Parse()

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(handler)

	packetTypes, err := filter.ParseTypes(*types)
	if err != nil {
		log.Fatalf("Invalid -types: %v", err)
	}
	capture, err := filter.New(filter.Config{
		Types:         packetTypes,
		Topics:        topics,
		MalformedOnly: *malformed,
	})
	if err != nil {
		log.Fatalf("Invalid capture filter: %v", err)
	}

	cfg := tap.DefaultConfig()
	cfg.Upstream = *upstream
	cfg.Filter = capture
	cfg.Logger = logger
	if *upstreamSkip {
		cfg.UpstreamTLS = &tls.Config{InsecureSkipVerify: true}
	}
	t := tap.New(cfg)

	if *logLevel != "" {
		level, err := sinks.ParseLogLevel(*logLevel)
		if err != nil {
			log.Fatalf("Invalid -log-level: %v", err)
		}
		t.AddSink(sinks.NewLogger(sinks.LoggerConfig{Logger: logger, Level: level}))
	}
	if *redisAddr != "" {
		t.AddSink(sinks.NewRedis(&sinks.RedisConfig{Addr: *redisAddr, WithFrame: *withFrame, Logger: logger}))
		log.Printf("Recording to Redis at %s", *redisAddr)
	}
	if *feedAddr != "" {
		t.AddSink(sinks.NewFeed(&sinks.FeedConfig{Addr: *feedAddr, WithFrame: *withFrame, Logger: logger}))
	}
	if *collectorAddr != "" {
		t.AddSink(sinkgrpc.NewForwarder(&sinkgrpc.ForwarderConfig{Target: *collectorAddr, WithFrame: *withFrame, Logger: logger}))
	}

	var collector *sinkgrpc.Collector
	if *collectAddr != "" {
		collector = sinkgrpc.NewCollector(&sinkgrpc.CollectorConfig{
			ListenAddr: *collectAddr,
			OnEnvelope: func(e *tap.Envelope) {
				logger.Info("collected", "conn", e.Conn, "dir", e.Direction, "type", e.Type, "offset", e.Offset, "error", e.Error)
			},
			OnClosed: func(conn string) {
				logger.Info("collected connection closed", "conn", conn)
			},
			Logger: logger,
		})
		if err := collector.Start(context.Background()); err != nil {
			log.Fatalf("Failed to start collector: %v", err)
		}
	}

	// Start pprof server if enabled
	if *pprofAddr != "" {
		go func() {
			log.Printf("pprof server listening on http://%s/debug/pprof/", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	if *readFile != "" {
		os.Exit(runOffline(t, *readFile))
	}

	if *upstream != "" {
		runTap(t)
	} else if collector == nil {
		log.Fatal("Nothing to do: set -upstream, -read or -collect")
	} else {
		waitForSignal()
	}

	if collector != nil {
		collector.Stop()
	}
	log.Println("Stopped")
}

func runOffline(t *tap.Tap, path string) int {
	f, err := os.Open(path)
	if err != nil {
		log.Printf("Failed to open capture: %v", err)
		return 1
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := t.Sinks().Start(ctx); err != nil {
		log.Printf("Failed to start sinks: %v", err)
		return 1
	}

	code := 0
	if err := t.Process(ctx, dissect.ConnID(path), tap.ClientToServer, f); err != nil {
		log.Printf("Capture %s: %v", path, err)
		code = 1
	}
	if err := t.Shutdown(context.Background()); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	return code
}

func runTap(t *tap.Tap) {
	if *listenAddr != "" {
		t.AddListener(listeners.NewTCP("tcp", *listenAddr, nil))
		log.Printf("MQTT tap listening on %s -> %s", *listenAddr, *upstream)
	}

	if *wsListenAddr != "" {
		t.AddListener(listeners.NewWebSocket("ws", *wsListenAddr, &listeners.WebSocketConfig{
			Path: *wsPath,
		}))
		log.Printf("WebSocket tap listening on %s%s", *wsListenAddr, *wsPath)
	}

	if *certFile != "" && *keyFile != "" {
		cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
		if err != nil {
			log.Fatalf("Failed to load TLS certificate: %v", err)
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		t.AddListener(listeners.NewTCP("tcp+tls", *tlsListenAddr, &listeners.TCPConfig{
			TLSConfig: tlsConfig,
		}))
		log.Printf("TLS tap listening on %s", *tlsListenAddr)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- t.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
	case err := <-errCh:
		if err != nil {
			log.Printf("Tap error: %v", err)
		}
	}

	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
