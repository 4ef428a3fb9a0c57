package sinks

import (
	"context"
	"log/slog"
	"time"

	"github.com/bromq-dev/mqttscope/pkg/dissect"
	"github.com/bromq-dev/mqttscope/pkg/tap"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// Redis publishes records to Redis/Valkey.
//
// Key schema (prefix defaults to "mqttscope:"):
//
//	{prefix}records      → STREAM - every record, field "env" holds the msgpack envelope
//	{prefix}live         → PUBSUB channel - the same envelope, for live consumers
//	{prefix}conn:{id}    → HASH - version and client id of an open connection
type Redis struct {
	client    *redis.Client
	ownClient bool
	addr      string
	keyPrefix string
	maxLen    int64
	withFrame bool
	timeout   time.Duration
	log       *slog.Logger
}

// RedisConfig configures the Redis sink.
type RedisConfig struct {
	// Addr is the Redis server address (default: "localhost:6379").
	Addr string

	// Password for Redis authentication (optional).
	Password string

	// DB is the Redis database number (default: 0).
	DB int

	// KeyPrefix is prepended to all Redis keys (default: "mqttscope:").
	KeyPrefix string

	// MaxLen caps the record stream, trimmed approximately (default: 100000).
	MaxLen int64

	// WithFrame includes the raw message bytes in each envelope.
	WithFrame bool

	// Timeout bounds each write (default: 2s).
	Timeout time.Duration

	// Client allows providing a pre-configured Redis client.
	// If set, Addr/Password/DB are ignored and Close leaves it open.
	Client *redis.Client

	// Logger for write failures. If nil, uses slog.Default().
	Logger *slog.Logger
}

// NewRedis creates a Redis sink. The connection is checked by Start.
func NewRedis(cfg *RedisConfig) *Redis {
	if cfg == nil {
		cfg = &RedisConfig{}
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "mqttscope:"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 100000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Redis{
		client:    cfg.Client,
		addr:      cfg.Addr,
		keyPrefix: cfg.KeyPrefix,
		maxLen:    cfg.MaxLen,
		withFrame: cfg.WithFrame,
		timeout:   cfg.Timeout,
		log:       cfg.Logger,
	}
	if r.client == nil {
		r.client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		r.ownClient = true
	}
	return r
}

func (r *Redis) ID() string { return "redis" }

// Start verifies the Redis connection.
func (r *Redis) Start(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return err
	}
	r.log.Info("redis sink started", "addr", r.addr, "prefix", r.keyPrefix)
	return nil
}

// Close closes the Redis connection if the sink created it.
func (r *Redis) Close() error {
	if r.ownClient {
		return r.client.Close()
	}
	return nil
}

// StreamKey returns the key of the record stream.
func (r *Redis) StreamKey() string { return r.keyPrefix + "records" }

// LiveChannel returns the pub/sub channel records are published on.
func (r *Redis) LiveChannel() string { return r.keyPrefix + "live" }

// ConnKey returns the key of a connection's hash.
func (r *Redis) ConnKey(conn dissect.ConnID) string {
	return r.keyPrefix + "conn:" + string(conn)
}

// EncodeEnvelope serializes a record the way the Redis and gRPC sinks
// ship it.
func EncodeEnvelope(rec *tap.Record, withFrame bool) ([]byte, error) {
	return msgpack.Marshal(rec.Envelope(withFrame))
}

// DecodeEnvelope is the inverse of EncodeEnvelope.
func DecodeEnvelope(data []byte) (*tap.Envelope, error) {
	var env tap.Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (r *Redis) xaddArgs(rec *tap.Record, data []byte) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: r.StreamKey(),
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"conn": string(rec.Conn),
			"type": rec.Message.Type.String(),
			"env":  data,
		},
	}
}

func (r *Redis) OnRecord(ctx context.Context, rec *tap.Record) {
	data, err := EncodeEnvelope(rec, r.withFrame)
	if err != nil {
		r.log.Warn("redis sink: encode failed", "conn", string(rec.Conn), "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	pipe := r.client.Pipeline()
	pipe.XAdd(ctx, r.xaddArgs(rec, data))
	pipe.Publish(ctx, r.LiveChannel(), data)

	// Mirror the negotiated version once the CONNECT has been seen.
	if c, ok := rec.Message.Body.(*dissect.Connect); ok {
		pipe.HSet(ctx, r.ConnKey(rec.Conn),
			"version", rec.Message.Version.String(),
			"client_id", c.ClientID,
		)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Warn("redis sink: write failed", "conn", string(rec.Conn), "error", err)
	}
}

func (r *Redis) OnConnectionClosed(ctx context.Context, conn dissect.ConnID) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Del(ctx, r.ConnKey(conn)).Err(); err != nil {
		r.log.Warn("redis sink: delete failed", "conn", string(conn), "error", err)
	}
}

// Client returns the underlying Redis client for advanced usage.
func (r *Redis) Client() *redis.Client {
	return r.client
}
