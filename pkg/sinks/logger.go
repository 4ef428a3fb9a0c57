// Package sinks provides record sinks for the tap: structured logging,
// a Redis stream, and a WebSocket live feed. The gRPC forwarder lives in
// the grpc subpackage.
package sinks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bromq-dev/mqttscope/pkg/dissect"
	"github.com/bromq-dev/mqttscope/pkg/packet"
	"github.com/bromq-dev/mqttscope/pkg/tap"
)

// Logger logs records using slog.
type Logger struct {
	logger *slog.Logger
	level  LogLevel
}

// LogLevel controls which records are logged.
type LogLevel int

const (
	// LogLevelConnection logs connection close events.
	LogLevelConnection LogLevel = 1 << iota
	// LogLevelControl logs CONNECT, CONNACK, PINGREQ, PINGRESP and DISCONNECT.
	LogLevelControl
	// LogLevelSubscribe logs SUBSCRIBE, SUBACK, UNSUBSCRIBE and UNSUBACK.
	LogLevelSubscribe
	// LogLevelPublish logs PUBLISH and its acknowledgements.
	LogLevelPublish
	// LogLevelMalformed logs malformed records at WARN regardless of type.
	LogLevelMalformed
	// LogLevelAll logs all records.
	LogLevelAll = LogLevelConnection | LogLevelControl | LogLevelSubscribe | LogLevelPublish | LogLevelMalformed
)

var logLevelNames = map[string]LogLevel{
	"connection": LogLevelConnection,
	"control":    LogLevelControl,
	"subscribe":  LogLevelSubscribe,
	"publish":    LogLevelPublish,
	"malformed":  LogLevelMalformed,
	"all":        LogLevelAll,
}

// ErrUnknownLogLevel is returned by ParseLogLevel.
var ErrUnknownLogLevel = errors.New("unknown log level")

// ParseLogLevel parses a comma-separated list such as "control,malformed".
func ParseLogLevel(s string) (LogLevel, error) {
	var level LogLevel
	for _, name := range strings.Split(s, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		l, ok := logLevelNames[name]
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnknownLogLevel, name)
		}
		level |= l
	}
	return level, nil
}

// LoggerConfig configures the logger sink.
type LoggerConfig struct {
	// Logger is the slog.Logger to use (default: slog.Default()).
	Logger *slog.Logger

	// Level controls which records are logged (default: LogLevelAll).
	Level LogLevel
}

// NewLogger creates a new logging sink.
func NewLogger(cfg LoggerConfig) *Logger {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Level == 0 {
		cfg.Level = LogLevelAll
	}
	return &Logger{
		logger: cfg.Logger,
		level:  cfg.Level,
	}
}

func (l *Logger) ID() string { return "logger" }

func category(t packet.Type) LogLevel {
	switch t {
	case packet.TypeSubscribe, packet.TypeSuback, packet.TypeUnsubscribe, packet.TypeUnsuback:
		return LogLevelSubscribe
	case packet.TypePublish, packet.TypePuback, packet.TypePubrec, packet.TypePubrel, packet.TypePubcomp:
		return LogLevelPublish
	default:
		return LogLevelControl
	}
}

func (l *Logger) OnRecord(ctx context.Context, rec *tap.Record) {
	msg := rec.Message

	if msg.Malformed() {
		if l.level&LogLevelMalformed == 0 {
			return
		}
		attrs := append(baseAttrs(rec), slog.String("error", msg.Err.Error()))
		var de *dissect.DecodeError
		if errors.As(msg.Err, &de) && de.Field != "" {
			attrs = append(attrs, slog.String("field", de.Field), slog.Int("field_offset", de.Offset))
		}
		l.logger.LogAttrs(ctx, slog.LevelWarn, "malformed message", attrs...)
		return
	}

	cat := category(msg.Type)
	if l.level&cat == 0 {
		return
	}

	attrs := append(baseAttrs(rec), bodyAttrs(msg)...)
	for _, w := range msg.Warnings {
		attrs = append(attrs, slog.String("warning", w))
	}

	level := slog.LevelInfo
	if cat == LogLevelPublish {
		level = slog.LevelDebug
	}
	l.logger.LogAttrs(ctx, level, "message", attrs...)
}

func (l *Logger) OnConnectionClosed(ctx context.Context, conn dissect.ConnID) {
	if l.level&LogLevelConnection == 0 {
		return
	}
	l.logger.InfoContext(ctx, "connection closed", "conn", string(conn))
}

func baseAttrs(rec *tap.Record) []slog.Attr {
	msg := rec.Message
	return []slog.Attr{
		slog.String("conn", string(rec.Conn)),
		slog.String("dir", rec.Direction.String()),
		slog.String("type", msg.Type.String()),
		slog.Int64("offset", msg.Offset),
		slog.Int("len", msg.Size()),
		slog.String("version", msg.Version.String()),
	}
}

func bodyAttrs(msg *dissect.Message) []slog.Attr {
	switch b := msg.Body.(type) {
	case *dissect.Connect:
		attrs := []slog.Attr{
			slog.String("protocol", b.ProtocolName),
			slog.String("client_id", b.ClientID),
			slog.Bool("clean_session", b.CleanSession),
			slog.Int("keep_alive", int(b.KeepAlive)),
		}
		if b.WillFlag {
			attrs = append(attrs, slog.String("will_topic", b.WillTopic))
		}
		if b.HasUsername {
			attrs = append(attrs, slog.String("username", b.Username))
		}
		return attrs
	case *dissect.Connack:
		return []slog.Attr{
			slog.Bool("session_present", b.SessionPresent),
			slog.String("return_code", b.ReturnCode.String()),
		}
	case *dissect.Publish:
		attrs := []slog.Attr{
			slog.String("topic", b.Topic),
			slog.Int("qos", int(msg.Flags.QoS)),
			slog.Bool("retain", msg.Flags.Retain),
			slog.Bool("dup", msg.Flags.Dup),
			slog.Int("payload_size", len(b.Payload)),
		}
		if b.HasMessageID {
			attrs = append(attrs, slog.Int("msg_id", int(b.MessageID)))
		}
		return attrs
	case *dissect.Subscribe:
		topics := make([]string, len(b.Topics))
		for i, t := range b.Topics {
			topics[i] = fmt.Sprintf("%s@%d", t.Topic, t.QoS)
		}
		return []slog.Attr{
			slog.Int("msg_id", int(b.MessageID)),
			slog.String("topics", strings.Join(topics, ",")),
		}
	case *dissect.Unsubscribe:
		return []slog.Attr{
			slog.Int("msg_id", int(b.MessageID)),
			slog.String("topics", strings.Join(b.Topics, ",")),
		}
	case *dissect.Suback:
		return []slog.Attr{
			slog.Int("msg_id", int(b.MessageID)),
			slog.String("granted", fmt.Sprintf("%v", b.Granted)),
		}
	case *dissect.Ack:
		return []slog.Attr{slog.Int("msg_id", int(b.MessageID))}
	case *dissect.Opaque:
		return []slog.Attr{slog.Int("data_size", len(b.Data))}
	}
	return nil
}
