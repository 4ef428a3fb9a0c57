package tap

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bromq-dev/mqttscope/pkg/dissect"
	"github.com/bromq-dev/mqttscope/pkg/filter"
	"github.com/bromq-dev/mqttscope/pkg/packet"
)

var (
	connect311 = []byte{
		0x10, 0x0E,
		0x00, 0x04, 'M', 'Q', 'T', 'T',
		0x04, 0x02, 0x00, 0x3C,
		0x00, 0x02, 'c', '1',
	}
	connack  = []byte{0x20, 0x02, 0x00, 0x00}
	pingreq  = []byte{0xC0, 0x00}
	pingresp = []byte{0xD0, 0x00}
)

func publish(topic, payload string) []byte {
	body := append([]byte{byte(len(topic) >> 8), byte(len(topic))}, topic...)
	body = append(body, payload...)
	return append([]byte{0x30, byte(len(body))}, body...)
}

// recorder is a sink collecting everything it is given.
type recorder struct {
	mu     sync.Mutex
	recs   []*Record
	closed chan dissect.ConnID
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan dissect.ConnID, 4)}
}

func (r *recorder) ID() string { return "recorder" }

func (r *recorder) OnRecord(_ context.Context, rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recorder) OnConnectionClosed(_ context.Context, conn dissect.ConnID) {
	r.closed <- conn
}

func (r *recorder) byDirection(dir Direction) []*dissect.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var msgs []*dissect.Message
	for _, rec := range r.recs {
		if rec.Direction == dir {
			msgs = append(msgs, rec.Message)
		}
	}
	return msgs
}

func (r *recorder) waitClosed(t *testing.T) dissect.ConnID {
	t.Helper()
	select {
	case id := <-r.closed:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("connection close not reported")
		return ""
	}
}

// fakeBroker starts a TCP listener that runs serve on the first connection.
func fakeBroker(t *testing.T, serve func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}()
	return ln.Addr().String()
}

func readFull(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	return buf
}

func TestTapRelaysAndDissects(t *testing.T) {
	addr := fakeBroker(t, func(conn net.Conn) {
		s := dissect.NewStream(conn, nil, nil)
		for {
			msg, err := s.Next()
			if err != nil {
				return
			}
			switch msg.Type {
			case packet.TypeConnect:
				conn.Write(connack)
			case packet.TypePingreq:
				conn.Write(pingresp)
			}
		}
	})

	rec := newRecorder()
	tp := New(&Config{Upstream: addr, DialTimeout: time.Second})
	tp.AddSink(rec)

	client, server := net.Pipe()
	tp.HandleConnection(server)

	client.Write(connect311)
	if got := readFull(t, client, len(connack)); !bytes.Equal(got, connack) {
		t.Fatalf("connack = %x", got)
	}
	client.Write(pingreq)
	if got := readFull(t, client, len(pingresp)); !bytes.Equal(got, pingresp) {
		t.Fatalf("pingresp = %x", got)
	}
	client.Close()

	id := rec.waitClosed(t)
	if id == "" {
		t.Error("empty connection id")
	}

	up := rec.byDirection(ClientToServer)
	if len(up) != 2 || up[0].Type != packet.TypeConnect || up[1].Type != packet.TypePingreq {
		t.Fatalf("client->server messages = %v", up)
	}
	down := rec.byDirection(ServerToClient)
	if len(down) != 2 || down[0].Type != packet.TypeConnack || down[1].Type != packet.TypePingresp {
		t.Fatalf("server->client messages = %v", down)
	}

	// Both directions share the connection's state.
	if down[0].Version != packet.Version311 {
		t.Errorf("connack version = %v, want 3.1.1", down[0].Version)
	}
	if tp.States().Len() != 0 {
		t.Errorf("states = %d after close, want 0", tp.States().Len())
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestTapForwardsAfterFramingLost(t *testing.T) {
	sent := append([]byte{0x30, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}, pingreq...)
	received := make(chan []byte, 1)

	addr := fakeBroker(t, func(conn net.Conn) {
		buf := make([]byte, len(sent))
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, _ := io.ReadFull(conn, buf)
		received <- buf[:n]
	})

	rec := newRecorder()
	tp := New(&Config{Upstream: addr})
	tp.AddSink(rec)

	client, server := net.Pipe()
	tp.HandleConnection(server)
	go client.Write(sent)

	select {
	case got := <-received:
		if !bytes.Equal(got, sent) {
			t.Errorf("upstream got %x, want %x", got, sent)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("upstream received nothing")
	}

	client.Close()
	rec.waitClosed(t)
	if n := len(rec.byDirection(ClientToServer)); n != 0 {
		t.Errorf("records = %d, want 0 after framing loss", n)
	}
	tp.Shutdown(context.Background())
}

func TestTapUpstreamUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	tp := New(&Config{Upstream: addr, DialTimeout: time.Second})
	client, server := net.Pipe()
	tp.HandleConnection(server)

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("read = %v, want EOF from closed client", err)
	}
	tp.Shutdown(context.Background())
}

func TestProcess(t *testing.T) {
	f, err := filter.New(filter.Config{Topics: []string{"a/#"}})
	if err != nil {
		t.Fatal(err)
	}

	rec := newRecorder()
	tp := New(&Config{Filter: f})
	tp.AddSink(rec)

	var stream bytes.Buffer
	stream.Write(connect311)
	stream.Write(publish("a/b", "x"))
	stream.Write(publish("c/d", "y"))

	if err := tp.Process(context.Background(), "capture", ClientToServer, &stream); err != nil {
		t.Fatalf("process: %v", err)
	}
	if id := rec.waitClosed(t); id != "capture" {
		t.Errorf("closed %q, want capture", id)
	}

	msgs := rec.byDirection(ClientToServer)
	if len(msgs) != 2 {
		t.Fatalf("records = %d, want 2", len(msgs))
	}
	if msgs[1].Body.(*dissect.Publish).Topic != "a/b" {
		t.Errorf("topic = %q", msgs[1].Body.(*dissect.Publish).Topic)
	}
	if msgs[1].Offset != int64(len(connect311)) {
		t.Errorf("offset = %d, want %d", msgs[1].Offset, len(connect311))
	}
}

type ctxKey struct{}

// ctxSink reports the context value each record arrives with.
type ctxSink struct {
	recorder
	values chan any
}

func (c *ctxSink) OnRecord(ctx context.Context, rec *Record) {
	c.values <- ctx.Value(ctxKey{})
}

func TestTapFilterAndContext(t *testing.T) {
	f, err := filter.New(filter.Config{Types: []packet.Type{packet.TypePingreq, packet.TypePingresp}})
	if err != nil {
		t.Fatal(err)
	}

	addr := fakeBroker(t, func(conn net.Conn) {
		s := dissect.NewStream(conn, nil, nil)
		for {
			msg, err := s.Next()
			if err != nil {
				return
			}
			switch msg.Type {
			case packet.TypeConnect:
				conn.Write(connack)
			case packet.TypePingreq:
				conn.Write(pingresp)
			}
		}
	})

	rec := newRecorder()
	tp := New(&Config{Upstream: addr, DialTimeout: time.Second, Filter: f})
	tp.AddSink(rec)

	client, server := net.Pipe()
	tp.HandleConnection(server)
	client.Write(connect311)
	readFull(t, client, len(connack))
	client.Write(pingreq)
	readFull(t, client, len(pingresp))
	client.Close()
	rec.waitClosed(t)

	up := rec.byDirection(ClientToServer)
	if len(up) != 1 || up[0].Type != packet.TypePingreq {
		t.Errorf("client->server messages = %v, want PINGREQ only", up)
	}
	down := rec.byDirection(ServerToClient)
	if len(down) != 1 || down[0].Type != packet.TypePingresp {
		t.Errorf("server->client messages = %v, want PINGRESP only", down)
	}
	tp.Shutdown(context.Background())

	// Offline records carry the caller's context through the same filter.
	cs := &ctxSink{recorder: recorder{closed: make(chan dissect.ConnID, 4)}, values: make(chan any, 4)}
	offline := New(&Config{Filter: f})
	offline.AddSink(cs)

	var stream bytes.Buffer
	stream.Write(connect311)
	stream.Write(pingreq)
	ctx := context.WithValue(context.Background(), ctxKey{}, "capture")
	if err := offline.Process(ctx, "c", ClientToServer, &stream); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(cs.values) != 1 {
		t.Fatalf("records = %d, want 1", len(cs.values))
	}
	if v := <-cs.values; v != "capture" {
		t.Errorf("context value = %v, want capture", v)
	}
}

func TestProcessTruncatedCapture(t *testing.T) {
	tp := New(nil)
	rec := newRecorder()
	tp.AddSink(rec)

	data := append(append([]byte{}, connect311...), publish("a", "payload")[:4]...)
	err := tp.Process(context.Background(), "c", ClientToServer, bytes.NewReader(data))
	if err != io.ErrUnexpectedEOF {
		t.Errorf("err = %v, want io.ErrUnexpectedEOF", err)
	}
	if n := len(rec.byDirection(ClientToServer)); n != 1 {
		t.Errorf("records = %d, want 1", n)
	}
}

type failingSink struct {
	recorder
	err error
}

func (f *failingSink) ID() string { return "failing" }

func (f *failingSink) Start(ctx context.Context) error { return f.err }

func (f *failingSink) Close() error { return f.err }

func TestSinksLifecycleErrors(t *testing.T) {
	boom := errors.New("boom")
	s := NewSinks()
	s.Register(newRecorder())
	s.Register(&failingSink{err: boom})

	err := s.Start(context.Background())
	var se *SinkError
	if !errors.As(err, &se) || se.ID != "failing" || !errors.Is(err, boom) {
		t.Errorf("start = %v", err)
	}
	if err := s.Close(); !errors.Is(err, boom) {
		t.Errorf("close = %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("len = %d", s.Len())
	}
}

func TestEnvelope(t *testing.T) {
	msg := dissect.Decode(publish("a/b", "hi"), dissect.NewState("c"))
	msg.Offset = 42
	rec := &Record{Conn: "c", Direction: ServerToClient, Message: msg}

	e := rec.Envelope(false)
	if e.Type != "PUBLISH" || e.Direction != "server->client" || e.Offset != 42 {
		t.Errorf("envelope = %+v", e)
	}
	if e.Frame != nil {
		t.Error("frame included without withFrame")
	}
	if e.Error != "" {
		t.Errorf("error = %q", e.Error)
	}

	var topic string
	for _, f := range e.Fields {
		if f.Name == dissect.FieldTopic {
			topic = f.Value
		}
	}
	if topic != "a/b" {
		t.Errorf("topic field = %q, want a/b", topic)
	}
}
