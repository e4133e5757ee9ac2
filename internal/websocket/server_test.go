// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/oscrelay/internal/connection"
	"github.com/tomtom215/oscrelay/internal/models"
	"github.com/tomtom215/oscrelay/internal/router"
	"github.com/tomtom215/oscrelay/internal/store"
)

type testServer struct {
	*Server
	manager *connection.Manager
	http    *httptest.Server
	url     string
}

func newTestServer(t *testing.T, cfg ServerConfig, st store.Store) *testServer {
	t.Helper()
	m := connection.NewManager(connection.Config{}, st)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("manager Start() error = %v", err)
	}
	s := NewServer(cfg, m)
	hs := httptest.NewServer(s)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		hs.Close()
	})
	return &testServer{
		Server:  s,
		manager: m,
		http:    hs,
		url:     "ws" + strings.TrimPrefix(hs.URL, "http"),
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("frame kind = %d, want text", kind)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return env
}

// connect dials and consumes the connect envelope, returning the id.
func connect(t *testing.T, url string) (*websocket.Conn, string) {
	t.Helper()
	conn := dial(t, url)
	env := readEnvelope(t, conn)
	if env.Command != CommandConnect || env.Status == nil || *env.Status != StatusConnected {
		t.Fatalf("handshake = %+v, want connected", env)
	}
	if env.ID == "" {
		t.Fatal("handshake carries no id")
	}
	return conn, env.ID
}

func writeMessage(t *testing.T, conn *websocket.Conn, address string, args ...any) {
	t.Helper()
	f, err := encodeMessage(address, models.Args(args))
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(f.kind, f.data); err != nil {
		t.Fatalf("write %s: %v", address, err)
	}
}

// expectMessage reads envelopes until one arrives on address.
func expectMessage(t *testing.T, conn *websocket.Conn, address string) Envelope {
	t.Helper()
	for {
		env := readEnvelope(t, conn)
		if env.Command == CommandMessage && env.Address == address {
			return env
		}
	}
}

func subscribe(t *testing.T, conn *websocket.Conn, address string) {
	t.Helper()
	writeMessage(t, conn, router.SubscribeAddress, address)
	expectMessage(t, conn, router.SubscribedAddress)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServerAdmissionCap(t *testing.T) {
	ts := newTestServer(t, ServerConfig{MaxSockets: 2}, nil)

	first, firstID := connect(t, ts.url)
	second, secondID := connect(t, ts.url)
	if firstID == secondID {
		t.Fatalf("two anonymous sockets share id %q", firstID)
	}

	third := dial(t, ts.url)
	env := readEnvelope(t, third)
	if env.Command != CommandConnect || env.Status == nil || *env.Status != StatusRefused {
		t.Fatalf("third socket got %+v, want refusal", env)
	}
	if env.Error != ReasonServerFull {
		t.Errorf("refusal reason = %q, want %q", env.Error, ReasonServerFull)
	}
	_ = third.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := third.ReadMessage()
	if !websocket.IsCloseError(err, closeTryAgainLater) {
		t.Errorf("third socket close = %v, want close %d", err, closeTryAgainLater)
	}

	// The first two are unaffected.
	subscribe(t, first, "/room")
	writeMessage(t, second, "/room/chat", "hello")
	got := expectMessage(t, first, "/room/chat")
	if len(got.Args) != 1 || got.Args[0] != "hello" {
		t.Errorf("args = %#v, want [hello]", got.Args)
	}
	if n := ts.SocketCount(); n != 2 {
		t.Errorf("SocketCount() = %d, want 2", n)
	}
	if ids := ts.manager.OpenConnectionIDs(Namespace); len(ids) != 2 {
		t.Errorf("open connections = %v, want 2", ids)
	}
}

func TestServerSlotFreedOnClose(t *testing.T) {
	ts := newTestServer(t, ServerConfig{MaxSockets: 1}, nil)

	first, _ := connect(t, ts.url)
	_ = first.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = first.Close()
	waitFor(t, "socket slot release", func() bool { return ts.SocketCount() == 0 })

	connect(t, ts.url)
}

func TestServerMultipleSocketsShareConnection(t *testing.T) {
	ts := newTestServer(t, ServerConfig{}, nil)

	tab1, id := connect(t, ts.url)
	tab2, id2 := connect(t, ts.url+"?id="+id)
	if id2 != id {
		t.Fatalf("second tab got id %q, want %q", id2, id)
	}

	c, ok := ts.Connection(id)
	if !ok {
		t.Fatal("connection not indexed")
	}
	waitFor(t, "two sockets", func() bool { return c.SocketCount() == 2 })

	// A subscription made on one tab delivers to both.
	subscribe(t, tab1, "/score")
	publisher, _ := connect(t, ts.url)
	writeMessage(t, publisher, "/score/home", 3)

	for i, tab := range []*websocket.Conn{tab1, tab2} {
		got := expectMessage(t, tab, "/score/home")
		if len(got.Args) != 1 || got.Args[0] != float64(3) {
			t.Errorf("tab %d args = %#v, want [3]", i+1, got.Args)
		}
	}

	// Closing one tab keeps the connection open.
	_ = tab2.Close()
	waitFor(t, "one socket", func() bool { return c.SocketCount() == 1 })
	if c.Status() != connection.StatusOpen {
		t.Fatalf("status = %v after closing one socket, want open", c.Status())
	}

	// Closing the last tab closes it.
	_ = tab1.Close()
	waitFor(t, "connection close", func() bool { return c.Status() == connection.StatusClosed })
	if _, ok := ts.Connection(id); ok {
		t.Error("closed connection still indexed")
	}
	if ids := ts.manager.OpenConnectionIDs(Namespace); len(ids) != 1 {
		t.Errorf("open connections = %v, want only the publisher", ids)
	}
}

func TestServerLifecycleBroadcasts(t *testing.T) {
	ts := newTestServer(t, ServerConfig{}, nil)

	watcher, _ := connect(t, ts.url)
	subscribe(t, watcher, router.BroadcastPrefix+"/"+Namespace)

	other, otherID := connect(t, ts.url)
	open := expectMessage(t, watcher, router.ConnectionOpenAddress(Namespace))
	if len(open.Args) != 1 || open.Args[0] != otherID {
		t.Errorf("open broadcast args = %#v, want [%s]", open.Args, otherID)
	}

	_ = other.Close()
	closed := expectMessage(t, watcher, router.ConnectionCloseAddress(Namespace))
	if len(closed.Args) != 1 || closed.Args[0] != otherID {
		t.Errorf("close broadcast args = %#v, want [%s]", closed.Args, otherID)
	}
}

func TestServerProtocolErrors(t *testing.T) {
	ts := newTestServer(t, ServerConfig{}, nil)
	conn, _ := connect(t, ts.url)

	tests := []struct {
		name  string
		write func(t *testing.T)
	}{
		{"broadcast publish", func(t *testing.T) { writeMessage(t, conn, router.BroadcastPrefix+"/x", 1) }},
		{"system subscribe", func(t *testing.T) { writeMessage(t, conn, router.SubscribeAddress, "/sys/x") }},
		{"unknown system address", func(t *testing.T) { writeMessage(t, conn, "/sys/nope") }},
		{"invalid envelope", func(t *testing.T) {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"command":"dance"}`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.write(t)
			env := expectMessage(t, conn, router.ErrorAddress)
			if len(env.Args) != 1 {
				t.Errorf("error args = %#v, want one reason", env.Args)
			}
		})
	}
}

func TestServerBlobTravelsAsBinary(t *testing.T) {
	ts := newTestServer(t, ServerConfig{}, nil)
	receiver, _ := connect(t, ts.url)
	subscribe(t, receiver, "/img")

	sender, _ := connect(t, ts.url)
	writeMessage(t, sender, "/img/frame", []byte{0xde, 0xad})

	_ = receiver.SetReadDeadline(time.Now().Add(3 * time.Second))
	kind, data, err := receiver.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("frame kind = %d, want binary", kind)
	}
	msgs, err := decodeMessages(kind, data)
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Address != "/img/frame" {
		t.Errorf("address = %q", msgs[0].Address)
	}
	if blob, ok := msgs[0].Args[0].([]byte); !ok || len(blob) != 2 {
		t.Errorf("args = %#v, want the blob", msgs[0].Args)
	}
}

func TestServerRestoresKnownIdentity(t *testing.T) {
	st := store.NewMemoryStore()
	ts := newTestServer(t, ServerConfig{}, st)

	conn, id := connect(t, ts.url)
	subscribe(t, conn, "/persisted")
	_ = conn.Close()
	waitFor(t, "close", func() bool { return len(ts.manager.OpenConnectionIDs(Namespace)) == 0 })

	again, id2 := connect(t, ts.url+"?id="+id)
	if id2 != id {
		t.Fatalf("reconnect id = %q, want %q", id2, id)
	}
	publisher, _ := connect(t, ts.url)
	writeMessage(t, publisher, "/persisted/value", "kept")
	got := expectMessage(t, again, "/persisted/value")
	if got.Args[0] != "kept" {
		t.Errorf("args = %#v", got.Args)
	}
}

func TestServerHandshakePrecedesRestoredTraffic(t *testing.T) {
	st := store.NewMemoryStore()
	ts := newTestServer(t, ServerConfig{}, st)

	conn, id := connect(t, ts.url)
	subscribe(t, conn, router.BroadcastPrefix)
	_ = conn.Close()
	waitFor(t, "close", func() bool { return len(ts.manager.OpenConnectionIDs(Namespace)) == 0 })

	again := dial(t, ts.url+"?id="+id)
	env := readEnvelope(t, again)
	if env.Command != CommandConnect || env.Status == nil || *env.Status != StatusConnected {
		t.Fatalf("first frame = %+v, want the connect envelope", env)
	}
	if env.ID != id {
		t.Errorf("handshake id = %q, want %q", env.ID, id)
	}

	// The restored subscription still sees the connection's own open.
	open := expectMessage(t, again, router.ConnectionOpenAddress(Namespace))
	if len(open.Args) != 1 || open.Args[0] != id {
		t.Errorf("open broadcast args = %#v, want [%s]", open.Args, id)
	}
}

func TestSocketHeldUntilHandshake(t *testing.T) {
	sock := newSocket(nil, nil, nil)
	routed, _ := encodeMessage("/a", models.Args{1})
	if err := sock.enqueue(routed); err != nil {
		t.Fatalf("enqueue() error = %v", err)
	}
	if len(sock.send) != 0 {
		t.Fatal("held socket queued a frame for the write pump")
	}

	hello, _ := encodeEnvelope(connectEnvelope("abc"))
	if err := sock.handshake(hello); err != nil {
		t.Fatalf("handshake() error = %v", err)
	}
	first := <-sock.send
	if string(first.data) != string(hello.data) {
		t.Errorf("first frame = %s, want %s", first.data, hello.data)
	}
	second := <-sock.send
	if string(second.data) != string(routed.data) {
		t.Errorf("second frame = %s, want %s", second.data, routed.data)
	}

	if err := sock.enqueue(routed); err != nil || len(sock.send) != 1 {
		t.Errorf("enqueue after handshake: err = %v, queued = %d", err, len(sock.send))
	}
}

func TestSocketHeldBackpressure(t *testing.T) {
	sock := newSocket(nil, nil, nil)
	f, _ := encodeMessage("/a", nil)
	for i := 0; i < sendBufferSize-1; i++ {
		if err := sock.enqueue(f); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := sock.enqueue(f); !errors.Is(err, ErrSocketBackpressure) {
		t.Errorf("enqueue over the held limit = %v, want ErrSocketBackpressure", err)
	}
	hello, _ := encodeEnvelope(connectEnvelope("abc"))
	if err := sock.handshake(hello); err != nil {
		t.Errorf("handshake() error = %v", err)
	}
}

func TestServerCheckOrigin(t *testing.T) {
	s := NewServer(ServerConfig{AllowedOrigins: []string{"https://app.example"}}, connection.NewManager(connection.Config{}, nil))

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example", true},
		{"HTTPS://APP.EXAMPLE", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := s.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestServerRefusesAfterClose(t *testing.T) {
	ts := newTestServer(t, ServerConfig{}, nil)
	ts.Close()

	conn := dial(t, ts.url)
	env := readEnvelope(t, conn)
	if env.Status == nil || *env.Status != StatusRefused {
		t.Errorf("handshake after Close = %+v, want refusal", env)
	}
}
