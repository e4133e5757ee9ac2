// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package websocket

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/oscrelay/internal/models"
	"github.com/tomtom215/oscrelay/internal/store"
)

func startClient(t *testing.T, cfg ClientConfig) *Client {
	t.Helper()
	c := NewClient(cfg)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Connected():
	case <-time.After(3 * time.Second):
		t.Fatal("client did not connect")
	}
}

func receive(t *testing.T, c *Client, address string) models.Message {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-c.Messages():
			if !ok {
				t.Fatal("messages closed")
			}
			if msg.Address == address {
				return msg
			}
		case <-timeout:
			t.Fatalf("no message on %s", address)
		}
	}
}

func TestClientSendAndReceive(t *testing.T) {
	ts := newTestServer(t, ServerConfig{}, nil)

	a := startClient(t, ClientConfig{URL: ts.url})
	b := startClient(t, ClientConfig{URL: ts.url})
	waitConnected(t, a)
	waitConnected(t, b)
	if a.ID() == "" || a.ID() == b.ID() {
		t.Fatalf("ids = %q, %q; want distinct assigned ids", a.ID(), b.ID())
	}

	if err := a.Subscribe("/lights"); err != nil {
		t.Fatal(err)
	}
	receive(t, a, "/sys/subscribed")

	if err := b.Send("/lights/dimmer", models.Args{0.25}); err != nil {
		t.Fatal(err)
	}
	msg := receive(t, a, "/lights/dimmer")
	if len(msg.Args) != 1 || msg.Args[0] != 0.25 {
		t.Errorf("args = %#v, want [0.25]", msg.Args)
	}
}

func TestClientReconnectKeepsIdentity(t *testing.T) {
	ts := newTestServer(t, ServerConfig{}, store.NewMemoryStore())

	c := startClient(t, ClientConfig{URL: ts.url, ReconnectDelay: 20 * time.Millisecond})
	waitConnected(t, c)
	id := c.ID()
	if err := c.Subscribe("/keep"); err != nil {
		t.Fatal(err)
	}
	receive(t, c, "/sys/subscribed")

	// Drop the socket from the server side.
	conn, ok := ts.Connection(id)
	if !ok {
		t.Fatal("connection not indexed")
	}
	conn.Close()
	waitFor(t, "reconnect", func() bool {
		reopened, ok := ts.Connection(id)
		return ok && reopened != conn && reopened.SocketCount() == 1
	})
	waitConnected(t, c)

	if c.ID() != id {
		t.Errorf("ID() after reconnect = %q, want %q", c.ID(), id)
	}

	publisher := startClient(t, ClientConfig{URL: ts.url})
	waitConnected(t, publisher)
	if err := publisher.Send("/keep/it", models.Args{"yes"}); err != nil {
		t.Fatal(err)
	}
	receive(t, c, "/keep/it")
}

func TestClientReconnectWithBroadcastSubscription(t *testing.T) {
	ts := newTestServer(t, ServerConfig{}, store.NewMemoryStore())

	c := startClient(t, ClientConfig{URL: ts.url, ReconnectDelay: 20 * time.Millisecond})
	waitConnected(t, c)
	id := c.ID()
	if err := c.Subscribe("/broadcast"); err != nil {
		t.Fatal(err)
	}
	receive(t, c, "/sys/subscribed")

	conn, ok := ts.Connection(id)
	if !ok {
		t.Fatal("connection not indexed")
	}
	conn.Close()
	waitFor(t, "reconnect", func() bool {
		reopened, ok := ts.Connection(id)
		return ok && reopened != conn && reopened.SocketCount() == 1
	})
	waitConnected(t, c)
	receive(t, c, "/broadcast/websockets/open")

	// A stable reconnect leaves the same connection in place.
	reopened, _ := ts.Connection(id)
	time.Sleep(100 * time.Millisecond)
	if current, ok := ts.Connection(id); !ok || current != reopened {
		t.Error("client kept reconnecting after the restore")
	}
}

func TestClientRefusedRetries(t *testing.T) {
	ts := newTestServer(t, ServerConfig{MaxSockets: 1}, nil)
	holder := startClient(t, ClientConfig{URL: ts.url})
	waitConnected(t, holder)

	waiting := startClient(t, ClientConfig{URL: ts.url, ReconnectDelay: 20 * time.Millisecond})
	select {
	case <-waiting.Connected():
		t.Fatal("client connected above the cap")
	case <-time.After(100 * time.Millisecond):
	}

	holder.Stop()
	waitConnected(t, waiting)
}

func TestClientSendBeforeConnect(t *testing.T) {
	c := NewClient(ClientConfig{URL: "ws://127.0.0.1:1/"})
	if err := c.Send("/a", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestClientStopCancelsReconnect(t *testing.T) {
	c := NewClient(ClientConfig{URL: "ws://127.0.0.1:1/", ReconnectDelay: time.Hour})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrClientStarted) {
		t.Errorf("second Start() error = %v, want ErrClientStarted", err)
	}

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop() blocked on the reconnect delay")
	}
	if _, ok := <-c.Messages(); ok {
		t.Error("Messages() still open after Stop")
	}
}
