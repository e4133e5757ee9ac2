// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package router

import (
	"errors"
	"reflect"
	"testing"

	"github.com/tomtom215/oscrelay/internal/models"
)

type recorder struct {
	name string
	got  []models.Message
	fail bool
}

func (r *recorder) Send(address string, args models.Args) error {
	if r.fail {
		return errors.New("socket closed")
	}
	r.got = append(r.got, models.Message{Address: address, Args: args})
	return nil
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"/a/", "/a", false},
		{"/a", "/a", false},
		{"/", "/", false},
		{"/a/b/c/", "/a/b/c", false},
		{"", "", true},
		{"a/b", "", true},
		{"/a//b", "", true},
	}

	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Normalize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	a, _ := Normalize("/a/")
	b, _ := Normalize("/a")
	c, _ := Normalize(a)
	if a != b || b != c || a != "/a" {
		t.Errorf("normalization not idempotent: %q %q %q", a, b, c)
	}
}

func TestIsSystemAndBroadcast(t *testing.T) {
	if !IsSystem("/sys") || !IsSystem("/sys/subscribe") || IsSystem("/system") {
		t.Error("IsSystem prefix matching is wrong")
	}
	if !IsBroadcast("/broadcast/osc/open") || IsBroadcast("/broadcaster") {
		t.Error("IsBroadcast prefix matching is wrong")
	}
}

func TestRouter_PrefixFanOut(t *testing.T) {
	r := New()
	c := &recorder{name: "c"}

	if err := r.Subscribe(c, "/a"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := r.Send("/a/b", models.Args{1}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := r.Send("/c", models.Args{2}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	want := []models.Message{{Address: "/a/b", Args: models.Args{1}}}
	if !reflect.DeepEqual(c.got, want) {
		t.Errorf("received %v, want %v", c.got, want)
	}
}

func TestRouter_RootSubscriberReceivesEverything(t *testing.T) {
	r := New()
	c := &recorder{}
	_ = r.Subscribe(c, "/")

	_ = r.Send("/x", models.Args{"1"})
	_ = r.Send("/y/z", models.Args{"2"})

	if len(c.got) != 2 {
		t.Errorf("root subscriber received %d messages, want 2", len(c.got))
	}
}

func TestRouter_SubscribeIsIdempotent(t *testing.T) {
	r := New()
	c := &recorder{}
	_ = r.Subscribe(c, "/a")
	_ = r.Subscribe(c, "/a/")

	_ = r.Send("/a", models.Args{"once"})
	if len(c.got) != 1 {
		t.Errorf("received %d copies, want 1", len(c.got))
	}
}

func TestRouter_ReservedAddressRejection(t *testing.T) {
	r := New()
	c := &recorder{}

	err := r.Subscribe(c, "/sys/anything")
	if err == nil {
		t.Fatal("Subscribe() to system address succeeded")
	}
	if !errors.Is(err, ErrReservedAddress) {
		t.Errorf("error = %v, want ErrReservedAddress", err)
	}
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Errorf("error %T is not a *ProtocolError", err)
	}

	node, _ := r.GetOrCreate("/sys/anything", nil)
	if len(node.Subscribers()) != 0 {
		t.Errorf("system node has %d subscribers", len(node.Subscribers()))
	}

	if err := r.Send("/sys/subscribe", models.Args{"/a"}); !errors.Is(err, ErrReservedAddress) {
		t.Errorf("Send() to system address error = %v", err)
	}
}

func TestRouter_SendRejectsInvalidArgs(t *testing.T) {
	r := New()
	err := r.Send("/a", models.Args{true})
	if !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("Send() error = %v, want ErrInvalidArgs", err)
	}
	if lm := r.LastMessage("/a"); lm.Sent {
		t.Error("rejected send recorded a last message")
	}
}

func TestRouter_LastMessage(t *testing.T) {
	r := New()
	_ = r.Send("/x", models.Args{9, "hi"})

	lm := r.LastMessage("/x")
	if !lm.Known || !lm.Sent || !reflect.DeepEqual(lm.Args, models.Args{9, "hi"}) {
		t.Errorf("LastMessage(/x) = %+v", lm)
	}

	if lm := r.LastMessage("/never-touched"); lm.Known {
		t.Errorf("LastMessage(/never-touched) = %+v, want unknown", lm)
	}

	// /p exists as a path node of /p/q but was never sent to directly.
	_ = r.Send("/p/q", models.Args{1})
	if lm := r.LastMessage("/p"); !lm.Known || lm.Sent {
		t.Errorf("LastMessage(/p) = %+v, want known and never sent", lm)
	}
}

func TestRouter_SendOnlyUpdatesTarget(t *testing.T) {
	r := New()
	_ = r.Send("/a", models.Args{"parent"})
	_ = r.Send("/a/b", models.Args{"child"})

	if lm := r.LastMessage("/a"); !reflect.DeepEqual(lm.Args, models.Args{"parent"}) {
		t.Errorf("ancestor last message changed to %v", lm.Args)
	}
}

func TestRouter_HasDoesNotCreate(t *testing.T) {
	r := New()
	if r.Has("/a") {
		t.Fatal("Has(/a) = true on empty tree")
	}
	if r.Has("/a") {
		t.Fatal("Has created a node")
	}
	_, _ = r.GetOrCreate("/a/b", nil)
	if !r.Has("/a") || !r.Has("/a/b/") {
		t.Error("GetOrCreate did not create path nodes")
	}
}

func TestRouter_GetOrCreateVisitsPath(t *testing.T) {
	r := New()
	var visited []string
	node, err := r.GetOrCreate("/a/b/c/", func(n *Node) {
		visited = append(visited, n.Address())
	})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	want := []string{"/", "/a", "/a/b", "/a/b/c"}
	if !reflect.DeepEqual(visited, want) {
		t.Errorf("visited %v, want %v", visited, want)
	}
	if node.Address() != "/a/b/c" {
		t.Errorf("node address = %q", node.Address())
	}
}

func TestRouter_FailingSubscriberIsIsolated(t *testing.T) {
	r := New()
	bad := &recorder{fail: true}
	good := &recorder{}
	_ = r.Subscribe(bad, "/a")
	_ = r.Subscribe(good, "/a")

	if err := r.Send("/a", models.Args{"x"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(good.got) != 1 {
		t.Errorf("good subscriber received %d messages, want 1", len(good.got))
	}
}

func TestRouter_RemoveConnection(t *testing.T) {
	r := New()
	c := &recorder{}
	other := &recorder{}
	_ = r.Subscribe(c, "/a")
	_ = r.Subscribe(c, "/b/c")
	_ = r.Subscribe(other, "/b")

	r.RemoveConnection(c)

	_ = r.Send("/a", models.Args{1})
	_ = r.Send("/b/c", models.Args{2})
	if len(c.got) != 0 {
		t.Errorf("removed connection received %v", c.got)
	}
	if len(other.got) != 1 {
		t.Errorf("remaining subscriber received %d messages, want 1", len(other.got))
	}
}

func TestRouter_OrderPreservedPerPublisher(t *testing.T) {
	r := New()
	c := &recorder{}
	_ = r.Subscribe(c, "/seq")

	for i := 0; i < 50; i++ {
		_ = r.Send("/seq", models.Args{i})
	}
	for i, msg := range c.got {
		if msg.Args[0] != i {
			t.Fatalf("message %d carried %v", i, msg.Args[0])
		}
	}
}

func TestRouter_SnapshotRestore(t *testing.T) {
	r := New()
	_ = r.Send("/b", models.Args{"text", 3, 1.5})
	_ = r.Send("/a/blob", models.Args{[]byte{1, 2, 3}, "tail"})
	_, _ = r.GetOrCreate("/never/sent", nil)

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() returned %d nodes, want 2", len(snap))
	}
	if snap[0].Address != "/a/blob" || snap[1].Address != "/b" {
		t.Errorf("snapshot order = %s, %s", snap[0].Address, snap[1].Address)
	}
	if snap[0].LastMessage[0].Kind != models.StoredBlob {
		t.Errorf("blob not elided: %+v", snap[0].LastMessage[0])
	}

	restored := New()
	restored.Restore(snap)

	lm := restored.LastMessage("/b")
	if !reflect.DeepEqual(lm.Args, models.Args{"text", int64(3), 1.5}) {
		t.Errorf("restored /b = %v", lm.Args)
	}
	lm = restored.LastMessage("/a/blob")
	if blob, ok := lm.Args[0].([]byte); !ok || len(blob) != 0 {
		t.Errorf("restored blob = %#v, want empty blob", lm.Args[0])
	}
	if lm.Args[1] != "tail" {
		t.Errorf("restored blob tail = %v", lm.Args[1])
	}
}
