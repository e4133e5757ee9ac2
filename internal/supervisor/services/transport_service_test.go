// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"
)

type fakeFlusher struct {
	runs atomic.Int32
}

func (f *fakeFlusher) RunFlushLoop(ctx context.Context) error {
	f.runs.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

type fakeSockets struct {
	shutdowns atomic.Int32
	err       error
}

func (f *fakeSockets) Shutdown(context.Context) error {
	f.shutdowns.Add(1)
	return f.err
}

func TestTransportService(t *testing.T) {
	var runs atomic.Int32
	svc := NewTransportService("osc-server", ContextServerFunc(func(ctx context.Context) error {
		runs.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}))
	if svc.String() != "osc-server" {
		t.Errorf("String() = %q", svc.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve = %v, want context.Canceled", err)
	}
	if runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", runs.Load())
	}
}

func TestTransportService_RestartedOnFailure(t *testing.T) {
	var runs atomic.Int32
	svc := NewTransportService("flaky", ContextServerFunc(func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("bind failed")
		}
		<-ctx.Done()
		return ctx.Err()
	}))

	sup := suture.New("test-sup", suture.Spec{
		FailureThreshold: 10,
		FailureBackoff:   10 * time.Millisecond,
		Timeout:          time.Second,
	})
	sup.Add(svc)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := sup.ServeBackground(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-errCh

	if runs.Load() < 3 {
		t.Errorf("runs = %d, want at least 3", runs.Load())
	}
}

func TestManagerFlushService(t *testing.T) {
	flusher := &fakeFlusher{}
	svc := NewManagerFlushService(flusher)
	if svc.String() != "manager-flush" {
		t.Errorf("String() = %q", svc.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()
	cancel()
	<-errCh

	if flusher.runs.Load() != 1 {
		t.Errorf("flush loop ran %d times, want 1", flusher.runs.Load())
	}
}

func TestWebSocketService(t *testing.T) {
	t.Run("sockets only", func(t *testing.T) {
		sockets := &fakeSockets{}
		svc := NewWebSocketService(sockets, nil, 0)
		if svc.shutdownTimeout != DefaultShutdownTimeout {
			t.Errorf("shutdownTimeout = %v", svc.shutdownTimeout)
		}

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- svc.Serve(ctx) }()
		cancel()

		if err := <-errCh; !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
		if sockets.shutdowns.Load() != 1 {
			t.Errorf("socket shutdowns = %d, want 1", sockets.shutdowns.Load())
		}
	})

	t.Run("dedicated listener", func(t *testing.T) {
		sockets := &fakeSockets{}
		listener := newMockHTTPServer()
		listener.block = true
		svc := NewWebSocketService(sockets, listener, time.Second)

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- svc.Serve(ctx) }()

		waitStarted(t, listener)
		cancel()

		select {
		case err := <-errCh:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Serve = %v, want context.Canceled", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Serve did not return")
		}
		if sockets.shutdowns.Load() != 1 || listener.shutdownCount.Load() != 1 {
			t.Errorf("shutdowns: sockets=%d listener=%d", sockets.shutdowns.Load(), listener.shutdownCount.Load())
		}
	})

	t.Run("listener bind failure", func(t *testing.T) {
		bindErr := errors.New("bind failed")
		listener := newMockHTTPServer()
		listener.listenErr = bindErr

		err := NewWebSocketService(&fakeSockets{}, listener, time.Second).Serve(context.Background())
		if !errors.Is(err, bindErr) {
			t.Errorf("Serve = %v, want %v", err, bindErr)
		}
	})

	t.Run("socket shutdown timeout surfaces", func(t *testing.T) {
		sockets := &fakeSockets{err: context.DeadlineExceeded}
		svc := NewWebSocketService(sockets, nil, time.Second)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := svc.Serve(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Serve = %v, want DeadlineExceeded", err)
		}
	})
}
