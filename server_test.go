package forward

import (
	"context"
	"net"
	"testing"
	"time"
)

var loopback = &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}

func newTestServer(t *testing.T, onEvent func(*Conn, *Event) error, opts ...ServerOption) *Server {
	t.Helper()
	opts = append([]ServerOption{
		ServerLoggerOption(&mockLogger{}),
		ServerConnOptions(OnEventOption(onEvent)),
	}, opts...)
	server, err := New(loopback, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return server
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew(t *testing.T) {
	server := newTestServer(t, discardEvents)
	defer server.Close()

	if server.listener == nil {
		t.Error("listener is nil")
	}
	if server.Addr() == nil {
		t.Error("Addr returned nil")
	}
}

func TestNew_MissingOnEvent(t *testing.T) {
	if _, err := New(loopback); err != ErrInvalidOnEvent {
		t.Errorf("expected ErrInvalidOnEvent, got %v", err)
	}
}

func TestNew_InvalidAddr(t *testing.T) {
	// First create a listener to occupy a port
	server1 := newTestServer(t, discardEvents)
	defer server1.Close()

	// Try to create another server on the same port
	addr := server1.Addr().(*net.TCPAddr)
	_, err := New(addr, ServerConnOptions(OnEventOption(discardEvents)))
	if err == nil {
		t.Error("expected error when binding to occupied port")
	}
}

func TestServer_Close(t *testing.T) {
	server := newTestServer(t, discardEvents)

	if err := server.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestServer_Serve_Events(t *testing.T) {
	received := make(chan *Event, 4)
	server := newTestServer(t, func(c *Conn, ev *Event) error {
		received <- ev
		return nil
	})
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()

	client, err := Dial(ctx, server.Addr().String(), LoggerOption(&mockLogger{}))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	go func() {
		_ = client.Run(ctx)
	}()

	waitFor(t, "connection to be tracked", func() bool { return server.ConnCount() == 1 })

	if err = client.WriteBlocking(ctx, NewEvent(time.Unix(1672531201, 0), map[string]any{"tags": "app", "msg": "hi"})); err != nil {
		t.Fatalf("WriteBlocking failed: %v", err)
	}

	select {
	case ev := <-received:
		if ev.Fields["tags"] != "app" || ev.Fields["msg"] != "hi" {
			t.Errorf("unexpected fields %v", ev.Fields)
		}
		if ev.Timestamp.Unix() != 1672531201 {
			t.Errorf("timestamp = %d, want 1672531201", ev.Timestamp.Unix())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	_ = client.Close()
	waitFor(t, "connection to be untracked", func() bool { return server.ConnCount() == 0 })

	// Cancel context to stop server
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServer_Serve_MultipleConnections(t *testing.T) {
	received := make(chan string, 16)
	server := newTestServer(t, func(c *Conn, ev *Event) error {
		received <- ev.Fields["msg"].(string)
		return nil
	})
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = server.Serve(ctx)
	}()

	const numClients = 3
	for i := 0; i < numClients; i++ {
		client, err := Dial(ctx, server.Addr().String(), LoggerOption(&mockLogger{}))
		if err != nil {
			t.Fatalf("Dial %d failed: %v", i, err)
		}
		go func() {
			_ = client.Run(ctx)
		}()
		if err = client.WriteBlocking(ctx, testEvent("hello")); err != nil {
			t.Fatalf("WriteBlocking %d failed: %v", i, err)
		}
	}

	for i := 0; i < numClients; i++ {
		select {
		case msg := <-received:
			if msg != "hello" {
				t.Errorf("msg = %q, want hello", msg)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for event %d", i)
		}
	}
}

func TestServer_Serve_ContextCanceled(t *testing.T) {
	server := newTestServer(t, discardEvents)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())

	// Start serving in goroutine
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()

	// Give server time to start
	time.Sleep(time.Millisecond * 50)

	// Cancel context
	cancel()

	// Wait for Serve to return
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServer_CloseBypassesShutdownTimeout(t *testing.T) {
	server := newTestServer(t, discardEvents, ServerShutdownTimeoutOption(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()

	time.Sleep(time.Millisecond * 50)
	cancel()
	time.Sleep(time.Millisecond * 50)
	_ = server.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not bypass the shutdown timeout")
	}
}

func TestServer_CloseClosesConnections(t *testing.T) {
	server := newTestServer(t, discardEvents)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = server.Serve(ctx)
	}()

	client, err := net.DialTCP("tcp", nil, server.Addr().(*net.TCPAddr))
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}
	defer client.Close()

	waitFor(t, "connection to be tracked", func() bool { return server.ConnCount() == 1 })
	_ = server.Close()

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err = client.Read(make([]byte, 1)); err == nil {
		t.Error("expected the server to close the connection")
	}
}
