package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bskqd/bgram/internal/bus"

	"github.com/gorilla/websocket"
)

// dialPair upgrades a throwaway HTTP connection and returns both ends.
func dialPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()
	done := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sock, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		done <- sock
	}))
	t.Cleanup(srv.Close)

	c, _, err := websocket.DefaultDialer.Dial(strings.Replace(srv.URL, "http://", "ws://", 1), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	select {
	case s := <-done:
		return s, c
	case <-time.After(time.Second):
		t.Fatal("server side never upgraded")
	}
	return nil, nil
}

func TestConn_Lifecycle(t *testing.T) {
	b := bus.NewMemoryBus()
	sub, err := b.Subscribe(context.Background(), bus.RoomChannel(1))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	reg := NewRegistry()
	server, client := dialPair(t)
	defer client.Close()

	conn := newConn(reg, server, sub, 1, "alice", []string{bus.RoomChannel(1)})
	if conn.State() != StateAccepted {
		t.Errorf("State() = %d, want accepted", conn.State())
	}
	if reg.Online() != 1 {
		t.Errorf("Online() = %d, want 1", reg.Online())
	}
	go conn.Run()

	if err := b.Publish(context.Background(), bus.RoomChannel(1), []byte("ping")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(payload) != "ping" {
		t.Errorf("payload = %s, want ping", payload)
	}

	conn.Disconnect()
	conn.Disconnect() // idempotent
	if conn.State() != StateClosed {
		t.Errorf("State() after disconnect = %d, want closed", conn.State())
	}
	if reg.Online() != 0 {
		t.Errorf("Online() after disconnect = %d, want 0", reg.Online())
	}

	// The subscription is gone, later publishes go nowhere.
	if err := b.Publish(context.Background(), bus.RoomChannel(1), []byte("late")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Error("client should not receive events after disconnect")
	}
}
