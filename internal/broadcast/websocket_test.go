package broadcast

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
)

func TestWebsocketHubDeliversToConnectedClient(t *testing.T) {
	hub := NewWebsocketHub(nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// Give the server a moment to register the client before delivering.
	time.Sleep(20 * time.Millisecond)
	hub.Deliver(Message{Type: "task.completed", Payload: map[string]any{"task_id": "t1"}, Timestamp: time.Now()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got.Type != "task.completed" {
		t.Fatalf("expected type task.completed, got %q", got.Type)
	}
	if got.Payload["task_id"] != "t1" {
		t.Fatalf("unexpected payload: %+v", got.Payload)
	}
}

func TestWebsocketHubCloseDisconnectsClients(t *testing.T) {
	hub := NewWebsocketHub(nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)
	if err := hub.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected read to fail after hub close")
	}
}
