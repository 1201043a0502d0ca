package game

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func waitForClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.clientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d connected clients, got %d", want, h.clientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readScore(t *testing.T, conn *websocket.Conn) ScoreMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg ScoreMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func TestHub_BroadcastReachesAllClients(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	a := dialHub(t, srv)
	defer a.Close()
	b := dialHub(t, srv)
	defer b.Close()
	waitForClients(t, hub, 2)

	hub.Broadcast(ScoreMessage{
		Type:      "score_posted",
		GameID:    "game-1",
		UserID:    "user1",
		Symbol:    "ACME",
		Total:     "11250000",
		ReturnPct: "12.5",
	})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readScore(t, conn)
		if msg.Type != "score_posted" {
			t.Errorf("expected score_posted, got %s", msg.Type)
		}
		if msg.GameID != "game-1" || msg.Total != "11250000" {
			t.Errorf("unexpected payload: %+v", msg)
		}
	}
}

func TestHub_DisconnectedClientIsDropped(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	a := dialHub(t, srv)
	defer a.Close()
	b := dialHub(t, srv)
	waitForClients(t, hub, 2)

	b.Close()
	waitForClients(t, hub, 1)

	// The survivor still receives broadcasts after the drop.
	hub.Broadcast(ScoreMessage{Type: "score_posted", GameID: "game-2"})
	msg := readScore(t, a)
	if msg.GameID != "game-2" {
		t.Errorf("expected game-2, got %s", msg.GameID)
	}
}
