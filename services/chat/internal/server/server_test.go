package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/websocket"

	"bookshare/internal/ratelimit"
	"bookshare/pkg/domain"
	"bookshare/pkg/store"
	"bookshare/services/chat/internal/app"
)

func newTestServer(t *testing.T, limiter *ratelimit.FixedWindow) *httptest.Server {
	t.Helper()
	st := store.NewMemoryStore()
	for _, id := range []string{"ana", "ben", "cleo"} {
		if err := st.SaveUser(domain.User{ID: id, ExternalID: "ext_" + id, Email: id + "@example.com"}); err != nil {
			t.Fatalf("save user: %v", err)
		}
	}
	core, err := app.New(app.Config{Store: st})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	s, err := New(Config{App: core, MessageLimiter: limiter})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, externalID string) *websocket.Conn {
	t.Helper()
	cfg, err := websocket.NewConfig("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", srv.URL)
	if err != nil {
		t.Fatalf("ws config: %v", err)
	}
	cfg.Header.Set("X-Clerk-User-Id", externalID)
	conn, err := websocket.DialConfig(cfg)
	if err != nil {
		t.Fatalf("dial as %s: %v", externalID, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type frame struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := websocket.JSON.Receive(conn, &f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func sendFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := websocket.JSON.Send(conn, v); err != nil {
		t.Fatalf("send frame: %v", err)
	}
}

func join(t *testing.T, conn *websocket.Conn, room string) frame {
	t.Helper()
	sendFrame(t, conn, map[string]string{"type": "join_room", "roomId": room})
	return readFrame(t, conn)
}

func TestSocketRelay(t *testing.T) {
	srv := newTestServer(t, nil)
	room := domain.RoomID("ana", "ben")
	ana := dial(t, srv, "ext_ana")
	ben := dial(t, srv, "ext_ben")
	cleo := dial(t, srv, "ext_cleo")

	if f := join(t, ana, room); f.Type != "room_joined" || f.RoomID != room {
		t.Fatalf("ana join = %+v", f)
	}
	if f := join(t, ben, room); f.Type != "room_joined" {
		t.Fatalf("ben join = %+v", f)
	}
	if f := join(t, cleo, room); f.Type != "error" || f.Message != "You are not a participant of this room" {
		t.Fatalf("cleo join = %+v", f)
	}

	sendFrame(t, ana, map[string]any{
		"type":    "send_message",
		"roomId":  room,
		"content": "meet at the library?",
		"data":    map[string]string{"relatedBook": "b1"},
	})
	got := readFrame(t, ben)
	if got.Type != "receive_message" {
		t.Fatalf("ben got %+v", got)
	}
	var payload struct {
		Sender  string            `json:"sender"`
		Content string            `json:"content"`
		Data    map[string]string `json:"data"`
	}
	if err := json.Unmarshal(got.Data, &payload); err != nil {
		t.Fatalf("decode relay: %v", err)
	}
	if payload.Sender != "ana" || payload.Content != "meet at the library?" || payload.Data["relatedBook"] != "b1" {
		t.Fatalf("relay payload = %+v", payload)
	}

	sendFrame(t, cleo, map[string]string{"type": "send_message", "roomId": room, "content": "hi"})
	if f := readFrame(t, cleo); f.Type != "error" {
		t.Fatalf("unjoined send = %+v", f)
	}
}

func TestSocketRequiresIdentity(t *testing.T) {
	srv := newTestServer(t, nil)
	cfg, err := websocket.NewConfig("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", srv.URL)
	if err != nil {
		t.Fatalf("ws config: %v", err)
	}
	if _, err := websocket.DialConfig(cfg); err == nil {
		t.Fatal("anonymous websocket accepted")
	}
}

func post(t *testing.T, srv *httptest.Server, method, path, externalID string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, srv.URL+path, &buf)
	req.Header.Set("X-Clerk-User-Id", externalID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestRESTMessagesReachSockets(t *testing.T) {
	srv := newTestServer(t, nil)
	room := domain.RoomID("ana", "ben")
	ana := dial(t, srv, "ext_ana")
	join(t, ana, room)

	status, body := post(t, srv, http.MethodPost, "/api/messages", "ext_ben", map[string]string{"receiverId": "ana", "content": "book is ready"})
	if status != http.StatusCreated {
		t.Fatalf("post = %d %v", status, body)
	}
	if f := readFrame(t, ana); f.Type != "receive_message" || !strings.Contains(string(f.Data), "book is ready") {
		t.Fatalf("ana got %+v", f)
	}

	status, body = post(t, srv, http.MethodGet, "/api/messages/rooms", "ext_ana", nil)
	rooms, _ := body["data"].([]any)
	if status != http.StatusOK || len(rooms) != 1 {
		t.Fatalf("rooms = %d %v", status, body)
	}
	if unread := rooms[0].(map[string]any)["unreadCount"]; unread != float64(1) {
		t.Fatalf("unread = %v", unread)
	}

	status, body = post(t, srv, http.MethodPut, "/api/messages/room/"+room+"/read", "ext_ana", nil)
	if status != http.StatusOK || body["data"].(map[string]any)["count"] != float64(1) {
		t.Fatalf("mark read = %d %v", status, body)
	}
	status, _ = post(t, srv, http.MethodGet, "/api/messages/room/"+room, "ext_cleo", nil)
	if status != http.StatusForbidden {
		t.Fatalf("outsider history = %d", status)
	}
	status, body = post(t, srv, http.MethodPost, "/api/messages", "ext_ben", map[string]string{"receiverId": "nobody", "content": "x"})
	if status != http.StatusNotFound || body["message"] != "Receiver not found" {
		t.Fatalf("unknown receiver = %d %v", status, body)
	}
}

func TestMessageRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := ratelimit.NewFixedWindow(client, "test:chat", 1, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	srv := newTestServer(t, limiter)
	msg := map[string]string{"receiverId": "ana", "content": "hi"}
	if status, body := post(t, srv, http.MethodPost, "/api/messages", "ext_ben", msg); status != http.StatusCreated {
		t.Fatalf("first = %d %v", status, body)
	}
	status, body := post(t, srv, http.MethodPost, "/api/messages", "ext_ben", msg)
	if status != http.StatusTooManyRequests || body["code"] != "RATE_LIMITED" {
		t.Fatalf("second = %d %v", status, body)
	}
}
