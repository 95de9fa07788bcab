package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"shellmux/internal/config"
	"shellmux/internal/events"
	"shellmux/internal/logstream"
	"shellmux/internal/protocol"
	"shellmux/internal/session"

	"github.com/gorilla/websocket"
)

// newTestServer wires a server around a fake CLI shell that greets and
// then echoes its input.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	cli := config.CLIConfig{
		Command:        "sh",
		Args:           []string{"-c", "echo Welcome; cat"},
		RemoteArgs:     []string{"-c", `echo "$@"`, "remote"},
		Greeting:       "welcome",
		ConnectTimeout: config.Duration(5 * time.Second),
		KillGrace:      config.Duration(100 * time.Millisecond),
	}
	completion := config.Default().Completion
	completion.InactivityQuiet = config.Duration(100 * time.Millisecond)
	completion.InactivityPoll = config.Duration(20 * time.Millisecond)
	policy, err := session.NewPolicy(completion)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}

	bus := events.NewBus(100)
	sess := session.New(cli, policy, bus)
	streams := logstream.NewManager(cli, config.Default().Logs, bus, func() bool {
		return sess.State() == session.StateConnected
	})
	sess.OnClose(func() { streams.StopAll(logstream.ReasonDisconnected) })

	t.Cleanup(func() {
		sess.Close()
		bus.Close()
	})
	return New(sess, streams, bus, "")
}

func TestServer_Handler(t *testing.T) {
	srv := newTestServer(t)
	if srv.Handler() == nil {
		t.Fatal("expected non-nil handler")
	}
}

func TestServer_StatusDisconnected(t *testing.T) {
	handler := newTestServer(t).Handler()

	req := httptest.NewRequest("GET", "/status", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var body map[string]interface{}
	json.NewDecoder(w.Body).Decode(&body)
	if body["state"] != "disconnected" {
		t.Errorf("expected disconnected, got %v", body["state"])
	}
}

func TestServer_SubmitBeforeConnect(t *testing.T) {
	handler := newTestServer(t).Handler()

	req := httptest.NewRequest("POST", "/commands", strings.NewReader(`{"text":"ls"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", w.Code)
	}
}

func TestServer_SubmitBadBody(t *testing.T) {
	handler := newTestServer(t).Handler()

	req := httptest.NewRequest("POST", "/commands", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_StartStreamBeforeConnect(t *testing.T) {
	handler := newTestServer(t).Handler()

	req := httptest.NewRequest("POST", "/streams", strings.NewReader(`{"files":["/var/log/app.log"],"mode":"follow"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", w.Code)
	}
}

func TestServer_StopUnknownStream(t *testing.T) {
	handler := newTestServer(t).Handler()

	req := httptest.NewRequest("DELETE", "/streams/no-such-id", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_ConnectSubmitDisconnect(t *testing.T) {
	handler := newTestServer(t).Handler()

	req := httptest.NewRequest("POST", "/connect", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("connect: expected 200, got %d (%s)", w.Code, w.Body.String())
	}

	req = httptest.NewRequest("POST", "/commands", strings.NewReader(`{"text":"hello rest"}`))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("submit: expected 200, got %d (%s)", w.Code, w.Body.String())
	}

	var body map[string]interface{}
	json.NewDecoder(w.Body).Decode(&body)
	if body["output"] != "hello rest" {
		t.Errorf("expected echoed output, got %v", body["output"])
	}
	if body["exitCode"] != float64(0) {
		t.Errorf("expected exit code 0, got %v", body["exitCode"])
	}

	req = httptest.NewRequest("POST", "/disconnect", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("disconnect: expected 200, got %d", w.Code)
	}
}

func TestServer_WebSocketStatusOnConnect(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != protocol.TypeStatus {
		t.Fatalf("expected status message first, got %s", msg.Type)
	}

	var p protocol.StatusPayload
	json.Unmarshal(msg.Payload, &p)
	if p.State != "disconnected" {
		t.Errorf("expected disconnected state, got %s", p.State)
	}
}

func TestServer_WebSocketInvalidMessage(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Skip the initial status message.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	conn.ReadMessage()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("garbage")); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg protocol.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type == protocol.TypeError {
			var p protocol.ErrorPayload
			json.Unmarshal(msg.Payload, &p)
			if p.Code != protocol.ErrInvalidMessage {
				t.Errorf("expected INVALID_MESSAGE, got %s", p.Code)
			}
			return
		}
	}
	t.Fatal("no error message received")
}
