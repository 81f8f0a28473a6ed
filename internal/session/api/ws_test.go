package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/droidpilot/droidpilot/internal/session"
	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
	"github.com/droidpilot/droidpilot/pkg/events"
)

// dialSession connects a WebSocket client to the session's event stream.
func dialSession(t *testing.T, serverURL, sessionID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/api/v1/sessions/" + sessionID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEvents reads one WebSocket frame and decodes the newline-separated
// events coalesced into it.
func readEvents(t *testing.T, conn *websocket.Conn) []*events.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}

	var got []*events.Event
	for _, part := range bytes.Split(raw, []byte{'\n'}) {
		if len(part) == 0 {
			continue
		}
		var evt events.Event
		if err := json.Unmarshal(part, &evt); err != nil {
			t.Fatalf("failed to unmarshal event %q: %v", part, err)
		}
		got = append(got, &evt)
	}
	return got
}

// collectUntilTerminal reads frames until a terminal event arrives.
func collectUntilTerminal(t *testing.T, conn *websocket.Conn) []*events.Event {
	t.Helper()
	var got []*events.Event
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, evt := range readEvents(t, conn) {
			got = append(got, evt)
			if evt.Type == events.EventTypeTerminal {
				return got
			}
		}
	}
	t.Fatal("no terminal event before deadline")
	return nil
}

func TestStreamEvents_DeliversTaskEvents(t *testing.T) {
	router, mgr, _ := setupTestRouter(t, scripted(
		`do(action="Launch", app="设置")`,
		`finish(message="done")`,
	))
	srv := httptest.NewServer(router)
	defer srv.Close()

	sess := mgr.CreateSession("")
	conn := dialSession(t, srv.URL, sess.ID)

	task, err := mgr.Start(context.Background(), sess.ID, "open the settings app", session.TaskOverrides{})
	if err != nil {
		t.Fatalf("failed to start task: %v", err)
	}

	got := collectUntilTerminal(t, conn)
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i, evt := range got {
		if evt.SessionID != sess.ID || evt.TaskID != task.ID {
			t.Errorf("event %d carries wrong identifiers: %+v", i, evt)
		}
	}
	if got[0].Type != events.EventTypeStepUpdate {
		t.Errorf("expected step_update first, got %s", got[0].Type)
	}
	if n, ok := got[0].Data["step_number"].(float64); !ok || int(n) != 1 {
		t.Errorf("expected step 1 first, got %v", got[0].Data["step_number"])
	}
	last := got[len(got)-1]
	if last.Type != events.EventTypeTerminal {
		t.Errorf("expected terminal last, got %s", last.Type)
	}
	if status, _ := last.Data["status"].(string); status != string(v1.TaskStatusCompleted) {
		t.Errorf("expected completed status, got %v", last.Data["status"])
	}
}

func TestStreamEvents_ConfirmationReply(t *testing.T) {
	router, mgr, _ := setupTestRouter(t, scripted(
		`do(action="Tap", element=[500,500], message="confirm payment")`,
		`finish(message="abort")`,
	))
	srv := httptest.NewServer(router)
	defer srv.Close()

	sess := mgr.CreateSession("")
	conn := dialSession(t, srv.URL, sess.ID)

	if _, err := mgr.Start(context.Background(), sess.ID, "buy the thing", session.TaskOverrides{}); err != nil {
		t.Fatalf("failed to start task: %v", err)
	}

	var denied bool
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, evt := range readEvents(t, conn) {
			switch evt.Type {
			case events.EventTypeConfirmationRequest:
				if msg, _ := evt.Data["message"].(string); msg != "confirm payment" {
					t.Errorf("expected confirmation message, got %v", evt.Data["message"])
				}
				reply := ReplyMessage{
					Kind:     KindConfirmationReply,
					ID:       evt.Data["request_id"].(string),
					Approved: false,
				}
				if err := conn.WriteJSON(reply); err != nil {
					t.Fatalf("failed to send reply: %v", err)
				}
			case events.EventTypeStepUpdate:
				if msg, _ := evt.Data["message"].(string); msg == "user denied" {
					denied = true
				}
			case events.EventTypeTerminal:
				if !denied {
					t.Error("denied step must precede the terminal event")
				}
				if status, _ := evt.Data["status"].(string); status != string(v1.TaskStatusCompleted) {
					t.Errorf("expected completed status, got %v", evt.Data["status"])
				}
				return
			}
		}
	}
	t.Fatal("no terminal event before deadline")
}

func TestStreamEvents_SessionNotFound(t *testing.T) {
	router, _, _ := setupTestRouter(t, scripted())
	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/missing/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		conn.Close()
		t.Fatal("expected the handshake to fail")
	}
	if resp == nil || resp.StatusCode != 404 {
		t.Errorf("expected status 404, got %+v", resp)
	}
}
