package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetplane/fleetplane/internal/models"
)

func dialStream(t *testing.T, stack *testStack, roles string) (*websocket.Conn, *http.Response) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(stack.server.URL, "http") + "/events/stream"
	header := http.Header{}
	if roles != "" {
		header.Set(rolesHeader, roles)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil && conn == nil {
		return nil, resp
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, resp
}

func TestStreamRequiresViewerRole(t *testing.T) {
	stack := newTestStack(t)
	conn, resp := dialStream(t, stack, "")
	if conn != nil {
		t.Fatal("unauthenticated dial must not upgrade")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %+v, want 401", resp)
	}
}

func TestStreamDeliversPublishedEvents(t *testing.T) {
	stack := newTestStack(t)
	conn, _ := dialStream(t, stack, "viewer")
	if conn == nil {
		t.Fatal("dial failed")
	}

	body := publishBody(models.EventTypeDeliveryFailed, map[string]any{
		"endpoint":    "svc-a",
		"status_code": 502,
	})
	resp := doRequest(t, http.MethodPost, stack.server.URL+"/events/publish", "operator", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("publish status = %d", resp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var stored models.StoredEvent
	if err := conn.ReadJSON(&stored); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if stored.Event.EventType != models.EventTypeDeliveryFailed {
		t.Fatalf("streamed type = %q", stored.Event.EventType)
	}
}
