package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/agentworkforce/relayhook/internal/hookstore"
)

// Subscribers are not tied to the client library the server uses.
func TestChannelServesIndependentClients(t *testing.T) {
	store := hookstore.NewStore()
	server := NewServer(store)
	ts := httptest.NewServer(server)
	defer ts.Close()

	endpoint, err := store.CreateEndpoint(context.Background(), "")
	if err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	conn, resp, err := gws.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/"+endpoint.ID, nil)
	if err != nil {
		t.Fatalf("dial channel: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	res, err := http.Post(ts.URL+"/w/"+endpoint.ID+"?a=1", "text/plain", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	_ = res.Body.Close()

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if messageType != gws.TextMessage {
		t.Fatalf("expected text frame, got %d", messageType)
	}
	var frame struct {
		Type string                    `json:"type"`
		Data hookstore.CapturedRequest `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.Type != "new_request" || frame.Data.BodyRaw == nil || *frame.Data.BodyRaw != "hello" || frame.Data.QueryParams["a"] != "1" {
		t.Fatalf("unexpected frame: %s", string(data))
	}
	if frame.Data.BodyJSON != nil {
		t.Fatalf("expected no body_json for text/plain, got %s", string(frame.Data.BodyJSON))
	}

	if err := conn.WriteMessage(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseNormalClosure, "")); err != nil {
		t.Fatalf("write close: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for server.Hub().Subscribers(endpoint.ID) != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := server.Hub().Subscribers(endpoint.ID); got != 0 {
		t.Fatalf("expected subscriber to be released after close, got %d", got)
	}
}
