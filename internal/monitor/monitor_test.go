package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/NotCoffee418/meterbridge/internal/shutdown"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func TestHandleStatusReflectsLastPublished(t *testing.T) {
	m := New(zap.NewNop())
	m.PublishValues([]byte(`{"power_active":259.2}`))
	m.PublishDevice([]byte(`{"serial_number":"1EBZ0100507409"}`))
	m.PublishAvailability(true)

	srv := httptest.NewServer(http.HandlerFunc(m.handleStatus))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Values       json.RawMessage `json:"values"`
		Device       json.RawMessage `json:"device"`
		Availability string          `json:"availability"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Availability != "connected" {
		t.Fatalf("availability = %q, want connected", body.Availability)
	}
	if !strings.Contains(string(body.Values), "259.2") {
		t.Fatalf("values payload missing expected field: %s", body.Values)
	}
}

func TestWebSocketReceivesBacklogThenBroadcasts(t *testing.T) {
	m := New(zap.NewNop())
	m.PublishAvailability(true)

	srv := httptest.NewServer(http.HandlerFunc(m.handleWS))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, backlog, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read backlog message: %v", err)
	}
	var got message
	if err := json.Unmarshal(backlog, &got); err != nil {
		t.Fatalf("failed to decode backlog message: %v", err)
	}
	if got.Kind != KindAvailability {
		t.Fatalf("backlog kind = %q, want %q", got.Kind, KindAvailability)
	}

	m.PublishValues([]byte(`{"power_active":100}`))
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, live, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read live broadcast: %v", err)
	}
	if err := json.Unmarshal(live, &got); err != nil {
		t.Fatalf("failed to decode live message: %v", err)
	}
	if got.Kind != KindValues {
		t.Fatalf("live kind = %q, want %q", got.Kind, KindValues)
	}
}

func TestServeShutsDownOnCoordinator(t *testing.T) {
	m := New(zap.NewNop())
	sc := shutdown.New()

	done := make(chan error, 1)
	go func() { done <- m.Serve("127.0.0.1:0", sc) }()
	time.Sleep(20 * time.Millisecond)

	sc.Shutdown()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return within 3s of shutdown")
	}
}
