package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opendiag/vcibridge/internal/config"
	"github.com/opendiag/vcibridge/internal/eventbus"
)

func TestMonitorStreamsEvents(t *testing.T) {
	bus := eventbus.New()
	b := New(config.Default(), newMockAdapter(), bus)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.handleMonitorConn(ctx, w, r)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/monitor"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial monitor: %v", err)
	}
	defer conn.Close()

	// Let the handler register its subscriptions before publishing.
	deadline := time.Now().Add(2 * time.Second)
	var ev eventbus.Event
	for {
		bus.Publish(eventbus.TopicBridgeLog, "driver loaded")

		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if err := conn.ReadJSON(&ev); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no event received on monitor stream")
		}
	}
	if ev.Topic != eventbus.TopicBridgeLog {
		t.Fatalf("topic = %s", ev.Topic)
	}
	if ev.Payload != "driver loaded" {
		t.Fatalf("payload = %v", ev.Payload)
	}

	// Earlier publishes may have queued duplicate log events; skip them.
	bus.Publish(eventbus.TopicVoltage, 12.4)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read voltage event: %v", err)
		}
		if ev.Topic == eventbus.TopicVoltage {
			break
		}
	}
	if ev.Payload != 12.4 {
		t.Fatalf("voltage payload = %v", ev.Payload)
	}
}

func TestMonitorUnavailableWithoutBus(t *testing.T) {
	b := New(config.Default(), newMockAdapter(), nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.handleMonitorConn(context.Background(), w, r)
	}))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/monitor")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d; want 503", resp.StatusCode)
	}
}
