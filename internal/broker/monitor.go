package broker

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opendiag/vcibridge/internal/eventbus"
)

const (
	monitorWriteTimeout = 5 * time.Second
	monitorPingInterval = 30 * time.Second
)

var monitorUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The monitor binds to localhost; browser tooling connecting to it
	// is expected regardless of origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// serveMonitor runs the read-only websocket endpoint that streams bridge
// log lines, voltage samples and session events to observers.
func (b *Broker) serveMonitor(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/monitor", func(w http.ResponseWriter, r *http.Request) {
		b.handleMonitorConn(ctx, w, r)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[Monitor] listening on ws://%s/monitor", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("[Monitor] server error: %v", err)
	}
}

func (b *Broker) handleMonitorConn(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if b.bus == nil {
		http.Error(w, "monitoring unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := monitorUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Monitor] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	logs := b.bus.Subscribe(eventbus.TopicBridgeLog, 64)
	volts := b.bus.Subscribe(eventbus.TopicVoltage, 16)
	sessions := b.bus.Subscribe(eventbus.TopicSession, 16)
	defer logs.Close()
	defer volts.Close()
	defer sessions.Close()

	// Discard client frames but notice the close handshake.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(monitorPingInterval)
	defer ping.Stop()

	write := func(messageType int, ev any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(monitorWriteTimeout))
		if messageType == websocket.PingMessage {
			return conn.WriteMessage(websocket.PingMessage, nil)
		}
		return conn.WriteJSON(ev)
	}

	for {
		var err error
		select {
		case ev := <-logs.C:
			err = write(websocket.TextMessage, ev)
		case ev := <-volts.C:
			err = write(websocket.TextMessage, ev)
		case ev := <-sessions.C:
			err = write(websocket.TextMessage, ev)
		case <-ping.C:
			err = write(websocket.PingMessage, nil)
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}
