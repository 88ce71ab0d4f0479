// Package broker implements the access broker daemon: it owns the single
// bridge process and serializes hardware access for any number of TCP
// clients. Clients exchange newline-delimited JSON requests and responses;
// every hardware-touching command flows through one worker goroutine, so
// two clients can never interleave on the adapter.
package broker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opendiag/vcibridge/internal/config"
	"github.com/opendiag/vcibridge/internal/constants"
	"github.com/opendiag/vcibridge/internal/eventbus"
	"github.com/opendiag/vcibridge/internal/protocol"
	"github.com/opendiag/vcibridge/internal/vci"
	"github.com/opendiag/vcibridge/internal/version"
)

const maxRequestLine = 256 * 1024

// Adapter is the hardware surface the broker serializes. Implemented by
// bridgeclient.Client; tests substitute a recording mock.
type Adapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	Running() bool
	Pid() int
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Configure(ctx context.Context, req vci.ConfigRequest) error
	SendReceive(ctx context.Context, data string, timeoutMs int) (reply, status string, err error)
	SendReceiveMultiple(ctx context.Context, data string, timeoutMs, frames int) (reply, status string, err error)
	PerformInit(ctx context.Context, descriptor string) (string, error)
	AnalogVoltage(ctx context.Context) (float64, error)
}

// session is one connected TCP client.
type session struct {
	id           string
	remote       string
	connectedAt  time.Time
	lastActivity time.Time
	// ecu holds the client's last successful configure_ecu request, so
	// the worker can re-bind the adapter when clients alternate.
	ecu *vci.ConfigRequest
}

type job struct {
	sess  *session
	req   protocol.Request
	reply chan protocol.Response
}

// Broker accepts client connections and serializes adapter access.
type Broker struct {
	cfg     config.Config
	adapter Adapter
	bus     *eventbus.Bus

	// WatchdogTimeout bounds one hardware operation; a job exceeding it
	// is abandoned and the broker fails fast until the stale operation
	// returns. Defaults to constants.WorkerWatchdogTimeout.
	WatchdogTimeout time.Duration

	mu            sync.Mutex
	sessions      map[string]*session
	owner         string
	vciConnected  bool
	configuredFor string
	lastVoltage   *float64
	started       time.Time

	jobs   chan *job
	wedged atomic.Bool

	ln     net.Listener
	cancel context.CancelFunc
}

// New builds a broker around an adapter. bus may be nil.
func New(cfg config.Config, adapter Adapter, bus *eventbus.Bus) *Broker {
	return &Broker{
		cfg:             cfg,
		adapter:         adapter,
		bus:             bus,
		WatchdogTimeout: constants.WorkerWatchdogTimeout,
		sessions:        make(map[string]*session),
		jobs:            make(chan *job, 64),
	}
}

// Listen binds the client-facing TCP socket.
func (b *Broker) Listen() error {
	ln, err := net.Listen("tcp", b.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("broker: listen %s: %w", b.cfg.ListenAddr(), err)
	}
	b.ln = ln
	return nil
}

// Addr returns the bound listen address. Valid after Listen.
func (b *Broker) Addr() net.Addr {
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

// Serve accepts clients until ctx is cancelled or Shutdown is called.
func (b *Broker) Serve(ctx context.Context) error {
	if b.ln == nil {
		if err := b.Listen(); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	defer cancel()

	b.mu.Lock()
	b.started = time.Now()
	b.mu.Unlock()

	go b.worker(ctx)
	go b.sampleVoltage(ctx)
	if addr := b.cfg.MonitorAddr(); addr != "" {
		go b.serveMonitor(ctx, addr)
	}
	go func() {
		<-ctx.Done()
		b.ln.Close()
	}()

	log.Printf("[Broker] listening on %s", b.ln.Addr())
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("broker: accept: %w", err)
		}
		go b.handleConn(ctx, conn)
	}
}

// Shutdown stops the accept loop and the worker.
func (b *Broker) Shutdown() {
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *Broker) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sess := b.addSession(conn)
	defer b.removeSession(sess)

	enc := json.NewEncoder(conn)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxRequestLine)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(errorResponse(0, "malformed request: "+err.Error()))
			continue
		}

		b.mu.Lock()
		sess.lastActivity = time.Now()
		b.mu.Unlock()

		resp := b.dispatch(ctx, sess, req)
		resp.ID = req.ID
		if err := enc.Encode(resp); err != nil {
			return
		}
		if req.Command == protocol.BrokerShutdown && resp.Success() {
			b.Shutdown()
			return
		}
	}
}

func (b *Broker) addSession(conn net.Conn) *session {
	sess := &session{
		id:           uuid.NewString(),
		remote:       conn.RemoteAddr().String(),
		connectedAt:  time.Now(),
		lastActivity: time.Now(),
	}
	b.mu.Lock()
	b.sessions[sess.id] = sess
	count := len(b.sessions)
	b.mu.Unlock()

	log.Printf("[Broker] client %s connected from %s (%d active)", sess.id, sess.remote, count)
	b.publish(eventbus.TopicSession, map[string]any{"event": "connected", "client_id": sess.id})
	return sess
}

func (b *Broker) removeSession(sess *session) {
	b.mu.Lock()
	delete(b.sessions, sess.id)
	if b.owner == sess.id {
		// The owning client vanished without a disconnect. Keep the VCI
		// session open for the next client, but release ownership.
		b.owner = ""
	}
	count := len(b.sessions)
	idle := time.Since(sess.lastActivity).Round(time.Millisecond)
	b.mu.Unlock()

	log.Printf("[Broker] client %s disconnected after %s idle (%d active)", sess.id, idle, count)
	b.publish(eventbus.TopicSession, map[string]any{
		"event":     "disconnected",
		"client_id": sess.id,
		"duration":  time.Since(sess.connectedAt).Seconds(),
	})
}

// dispatch routes a request. Status queries and shutdown never touch the
// hardware and are answered inline; everything else is queued for the
// worker in arrival order.
func (b *Broker) dispatch(ctx context.Context, sess *session, req protocol.Request) protocol.Response {
	switch req.Command {
	case protocol.BrokerGetStatus:
		return b.status()
	case protocol.BrokerShutdown:
		log.Printf("[Broker] shutdown requested by client %s", sess.id)
		return protocol.Response{Status: protocol.StatusSuccess, Message: "broker shutting down"}
	}

	j := &job{sess: sess, req: req, reply: make(chan protocol.Response, 1)}
	select {
	case b.jobs <- j:
	case <-ctx.Done():
		return errorResponse(req.ID, "broker shutting down")
	}
	select {
	case resp := <-j.reply:
		return resp
	case <-ctx.Done():
		return errorResponse(req.ID, "broker shutting down")
	}
}

// worker is the single goroutine allowed to touch the adapter. Each job
// runs under a watchdog; a job that outlives it leaves the broker in a
// fail-fast state until the stale operation finally returns, preserving
// the one-operation-at-a-time guarantee without killing the bridge.
func (b *Broker) worker(ctx context.Context) {
	for {
		var j *job
		select {
		case j = <-b.jobs:
		case <-ctx.Done():
			return
		}

		if b.wedged.Load() {
			j.reply <- errorResponse(j.req.ID, "previous hardware operation still in progress")
			continue
		}

		done := make(chan protocol.Response, 1)
		go func(j *job) {
			done <- b.execute(ctx, j.sess, j.req)
		}(j)

		watchdog := time.NewTimer(b.WatchdogTimeout)
		select {
		case resp := <-done:
			watchdog.Stop()
			j.reply <- resp
		case <-watchdog.C:
			log.Printf("[Broker] watchdog: %s exceeded %s, failing fast until it returns",
				j.req.Command, b.WatchdogTimeout)
			b.wedged.Store(true)
			j.reply <- errorResponse(j.req.ID, "hardware operation timed out")
			go func() {
				<-done
				b.wedged.Store(false)
				log.Printf("[Broker] stale operation returned, resuming")
			}()
		case <-ctx.Done():
			watchdog.Stop()
			j.reply <- errorResponse(j.req.ID, "broker shutting down")
			return
		}
	}
}

func (b *Broker) execute(ctx context.Context, sess *session, req protocol.Request) protocol.Response {
	ctx, cancel := context.WithTimeout(ctx, constants.BrokerRoundTripTimeout)
	defer cancel()

	switch req.Command {
	case protocol.BrokerConnect:
		return b.connect(ctx, sess)
	case protocol.BrokerDisconnect:
		return b.disconnect(ctx, sess)
	case protocol.BrokerConfigureECU:
		return b.configureECU(ctx, sess, req.Params)
	case protocol.BrokerSendRequest:
		return b.sendRequest(ctx, sess, req.Params, false)
	case protocol.BrokerSendRequestMultiple:
		return b.sendRequest(ctx, sess, req.Params, true)
	case protocol.BrokerPerformInit:
		return b.performInit(ctx, req.Params)
	case protocol.BrokerGetVoltage:
		return b.readVoltage(ctx)
	default:
		return errorResponse(req.ID, "unknown command: "+req.Command)
	}
}

func (b *Broker) connect(ctx context.Context, sess *session) protocol.Response {
	if !b.adapter.Running() {
		if err := b.adapter.Start(ctx); err != nil {
			return errorResponse(0, "start bridge: "+err.Error())
		}
	}
	if err := b.adapter.Connect(ctx); err != nil {
		return errorResponse(0, err.Error())
	}

	b.mu.Lock()
	b.vciConnected = true
	b.owner = sess.id
	b.mu.Unlock()

	log.Printf("[Broker] VCI connected for client %s", sess.id)
	return protocol.Response{
		Status:   protocol.StatusSuccess,
		Message:  "VCI connected",
		ClientID: sess.id,
	}
}

func (b *Broker) disconnect(ctx context.Context, sess *session) protocol.Response {
	b.mu.Lock()
	connected := b.vciConnected
	b.mu.Unlock()
	if !connected {
		return errorResponse(0, "VCI not connected")
	}

	if err := b.adapter.Disconnect(ctx); err != nil {
		return errorResponse(0, err.Error())
	}

	b.mu.Lock()
	b.vciConnected = false
	b.owner = ""
	b.configuredFor = ""
	b.mu.Unlock()

	log.Printf("[Broker] VCI disconnected by client %s", sess.id)
	return protocol.Response{Status: protocol.StatusSuccess, Message: "VCI disconnected"}
}

func (b *Broker) configureECU(ctx context.Context, sess *session, params map[string]any) protocol.Response {
	cfg := vci.ConfigRequest{
		TxHeader:   paramString(params, "tx_header"),
		RxHeader:   paramString(params, "rx_header"),
		Bus:        paramString(params, "bus"),
		Protocol:   paramString(params, "protocol"),
		Target:     paramString(params, "target"),
		DialogType: paramString(params, "dialog_type"),
	}

	if err := b.requireConnected(); err != nil {
		return errorResponse(0, err.Error())
	}
	if err := b.adapter.Configure(ctx, cfg); err != nil {
		return errorResponse(0, err.Error())
	}

	b.mu.Lock()
	sess.ecu = &cfg
	b.configuredFor = sess.id
	b.mu.Unlock()

	return protocol.Response{Status: protocol.StatusSuccess, Message: "ECU configured"}
}

func (b *Broker) sendRequest(ctx context.Context, sess *session, params map[string]any, multiple bool) protocol.Response {
	if err := b.requireConnected(); err != nil {
		return errorResponse(0, err.Error())
	}

	data := requestPayload(params)
	if data == "" {
		return errorResponse(0, "missing request data")
	}
	timeoutMs := paramInt(params, "timeout", int(constants.DefaultExchangeTimeout/time.Millisecond))

	// Clients keep their own ECU binding. When a different client last
	// configured the adapter, transparently re-bind before transmitting.
	b.mu.Lock()
	ecu := sess.ecu
	needRebind := ecu != nil && b.configuredFor != sess.id
	b.mu.Unlock()

	if ecu == nil {
		return errorResponse(0, "ECU not configured")
	}
	if needRebind {
		log.Printf("[Broker] re-binding adapter for client %s", sess.id)
		if err := b.adapter.Configure(ctx, *ecu); err != nil {
			return errorResponse(0, "re-bind ECU: "+err.Error())
		}
		b.mu.Lock()
		b.configuredFor = sess.id
		b.mu.Unlock()
	}

	var reply, status string
	var err error
	if multiple {
		frames := paramInt(params, "responses", 1)
		reply, status, err = b.adapter.SendReceiveMultiple(ctx, data, timeoutMs, frames)
	} else {
		reply, status, err = b.adapter.SendReceive(ctx, data, timeoutMs)
	}
	if err != nil {
		return errorResponse(0, err.Error())
	}
	if status != "" {
		return errorResponse(0, status)
	}
	return protocol.Response{Status: protocol.StatusSuccess, Response: reply}
}

func (b *Broker) performInit(ctx context.Context, params map[string]any) protocol.Response {
	if err := b.requireConnected(); err != nil {
		return errorResponse(0, err.Error())
	}
	keyBytes, err := b.adapter.PerformInit(ctx, paramString(params, "descriptor"))
	if err != nil {
		return errorResponse(0, err.Error())
	}
	return protocol.Response{Status: protocol.StatusSuccess, Response: keyBytes}
}

func (b *Broker) readVoltage(ctx context.Context) protocol.Response {
	if err := b.requireConnected(); err != nil {
		return errorResponse(0, err.Error())
	}
	v, err := b.adapter.AnalogVoltage(ctx)
	if err != nil {
		return errorResponse(0, err.Error())
	}

	b.mu.Lock()
	b.lastVoltage = &v
	b.mu.Unlock()
	b.publish(eventbus.TopicVoltage, v)

	return protocol.Response{Status: protocol.StatusSuccess, Voltage: &v}
}

func (b *Broker) requireConnected() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.vciConnected {
		return errors.New("VCI not connected")
	}
	return nil
}

func (b *Broker) status() protocol.Response {
	running := b.adapter.Running()
	pid := b.adapter.Pid()

	b.mu.Lock()
	defer b.mu.Unlock()
	connected := b.vciConnected
	active := len(b.sessions)
	uptime := time.Since(b.started).Seconds()

	return protocol.Response{
		Status:        protocol.StatusSuccess,
		VCIConnected:  &connected,
		BridgeRunning: &running,
		BridgePID:     pid,
		ActiveClients: &active,
		CurrentOwner:  b.owner,
		Uptime:        &uptime,
		DaemonPID:     os.Getpid(),
		Version:       version.String(),
		Voltage:       b.lastVoltage,
	}
}

// sampleVoltage periodically reads the battery voltage through the same
// worker queue as client traffic, so sampling never overlaps a client's
// exchange.
func (b *Broker) sampleVoltage(ctx context.Context) {
	ticker := time.NewTicker(constants.VoltageSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}

		b.mu.Lock()
		connected := b.vciConnected
		b.mu.Unlock()
		if !connected || b.wedged.Load() {
			continue
		}

		j := &job{
			req:   protocol.Request{Command: protocol.BrokerGetVoltage},
			reply: make(chan protocol.Response, 1),
		}
		select {
		case b.jobs <- j:
		default:
			// Queue full of client traffic; skip this sample.
			continue
		}
		select {
		case <-j.reply:
		case <-ctx.Done():
			return
		}
	}
}

func (b *Broker) publish(topic eventbus.Topic, payload any) {
	if b.bus != nil {
		b.bus.Publish(topic, payload)
	}
}

func errorResponse(id uint64, message string) protocol.Response {
	return protocol.Response{ID: id, Status: protocol.StatusError, Message: message}
}

// requestPayload assembles the outgoing hex payload from a send_request.
// Clients either pass a pre-built "request" string or a "service_id" plus
// "data" pair, which the broker concatenates before forwarding.
func requestPayload(params map[string]any) string {
	if raw := paramString(params, "request"); raw != "" {
		return raw
	}
	sid, ok := serviceIDHex(params)
	if !ok {
		return ""
	}
	return sid + strings.ToUpper(strings.TrimSpace(paramString(params, "data")))
}

// serviceIDHex normalizes the service_id parameter, which arrives either as
// a hex string ("22") or a JSON number (34), to two upper-case hex digits.
func serviceIDHex(params map[string]any) (string, bool) {
	if params == nil {
		return "", false
	}
	switch v := params["service_id"].(type) {
	case string:
		s := strings.ToUpper(strings.TrimSpace(v))
		if s == "" {
			return "", false
		}
		if len(s)%2 == 1 {
			s = "0" + s
		}
		return s, true
	case float64:
		if v < 0 || v > 0xFF {
			return "", false
		}
		return fmt.Sprintf("%02X", int(v)), true
	}
	return "", false
}

func paramString(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	switch v := params[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func paramInt(params map[string]any, key string, def int) int {
	if params == nil {
		return def
	}
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}
