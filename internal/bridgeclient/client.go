// Package bridgeclient supervises the bridge subprocess and exposes its
// stdio command protocol as a typed API. One client owns at most one
// bridge process; commands may be issued from any goroutine and are
// correlated with responses by request id.
package bridgeclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opendiag/vcibridge/internal/config"
	"github.com/opendiag/vcibridge/internal/constants"
	"github.com/opendiag/vcibridge/internal/eventbus"
	"github.com/opendiag/vcibridge/internal/protocol"
	"github.com/opendiag/vcibridge/internal/vci"
)

var (
	// ErrNotRunning is returned when the bridge process is not running.
	// A crashed bridge stays in this state until Start is called again;
	// the client never restarts it behind the caller's back.
	ErrNotRunning = errors.New("bridgeclient: bridge not running")

	// ErrTimeout is returned when the bridge does not answer a command
	// within the command timeout.
	ErrTimeout = errors.New("bridgeclient: command timed out")
)

// Options configures a Client.
type Options struct {
	Bridge config.BridgeConfig
	// Bus receives bridge log lines on eventbus.TopicBridgeLog. Optional.
	Bus *eventbus.Bus
	// CommandTimeout overrides the per-command timeout. Zero means the
	// default.
	CommandTimeout time.Duration
}

type callResult struct {
	resp protocol.BridgeResponse
	err  error
}

type pendingCall struct {
	id   uint64
	name string
	ch   chan callResult
}

// Client drives one bridge process.
type Client struct {
	opts   Options
	nextID atomic.Uint64

	mu      sync.Mutex
	running bool
	proc    *process
	pending map[uint64]*pendingCall
	order   []uint64

	writeMu sync.Mutex
	enc     *json.Encoder
}

// New builds a client; the bridge is not started until Start.
func New(opts Options) *Client {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = constants.BridgeCommandTimeout
	}
	return &Client{
		opts:    opts,
		pending: make(map[uint64]*pendingCall),
	}
}

// Start locates and spawns the bridge executable and begins reading its
// response stream. Returns ErrNoRuntime when no executable is found.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	command, err := Locate(c.opts.Bridge)
	if err != nil {
		return err
	}

	args := append([]string{}, c.opts.Bridge.Args...)
	if c.opts.Bridge.DriverPath != "" {
		args = append(args, "--driver", c.opts.Bridge.DriverPath)
	}
	if c.opts.Bridge.Simulate {
		args = append(args, "--simulate")
	}

	proc, err := startProcess(ctx, command, args, &logLineWriter{bus: c.opts.Bus})
	if err != nil {
		return err
	}
	log.Printf("[BridgeClient] started %s (pid %d)", command, proc.Pid())

	c.proc = proc
	c.attachLocked(proc.stdin, proc.stdout)

	go func() {
		err := proc.Wait()
		log.Printf("[BridgeClient] bridge exited with code %d", exitCode(err))
	}()

	// Give the process a moment to initialise its driver before the
	// first command lands.
	time.Sleep(constants.BridgeStartupDelay)
	return nil
}

// StartAttached binds the client to an already-connected command stream
// instead of spawning a process. Used by tests and in-process bridges.
func (c *Client) StartAttached(in io.Writer, out io.Reader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attachLocked(in, out)
}

func (c *Client) attachLocked(in io.Writer, out io.Reader) {
	c.enc = json.NewEncoder(in)
	c.running = true
	go c.readLoop(out)
}

// Stop asks the bridge to quit and terminates it if it does not.
func (c *Client) Stop(ctx context.Context) {
	c.mu.Lock()
	proc := c.proc
	running := c.running
	c.mu.Unlock()
	if !running {
		return
	}

	quitCtx, cancel := context.WithTimeout(ctx, constants.BridgeShutdownGrace)
	_, _ = c.call(quitCtx, protocol.BridgeQuit, nil)
	cancel()

	if proc != nil {
		_ = proc.Terminate(constants.BridgeKillGrace)
	}
	c.fail(ErrNotRunning)
}

// Running reports whether the bridge process is up.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Pid returns the bridge process id, or 0.
func (c *Client) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil {
		return 0
	}
	return c.proc.Pid()
}

// Connect opens the VCI hardware session.
func (c *Client) Connect(ctx context.Context) error {
	resp, err := c.call(ctx, protocol.BridgeConnect, nil)
	if err != nil {
		return err
	}
	if !dataBool(resp.Data, "success") {
		return errors.New("bridgeclient: VCI connect failed")
	}
	return nil
}

// Disconnect closes the VCI hardware session.
func (c *Client) Disconnect(ctx context.Context) error {
	resp, err := c.call(ctx, protocol.BridgeDisconnect, nil)
	if err != nil {
		return err
	}
	if !dataBool(resp.Data, "success") {
		return errors.New("bridgeclient: VCI disconnect failed")
	}
	return nil
}

// Configure binds the adapter to an ECU. The request is validated by the
// bridge; on failure the returned error carries the driver status text.
func (c *Client) Configure(ctx context.Context, req vci.ConfigRequest) error {
	params := map[string]any{
		"protocol": req.Protocol,
	}
	if req.TxHeader != "" {
		params["tx_h"] = req.TxHeader
	}
	if req.RxHeader != "" {
		params["rx_h"] = req.RxHeader
	}
	if req.Bus != "" {
		params["bus"] = req.Bus
	}
	if req.Target != "" {
		params["target"] = req.Target
	}
	if req.DialogType != "" {
		params["dialog_type"] = req.DialogType
	}

	resp, err := c.call(ctx, protocol.BridgeConfigure, params)
	if err != nil {
		return err
	}
	if !dataBool(resp.Data, "success") {
		if status := dataString(resp.Data, "status"); status != "" {
			return fmt.Errorf("bridgeclient: configure failed: %s", status)
		}
		return errors.New("bridgeclient: configure failed")
	}
	return nil
}

// SendReceive transmits one request and returns the ECU reply as hex.
// A driver-level failure is reported through status, not err.
func (c *Client) SendReceive(ctx context.Context, data string, timeoutMs int) (reply, status string, err error) {
	return c.exchange(ctx, protocol.BridgeSendReceive, data, timeoutMs, 0)
}

// SendReceiveMultiple transmits one request and collects up to frames
// response frames.
func (c *Client) SendReceiveMultiple(ctx context.Context, data string, timeoutMs, frames int) (reply, status string, err error) {
	return c.exchange(ctx, protocol.BridgeSendReceiveMultiple, data, timeoutMs, frames)
}

func (c *Client) exchange(ctx context.Context, command, data string, timeoutMs, frames int) (string, string, error) {
	params := map[string]any{"data": data}
	if timeoutMs > 0 {
		params["timeout"] = timeoutMs
	}
	if frames > 0 {
		params["responses"] = frames
	}
	resp, err := c.call(ctx, command, params)
	if err != nil {
		return "", "", err
	}
	return dataString(resp.Data, "response"), dataString(resp.Data, "status"), nil
}

// PerformInit runs the K-Line fast init sequence and returns the key
// bytes as hex.
func (c *Client) PerformInit(ctx context.Context, descriptor string) (string, error) {
	resp, err := c.call(ctx, protocol.BridgePerformInit, map[string]any{"descriptor": descriptor})
	if err != nil {
		return "", err
	}
	if !dataBool(resp.Data, "success") {
		return "", errors.New("bridgeclient: init failed")
	}
	return dataString(resp.Data, "response"), nil
}

// AnalogVoltage reads the battery voltage from the adapter.
func (c *Client) AnalogVoltage(ctx context.Context) (float64, error) {
	resp, err := c.call(ctx, protocol.BridgeGetAnalogData, map[string]any{"channel": 0})
	if err != nil {
		return 0, err
	}
	v, ok := resp.Data["voltage"].(float64)
	if !ok {
		return 0, errors.New("bridgeclient: voltage unavailable")
	}
	return v, nil
}

// Info returns the bridge's connection state and driver versions.
func (c *Client) Info(ctx context.Context) (map[string]any, error) {
	resp, err := c.call(ctx, protocol.BridgeGetInfo, nil)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// call sends one command and waits for its response. Every command gets a
// fresh id; the bridge echoes it back, so concurrent commands with the
// same name cannot steal each other's responses.
func (c *Client) call(ctx context.Context, command string, params map[string]any) (protocol.BridgeResponse, error) {
	id := c.nextID.Add(1)
	pc := &pendingCall{
		id:   id,
		name: protocol.ResponseName(command),
		ch:   make(chan callResult, 1),
	}

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return protocol.BridgeResponse{}, ErrNotRunning
	}
	c.pending[id] = pc
	c.order = append(c.order, id)
	enc := c.enc
	c.mu.Unlock()

	cmd := protocol.BridgeCommand{
		ID:        id,
		Command:   command,
		Params:    params,
		Timestamp: protocol.Now(),
	}
	c.writeMu.Lock()
	err := enc.Encode(cmd)
	c.writeMu.Unlock()
	if err != nil {
		c.drop(id)
		return protocol.BridgeResponse{}, fmt.Errorf("bridgeclient: write %s: %w", command, err)
	}

	timer := time.NewTimer(c.opts.CommandTimeout)
	defer timer.Stop()

	select {
	case res := <-pc.ch:
		return res.resp, res.err
	case <-timer.C:
		c.drop(id)
		return protocol.BridgeResponse{}, fmt.Errorf("%w: %s", ErrTimeout, command)
	case <-ctx.Done():
		c.drop(id)
		return protocol.BridgeResponse{}, ctx.Err()
	}
}

// readLoop consumes the bridge's response stream until EOF. EOF means
// the process died or closed stdout; all in-flight calls fail and the
// client reports ErrNotRunning until restarted.
func (c *Client) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp protocol.BridgeResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Printf("[BridgeClient] malformed response line: %v", err)
			continue
		}
		c.dispatch(resp)
	}
	c.fail(ErrNotRunning)
}

func (c *Client) dispatch(resp protocol.BridgeResponse) {
	if resp.IsLog() {
		msg := dataString(resp.Data, "message")
		log.Printf("[Bridge] %s", msg)
		if c.opts.Bus != nil {
			c.opts.Bus.Publish(eventbus.TopicBridgeLog, msg)
		}
		return
	}

	c.mu.Lock()
	pc := c.pending[resp.ID]
	if pc == nil && resp.ID == 0 {
		// Peer without request ids. Fall back to matching the oldest
		// waiter by response name; with overlapping identical commands
		// this can pair the wrong response with a waiter.
		for _, id := range c.order {
			cand := c.pending[id]
			if cand != nil && cand.name == resp.Command {
				pc = cand
				break
			}
		}
	}
	if pc != nil {
		c.removeLocked(pc.id)
	}
	c.mu.Unlock()

	if pc == nil {
		log.Printf("[BridgeClient] unmatched response %s (id %d)", resp.Command, resp.ID)
		return
	}
	pc.ch <- callResult{resp: resp}
}

func (c *Client) drop(id uint64) {
	c.mu.Lock()
	c.removeLocked(id)
	c.mu.Unlock()
}

func (c *Client) removeLocked(id uint64) {
	delete(c.pending, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// fail marks the bridge dead and answers every in-flight call with err.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running && len(c.pending) == 0 {
		return
	}
	c.running = false
	for _, pc := range c.pending {
		pc.ch <- callResult{err: err}
	}
	c.pending = make(map[uint64]*pendingCall)
	c.order = nil
}

// logLineWriter forwards bridge stderr lines to the process log and bus.
type logLineWriter struct {
	bus *eventbus.Bus
	buf []byte
}

func (w *logLineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := string(w.buf[:i])
		w.buf = w.buf[i+1:]
		if line == "" {
			continue
		}
		log.Printf("[Bridge stderr] %s", line)
		if w.bus != nil {
			w.bus.Publish(eventbus.TopicBridgeLog, line)
		}
	}
	return len(p), nil
}

func dataBool(data map[string]any, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func dataString(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}
