package bridge

import (
	"bufio"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/opendiag/vcibridge/internal/driver"
	"github.com/opendiag/vcibridge/internal/protocol"
)

// harness runs a bridge over in-memory pipes, the same transport shape the
// real process uses over stdin/stdout.
type harness struct {
	t      *testing.T
	stdin  io.WriteCloser
	out    chan string
	done   chan error
	nextID uint64
}

func newHarness(t *testing.T, drv driver.Driver) *harness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	b := New(drv)
	done := make(chan error, 1)
	go func() {
		done <- b.Run(inR, outW)
		close(done)
		outW.Close()
	}()

	// Drain the bridge's output on a background goroutine, the same
	// reader-thread shape BridgeClient uses, so the bridge's log writes
	// never block against the test goroutine's command writes. The buffer
	// holds any log lines emitted while no send is in flight.
	out := make(chan string, 256)
	go func() {
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			out <- sc.Text()
		}
		close(out)
	}()

	h := &harness{t: t, stdin: inW, out: out, done: done}
	t.Cleanup(func() {
		inW.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("bridge did not stop")
		}
	})
	return h
}

func (h *harness) send(command string, params map[string]any) protocol.BridgeResponse {
	h.t.Helper()
	h.nextID++
	cmd := protocol.BridgeCommand{
		ID:        h.nextID,
		Command:   command,
		Params:    params,
		Timestamp: protocol.Now(),
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		h.t.Fatalf("marshal command: %v", err)
	}
	if _, err := h.stdin.Write(append(raw, '\n')); err != nil {
		h.t.Fatalf("write command: %v", err)
	}

	want := protocol.ResponseName(command)
	for line := range h.out {
		var resp protocol.BridgeResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			h.t.Fatalf("decode response: %v", err)
		}
		if resp.IsLog() {
			continue
		}
		if resp.Command != want {
			h.t.Fatalf("got response %q; want %q", resp.Command, want)
		}
		if resp.ID != cmd.ID {
			h.t.Fatalf("response id = %d; want %d", resp.ID, cmd.ID)
		}
		return resp
	}
	h.t.Fatalf("stream closed waiting for %q", want)
	return protocol.BridgeResponse{}
}

func success(resp protocol.BridgeResponse) bool {
	ok, _ := resp.Data["success"].(bool)
	return ok
}

func TestBridgeConnectDisconnect(t *testing.T) {
	h := newHarness(t, driver.NewSimulator())

	if !success(h.send(protocol.BridgeConnect, nil)) {
		t.Fatal("connect should succeed against the simulator")
	}
	if !success(h.send(protocol.BridgeDisconnect, nil)) {
		t.Fatal("disconnect should succeed")
	}
}

func TestBridgeConnectWithoutDriverFails(t *testing.T) {
	h := newHarness(t, nil)
	if success(h.send(protocol.BridgeConnect, nil)) {
		t.Fatal("connect must fail when no driver is loaded")
	}
}

func TestBridgePerformInitWithoutDriver(t *testing.T) {
	// An explicit descriptor must not sidestep the missing-driver check;
	// the bridge reports failure and keeps serving commands.
	h := newHarness(t, nil)

	resp := h.send(protocol.BridgePerformInit, map[string]any{"descriptor": "0D"})
	if success(resp) {
		t.Fatal("perform_init must fail when no driver is loaded")
	}

	resp = h.send(protocol.BridgeGetInfo, nil)
	if connected, _ := resp.Data["connected"].(bool); connected {
		t.Fatal("get_info should report disconnected")
	}
}

func TestBridgeConfigureAndRoundTrip(t *testing.T) {
	h := newHarness(t, driver.NewSimulator())
	h.send(protocol.BridgeConnect, nil)

	resp := h.send(protocol.BridgeConfigure, map[string]any{
		"tx_h": "752", "rx_h": "652", "bus": "DIAG", "protocol": "DIAGONCAN",
	})
	if !success(resp) {
		t.Fatalf("configure failed: %v", resp.Data)
	}

	resp = h.send(protocol.BridgeSendReceive, map[string]any{"data": "3E00", "timeout": 1500})
	if got := resp.Data["response"]; got != "7E00" {
		t.Fatalf("send_receive response = %v; want 7E00", got)
	}
}

func TestBridgeConfigureImpliesConnect(t *testing.T) {
	// configure on a fresh bridge connects first, as the original contract
	// promises.
	h := newHarness(t, driver.NewSimulator())
	resp := h.send(protocol.BridgeConfigure, map[string]any{
		"tx_h": "752", "rx_h": "652", "bus": "1", "protocol": "uds",
	})
	if !success(resp) {
		t.Fatalf("configure failed: %v", resp.Data)
	}
}

func TestBridgeConfigureRejectsUnsupportedProtocol(t *testing.T) {
	h := newHarness(t, driver.NewSimulator())
	h.send(protocol.BridgeConnect, nil)
	resp := h.send(protocol.BridgeConfigure, map[string]any{
		"tx_h": "752", "rx_h": "652", "bus": "DIAG", "protocol": "J1850",
	})
	if success(resp) {
		t.Fatal("configure must reject an unsupported protocol")
	}
}

func TestBridgeSendReceiveUnconfigured(t *testing.T) {
	h := newHarness(t, driver.NewSimulator())
	h.send(protocol.BridgeConnect, nil)

	resp := h.send(protocol.BridgeSendReceive, map[string]any{"data": "3E00"})
	if got := resp.Data["response"]; got != "" {
		t.Fatalf("response = %v; want empty", got)
	}
	if got := resp.Data["status"]; got != "INVALID FUNCTION ORDER" {
		t.Fatalf("status = %v; want INVALID FUNCTION ORDER", got)
	}
}

func TestBridgeSendReceiveTimeoutIsBounded(t *testing.T) {
	sim := driver.NewSimulator()
	sim.Silence("220102")
	h := newHarness(t, sim)
	h.send(protocol.BridgeConnect, nil)
	h.send(protocol.BridgeConfigure, map[string]any{
		"tx_h": "752", "rx_h": "652", "bus": "DIAG", "protocol": "DIAGONCAN",
	})

	const timeoutMs = 100
	start := time.Now()
	resp := h.send(protocol.BridgeSendReceive, map[string]any{"data": "220102", "timeout": timeoutMs})
	elapsed := time.Since(start)

	if got := resp.Data["status"]; got != "COMMUNICATION TIMEOUT" {
		t.Fatalf("status = %v; want COMMUNICATION TIMEOUT", got)
	}
	if elapsed > timeoutMs*time.Millisecond+500*time.Millisecond {
		t.Fatalf("timeout not bounded: took %v", elapsed)
	}
}

func TestBridgePSA2000ConfigureRunsInit(t *testing.T) {
	h := newHarness(t, driver.NewSimulator())
	resp := h.send(protocol.BridgeConfigure, map[string]any{
		"bus": "IS", "protocol": "PSA2000", "target": "0D", "dialog_type": "0",
	})
	if !success(resp) {
		t.Fatalf("PSA2000 configure failed: %v", resp.Data)
	}
}

func TestBridgeAnalogAndInfo(t *testing.T) {
	h := newHarness(t, driver.NewSimulator())
	h.send(protocol.BridgeConnect, nil)

	resp := h.send(protocol.BridgeGetAnalogData, map[string]any{"channel": 0})
	v, ok := resp.Data["voltage"].(float64)
	if !ok || v <= 0 {
		t.Fatalf("voltage = %v; want positive reading", resp.Data["voltage"])
	}

	resp = h.send(protocol.BridgeGetInfo, nil)
	if connected, _ := resp.Data["connected"].(bool); !connected {
		t.Fatal("get_info should report connected")
	}
	if resp.Data["api_version"] != "3.22" {
		t.Fatalf("api_version = %v; want 3.22", resp.Data["api_version"])
	}
}

func TestBridgeQuitStopsRun(t *testing.T) {
	h := newHarness(t, driver.NewSimulator())
	resp := h.send(protocol.BridgeQuit, nil)
	if !success(resp) {
		t.Fatal("quit should acknowledge")
	}
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after quit")
	}
}
