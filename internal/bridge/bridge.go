// Package bridge implements the process that owns the native driver handle.
// It reads line-delimited JSON commands on stdin, executes primitive
// hardware operations and writes responses (and out-of-band log lines) on
// stdout. The process holds at most one active ECU descriptor at a time;
// configure simply replaces it.
package bridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/opendiag/vcibridge/internal/driver"
	"github.com/opendiag/vcibridge/internal/protocol"
	"github.com/opendiag/vcibridge/internal/vci"
)

const maxCommandLine = 64 * 1024

// Bridge executes primitive VCI operations on behalf of a parent process.
type Bridge struct {
	drv driver.Driver

	writeMu sync.Mutex
	out     *json.Encoder

	connected      bool
	ecuDescriptor  []byte
	activeProtocol string
}

// New creates a bridge around the given driver. A nil driver is allowed
// and mirrors a missing DLL: every connect attempt fails.
func New(drv driver.Driver) *Bridge {
	return &Bridge{drv: drv}
}

// Run processes commands from r until quit, EOF or a read error. Every
// command blocks until the driver returns; the parent enforces timeouts.
func (b *Bridge) Run(r io.Reader, w io.Writer) error {
	b.out = json.NewEncoder(w)
	b.logf("VCI bridge started")

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), maxCommandLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var cmd protocol.BridgeCommand
		if err := json.Unmarshal(line, &cmd); err != nil {
			b.logf("command decode error: %v", err)
			continue
		}
		if !b.handle(cmd) {
			break
		}
	}

	b.disconnect()
	b.logf("VCI bridge stopped")
	return scanner.Err()
}

// handle dispatches one command. It returns false when the bridge should
// shut down.
func (b *Bridge) handle(cmd protocol.BridgeCommand) bool {
	switch cmd.Command {
	case protocol.BridgeConnect:
		b.respond(cmd, map[string]any{"success": b.connect()})

	case protocol.BridgeDisconnect:
		b.respond(cmd, map[string]any{"success": b.disconnect()})

	case protocol.BridgeConfigure:
		success, status := b.configure(cmd.Params)
		data := map[string]any{"success": success}
		if status != "" {
			data["status"] = status
		}
		b.respond(cmd, data)

	case protocol.BridgeSendReceive:
		reply, status := b.sendReceive(paramString(cmd.Params, "data"), paramInt(cmd.Params, "timeout", 1500), 0)
		b.respond(cmd, exchangeData(reply, status))

	case protocol.BridgeSendReceiveMultiple:
		frames := paramInt(cmd.Params, "responses", 1)
		reply, status := b.sendReceive(paramString(cmd.Params, "data"), paramInt(cmd.Params, "timeout", 1500), frames)
		b.respond(cmd, exchangeData(reply, status))

	case protocol.BridgePerformInit:
		success, reply := b.performInit(paramString(cmd.Params, "descriptor"))
		data := map[string]any{"success": success}
		if reply != "" {
			data["response"] = reply
		}
		b.respond(cmd, data)

	case protocol.BridgeGetAnalogData:
		data := map[string]any{}
		if v, ok := b.analogData(paramInt(cmd.Params, "channel", 0)); ok {
			data["voltage"] = v
		} else {
			data["voltage"] = nil
		}
		b.respond(cmd, data)

	case protocol.BridgeGetInfo:
		b.respond(cmd, b.info())

	case protocol.BridgeQuit:
		b.disconnect()
		b.respond(cmd, map[string]any{"success": true})
		return false

	default:
		b.logf("unknown command: %s", cmd.Command)
	}
	return true
}

func (b *Bridge) connect() bool {
	if b.drv == nil {
		b.logf("no VCI driver loaded")
		return false
	}
	if b.connected {
		return true
	}

	st := b.drv.OpenSession()
	if !st.OK() {
		b.logf("VCI connection failed: %s", st)
		return false
	}
	b.connected = true
	b.logf("connected to VCI")

	// Version queries are best effort: a failure here is not a
	// connection failure.
	if v := b.drv.APIVersion(); v > 0 {
		b.logf("VCI API version: %d.%02d", v/100, v%100)
	} else {
		b.logf("VCI API version unavailable (%d)", v)
	}
	fwBuf := make([]byte, 40)
	if n := b.drv.FirmwareVersion(fwBuf); n > 0 {
		b.logf("VCI firmware version: %s", string(fwBuf[:n]))
	} else {
		b.logf("VCI firmware version unavailable")
	}
	return true
}

func (b *Bridge) disconnect() bool {
	if !b.connected || b.drv == nil {
		return true
	}
	st := b.drv.CloseSession()
	b.connected = false
	b.ecuDescriptor = nil
	b.activeProtocol = ""
	if !st.OK() {
		b.logf("VCI disconnect error: %s", st)
		return false
	}
	b.logf("VCI disconnected")
	return true
}

// configure resolves the request against the descriptor table, selects the
// communication line, binds the protocol and installs the ECU descriptor.
// No partial state survives a failed sub-step.
func (b *Bridge) configure(params map[string]any) (bool, string) {
	if !b.connected && !b.connect() {
		return false, ""
	}

	req := vci.ConfigRequest{
		TxHeader:   paramString(params, "tx_h"),
		RxHeader:   paramString(params, "rx_h"),
		Bus:        paramString(params, "bus"),
		Protocol:   paramString(params, "protocol"),
		Target:     paramString(params, "target"),
		DialogType: paramString(params, "dialog_type"),
	}
	plan, err := vci.Plan(req)
	if err != nil {
		b.logf("configure rejected: %v", err)
		return false, ""
	}

	b.logf("configuring: %s:%s %s, %s, target=%s, dialog=%s",
		req.TxHeader, req.RxHeader, req.Bus, req.Protocol, req.Target, req.DialogType)

	if st := b.drv.ChangeComLine(int(plan.Line)); !st.OK() {
		b.logf("ChangeComLine(%d): %s", plan.Line, st)
		return false, st.String()
	}
	if st := b.drv.BindProtocol(plan.ProtocolDescriptor); !st.OK() {
		b.logf("BindProtocol: %s", st)
		return false, st.String()
	}

	b.ecuDescriptor = plan.ECUDescriptor
	b.activeProtocol = vci.NormalizeProtocol(req.Protocol)

	if plan.RequiresInit {
		if ok, _ := b.performInit(""); !ok {
			b.logf("%s initialization failed", b.activeProtocol)
			b.ecuDescriptor = nil
			b.activeProtocol = ""
			return false, vci.StatusInitializationFailed.String()
		}
	}

	b.logf("VCI configured for %s", b.activeProtocol)
	return true, ""
}

// sendReceive runs one exchange. frames == 0 selects the single-frame
// primitive. The returned status string is empty on success.
func (b *Bridge) sendReceive(data string, timeoutMs, frames int) (string, string) {
	if b.ecuDescriptor == nil {
		b.logf("VCI not configured")
		return "", vci.StatusInvalidFunctionOrder.String()
	}
	request, err := vci.ParseHex(data)
	if err != nil {
		b.logf("invalid payload %q: %v", data, err)
		return "", vci.StatusInvalidParameter.String()
	}

	out := make([]byte, driver.BufferSize)
	var n int
	if frames > 0 {
		n = b.drv.WriteAndReadMultiple(b.ecuDescriptor, request, frames, out, timeoutMs)
	} else {
		n = b.drv.WriteAndRead(b.ecuDescriptor, request, out, timeoutMs)
	}
	if n <= 0 {
		st := vci.Status(n)
		b.logf("WriteAndRead error: %s", st)
		return "", st.String()
	}
	return vci.EncodeHex(out[:n]), ""
}

// performInit issues the init handshake against the active descriptor, or
// against an explicit one passed as contiguous hex. A zero-length driver
// response counts as success: some protocols answer nothing to init.
func (b *Bridge) performInit(descriptor string) (bool, string) {
	if b.drv == nil {
		b.logf("no VCI driver loaded")
		return false, ""
	}
	ecuDesc := b.ecuDescriptor
	if descriptor != "" {
		parsed, err := vci.ParseHex(descriptor)
		if err != nil {
			b.logf("invalid init descriptor %q: %v", descriptor, err)
			return false, ""
		}
		ecuDesc = parsed
	}
	if ecuDesc == nil {
		b.logf("no ECU descriptor available for initialization")
		return false, ""
	}

	out := make([]byte, driver.BufferSize)
	n := b.drv.PerformInit(ecuDesc, out)
	switch {
	case n > 0:
		reply := vci.EncodeHex(out[:n])
		b.logf("ECU init response: %s", reply)
		return true, reply
	case n == 0:
		b.logf("ECU initialization completed (no response)")
		return true, ""
	default:
		b.logf("ECU initialization failed: %s", vci.Status(n))
		return false, ""
	}
}

func (b *Bridge) analogData(channel int) (float64, bool) {
	if b.drv == nil {
		return 0, false
	}
	v, st := b.drv.AnalogData(channel)
	if !st.OK() {
		b.logf("analog read failed: %s", st)
		return 0, false
	}
	return float64(v), true
}

func (b *Bridge) info() map[string]any {
	data := map[string]any{
		"connected": b.connected,
		"protocol":  b.activeProtocol,
	}
	if b.drv == nil || !b.connected {
		return data
	}
	if v := b.drv.APIVersion(); v > 0 {
		data["api_version"] = fmt.Sprintf("%d.%02d", v/100, v%100)
	}
	fwBuf := make([]byte, 40)
	if n := b.drv.FirmwareVersion(fwBuf); n > 0 {
		data["firmware_version"] = string(fwBuf[:n])
	}
	return data
}

func (b *Bridge) respond(cmd protocol.BridgeCommand, data map[string]any) {
	b.write(protocol.BridgeResponse{
		ID:        cmd.ID,
		Command:   protocol.ResponseName(cmd.Command),
		Timestamp: protocol.Now(),
		Data:      data,
	})
}

// logf emits a log line on the response stream, tagged with the reserved
// log command so the parent never mistakes it for a response.
func (b *Bridge) logf(format string, args ...any) {
	b.write(protocol.BridgeResponse{
		Command:   protocol.BridgeLog,
		Timestamp: protocol.Now(),
		Data:      map[string]any{"message": fmt.Sprintf(format, args...)},
	})
}

func (b *Bridge) write(resp protocol.BridgeResponse) {
	if b.out == nil {
		return
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = b.out.Encode(resp)
}

func paramString(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	if v, ok := params[key].(string); ok {
		return v
	}
	if v, ok := params[key].(float64); ok {
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

func exchangeData(reply, status string) map[string]any {
	data := map[string]any{"response": reply}
	if status != "" {
		data["status"] = status
	}
	return data
}
