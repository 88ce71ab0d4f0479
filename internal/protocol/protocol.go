// Package protocol defines the wire types shared by the bridge process,
// the broker daemon and their clients. Both protocols are line-delimited
// JSON: one object per newline-terminated line.
package protocol

import "time"

// Bridge stdio protocol
//
// The bridge process reads BridgeCommand lines on stdin and writes
// BridgeResponse lines on stdout. A response to command X carries command
// "X_response"; the reserved command "log" tags out-of-band log lines that
// may appear between responses at any time.

// BridgeCommand is a request sent to the bridge process. Immutable once sent.
type BridgeCommand struct {
	ID        uint64         `json:"id,omitempty"`
	Command   string         `json:"command"`
	Params    map[string]any `json:"params,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// BridgeResponse is a message emitted by the bridge process: either the
// response to a command or an out-of-band log line.
type BridgeResponse struct {
	ID        uint64         `json:"id,omitempty"`
	Command   string         `json:"command"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bridge command names.
const (
	BridgeConnect             = "connect"
	BridgeDisconnect          = "disconnect"
	BridgeConfigure           = "configure"
	BridgeSendReceive         = "send_receive"
	BridgeSendReceiveMultiple = "send_receive_multiple"
	BridgePerformInit         = "perform_init"
	BridgeGetAnalogData       = "get_analog_data"
	BridgeGetInfo             = "get_info"
	BridgeQuit                = "quit"

	// BridgeLog tags out-of-band log lines on the response stream.
	BridgeLog = "log"
)

// ResponseSuffix is appended to a command name to form its response tag.
const ResponseSuffix = "_response"

// ResponseName returns the response tag for a command.
func ResponseName(command string) string {
	return command + ResponseSuffix
}

// IsLog reports whether a bridge message is an out-of-band log line rather
// than a command response.
func (r BridgeResponse) IsLog() bool {
	return r.Command == BridgeLog
}

// Broker TCP protocol
//
// The broker listens on a local TCP port and exchanges one newline-delimited
// JSON object per request and per response.

// Request is a client request to the broker.
type Request struct {
	ID        uint64         `json:"id,omitempty"`
	Command   string         `json:"command"`
	Params    map[string]any `json:"params,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// Response is the broker's reply. Status is either "success" or "error";
// the remaining fields are command-specific.
type Response struct {
	ID       uint64   `json:"id,omitempty"`
	Status   string   `json:"status"`
	Message  string   `json:"message,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
	Response string   `json:"response,omitempty"`
	Voltage  *float64 `json:"voltage,omitempty"`

	// get_status payload, flattened to the top level.
	VCIConnected  *bool    `json:"vci_connected,omitempty"`
	BridgeRunning *bool    `json:"vci_bridge_running,omitempty"`
	BridgePID     int      `json:"vci_bridge_pid,omitempty"`
	ActiveClients *int     `json:"active_clients,omitempty"`
	CurrentOwner  string   `json:"current_client,omitempty"`
	Uptime        *float64 `json:"uptime,omitempty"`
	DaemonPID     int      `json:"daemon_pid,omitempty"`
	Version       string   `json:"version,omitempty"`
}

// Broker command names.
const (
	BrokerConnect             = "connect"
	BrokerDisconnect          = "disconnect"
	BrokerConfigureECU        = "configure_ecu"
	BrokerSendRequest         = "send_request"
	BrokerSendRequestMultiple = "send_request_multiple"
	BrokerPerformInit         = "perform_init"
	BrokerGetVoltage          = "get_voltage"
	BrokerGetStatus           = "get_status"
	BrokerShutdown            = "shutdown"
)

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Success reports whether the response carries the success status.
func (r Response) Success() bool {
	return r.Status == StatusSuccess
}

// Now renders the current time in the timestamp format both protocols use.
func Now() string {
	return time.Now().Format(time.RFC3339Nano)
}
