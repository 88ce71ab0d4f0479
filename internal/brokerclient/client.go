// Package brokerclient is the Go client for the access broker's TCP
// protocol. One Client wraps one connection; the broker serializes
// hardware access across clients, so callers simply issue requests.
package brokerclient

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opendiag/vcibridge/internal/constants"
	"github.com/opendiag/vcibridge/internal/protocol"
	"github.com/opendiag/vcibridge/internal/vci"
)

// ErrBroker wraps error responses from the broker.
var ErrBroker = errors.New("broker error")

// Client is a connection to the access broker. Safe for use from one
// goroutine at a time.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	enc    *json.Encoder
	sc     *bufio.Scanner
	nextID uint64

	// Timeout bounds one request/response round trip.
	Timeout time.Duration

	// clientID is assigned by the broker on connect.
	clientID string
}

// Dial connects to the broker at addr (host:port).
func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, constants.BrokerDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("brokerclient: dial %s: %w", addr, err)
	}
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), 256*1024)
	return &Client{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		sc:      sc,
		Timeout: constants.BrokerRoundTripTimeout,
	}, nil
}

// Close closes the connection. The broker releases ownership held by
// this client; an open VCI session stays open for other clients.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ClientID returns the broker-assigned id, set after ConnectVCI.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// ConnectVCI opens the VCI hardware session, starting the bridge process
// if needed.
func (c *Client) ConnectVCI() error {
	resp, err := c.roundTrip(protocol.BrokerConnect, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.clientID = resp.ClientID
	c.mu.Unlock()
	return nil
}

// DisconnectVCI closes the VCI hardware session.
func (c *Client) DisconnectVCI() error {
	_, err := c.roundTrip(protocol.BrokerDisconnect, nil)
	return err
}

// ConfigureECU binds the adapter to an ECU and registers the binding
// with this client's session, so the broker can re-bind transparently
// when clients alternate.
func (c *Client) ConfigureECU(req vci.ConfigRequest) error {
	params := map[string]any{"protocol": req.Protocol}
	if req.TxHeader != "" {
		params["tx_header"] = req.TxHeader
	}
	if req.RxHeader != "" {
		params["rx_header"] = req.RxHeader
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
	_, err := c.roundTrip(protocol.BrokerConfigureECU, params)
	return err
}

// SendDiagnosticRequest transmits a service request and returns the raw
// ECU reply. serviceID and data are concatenated and hex-encoded.
func (c *Client) SendDiagnosticRequest(serviceID byte, data []byte) ([]byte, error) {
	request := vci.EncodeHex(append([]byte{serviceID}, data...))
	reply, err := c.SendRawRequest(request, 0)
	if err != nil {
		return nil, err
	}
	return vci.ParseHex(reply)
}

// SendRawRequest transmits an already hex-encoded request. timeoutMs of
// zero uses the broker's default exchange timeout.
func (c *Client) SendRawRequest(request string, timeoutMs int) (string, error) {
	params := map[string]any{"request": request}
	if timeoutMs > 0 {
		params["timeout"] = timeoutMs
	}
	resp, err := c.roundTrip(protocol.BrokerSendRequest, params)
	if err != nil {
		return "", err
	}
	return resp.Response, nil
}

// SendRawRequestMultiple collects up to frames response frames for one
// request, concatenated as hex.
func (c *Client) SendRawRequestMultiple(request string, timeoutMs, frames int) (string, error) {
	params := map[string]any{"request": request, "responses": frames}
	if timeoutMs > 0 {
		params["timeout"] = timeoutMs
	}
	resp, err := c.roundTrip(protocol.BrokerSendRequestMultiple, params)
	if err != nil {
		return "", err
	}
	return resp.Response, nil
}

// PerformInit runs the K-Line fast init and returns the key bytes.
func (c *Client) PerformInit(descriptor string) (string, error) {
	resp, err := c.roundTrip(protocol.BrokerPerformInit, map[string]any{"descriptor": descriptor})
	if err != nil {
		return "", err
	}
	return resp.Response, nil
}

// ReadVoltage returns the battery voltage at the adapter.
func (c *Client) ReadVoltage() (float64, error) {
	resp, err := c.roundTrip(protocol.BrokerGetVoltage, nil)
	if err != nil {
		return 0, err
	}
	if resp.Voltage == nil {
		return 0, fmt.Errorf("%w: no voltage in response", ErrBroker)
	}
	return *resp.Voltage, nil
}

// Status describes the broker's view of the system.
type Status struct {
	VCIConnected  bool
	BridgeRunning bool
	BridgePID     int
	ActiveClients int
	CurrentOwner  string
	Uptime        time.Duration
	DaemonPID     int
	Version       string
	Voltage       *float64
}

// GetStatus queries the broker without touching the hardware.
func (c *Client) GetStatus() (Status, error) {
	resp, err := c.roundTrip(protocol.BrokerGetStatus, nil)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		BridgePID:    resp.BridgePID,
		CurrentOwner: resp.CurrentOwner,
		DaemonPID:    resp.DaemonPID,
		Version:      resp.Version,
		Voltage:      resp.Voltage,
	}
	if resp.VCIConnected != nil {
		st.VCIConnected = *resp.VCIConnected
	}
	if resp.BridgeRunning != nil {
		st.BridgeRunning = *resp.BridgeRunning
	}
	if resp.ActiveClients != nil {
		st.ActiveClients = *resp.ActiveClients
	}
	if resp.Uptime != nil {
		st.Uptime = time.Duration(*resp.Uptime * float64(time.Second))
	}
	return st, nil
}

// Shutdown asks the broker daemon to exit.
func (c *Client) Shutdown() error {
	_, err := c.roundTrip(protocol.BrokerShutdown, nil)
	return err
}

func (c *Client) roundTrip(command string, params map[string]any) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	req := protocol.Request{
		ID:        c.nextID,
		Command:   command,
		Params:    params,
		Timestamp: protocol.Now(),
	}

	deadline := time.Now().Add(c.Timeout)
	_ = c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	if err := c.enc.Encode(req); err != nil {
		return protocol.Response{}, fmt.Errorf("brokerclient: write %s: %w", command, err)
	}

	// Skip responses that do not match our id. With one request in
	// flight per connection this only drops stale lines after an
	// earlier timeout.
	for c.sc.Scan() {
		var resp protocol.Response
		if err := json.Unmarshal(c.sc.Bytes(), &resp); err != nil {
			return protocol.Response{}, fmt.Errorf("brokerclient: decode response: %w", err)
		}
		if resp.ID != 0 && resp.ID != req.ID {
			continue
		}
		if !resp.Success() {
			return resp, fmt.Errorf("%w: %s", ErrBroker, resp.Message)
		}
		return resp, nil
	}
	if err := c.sc.Err(); err != nil {
		return protocol.Response{}, fmt.Errorf("brokerclient: read response: %w", err)
	}
	return protocol.Response{}, fmt.Errorf("brokerclient: connection closed by broker")
}
