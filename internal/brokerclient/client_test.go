package brokerclient

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/opendiag/vcibridge/internal/protocol"
	"github.com/opendiag/vcibridge/internal/vci"
)

// stubBroker speaks the broker's line protocol with canned handlers.
type stubBroker struct {
	ln       net.Listener
	handlers map[string]func(protocol.Request) protocol.Response
	requests chan protocol.Request
}

func startStub(t *testing.T) *stubBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &stubBroker{
		ln:       ln,
		handlers: make(map[string]func(protocol.Request) protocol.Response),
		requests: make(chan protocol.Request, 16),
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *stubBroker) serve(conn net.Conn) {
	defer conn.Close()
	enc := json.NewEncoder(conn)
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		var req protocol.Request
		if json.Unmarshal(sc.Bytes(), &req) != nil {
			continue
		}
		s.requests <- req
		h := s.handlers[req.Command]
		var resp protocol.Response
		if h == nil {
			resp = protocol.Response{Status: protocol.StatusError, Message: "unknown command: " + req.Command}
		} else {
			resp = h(req)
		}
		resp.ID = req.ID
		if enc.Encode(resp) != nil {
			return
		}
	}
}

func (s *stubBroker) on(command string, h func(protocol.Request) protocol.Response) {
	s.handlers[command] = h
}

func (s *stubBroker) dial(t *testing.T) *Client {
	t.Helper()
	c, err := Dial(s.ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func success() protocol.Response {
	return protocol.Response{Status: protocol.StatusSuccess}
}

func TestConnectStoresClientID(t *testing.T) {
	s := startStub(t)
	s.on(protocol.BrokerConnect, func(protocol.Request) protocol.Response {
		resp := success()
		resp.ClientID = "abc-123"
		return resp
	})

	c := s.dial(t)
	if err := c.ConnectVCI(); err != nil {
		t.Fatalf("ConnectVCI: %v", err)
	}
	if c.ClientID() != "abc-123" {
		t.Fatalf("ClientID = %q", c.ClientID())
	}
}

func TestBrokerErrorSurfaced(t *testing.T) {
	s := startStub(t)
	s.on(protocol.BrokerSendRequest, func(protocol.Request) protocol.Response {
		return protocol.Response{Status: protocol.StatusError, Message: "VCI not connected"}
	})

	c := s.dial(t)
	_, err := c.SendRawRequest("3E00", 0)
	if !errors.Is(err, ErrBroker) {
		t.Fatalf("err = %v; want ErrBroker", err)
	}
}

func TestSendDiagnosticRequestEncoding(t *testing.T) {
	s := startStub(t)
	s.on(protocol.BrokerSendRequest, func(req protocol.Request) protocol.Response {
		resp := success()
		resp.Response = "62F1904157565A5A5A"
		return resp
	})

	c := s.dial(t)
	reply, err := c.SendDiagnosticRequest(0x22, []byte{0xF1, 0x90})
	if err != nil {
		t.Fatalf("SendDiagnosticRequest: %v", err)
	}

	req := <-s.requests
	if got := req.Params["request"]; got != "22F190" {
		t.Fatalf("wire request = %v; want 22F190", got)
	}
	if reply[0] != 0x62 || len(reply) != 9 {
		t.Fatalf("reply = % X", reply)
	}
}

func TestConfigureECUParams(t *testing.T) {
	s := startStub(t)
	s.on(protocol.BrokerConfigureECU, func(protocol.Request) protocol.Response { return success() })

	c := s.dial(t)
	err := c.ConfigureECU(vci.ConfigRequest{
		Protocol: "uds",
		TxHeader: "752",
		RxHeader: "652",
	})
	if err != nil {
		t.Fatalf("ConfigureECU: %v", err)
	}

	req := <-s.requests
	if req.Command != protocol.BrokerConfigureECU {
		t.Fatalf("command = %q", req.Command)
	}
	if req.Params["tx_header"] != "752" || req.Params["rx_header"] != "652" || req.Params["protocol"] != "uds" {
		t.Fatalf("params = %v", req.Params)
	}
	if _, present := req.Params["target"]; present {
		t.Fatal("empty fields should be omitted")
	}
}

func TestGetStatusMapping(t *testing.T) {
	s := startStub(t)
	s.on(protocol.BrokerGetStatus, func(protocol.Request) protocol.Response {
		connected, running := true, true
		active := 3
		uptime := 42.5
		voltage := 13.8
		return protocol.Response{
			Status:        protocol.StatusSuccess,
			VCIConnected:  &connected,
			BridgeRunning: &running,
			BridgePID:     999,
			ActiveClients: &active,
			CurrentOwner:  "owner-1",
			Uptime:        &uptime,
			DaemonPID:     1000,
			Version:       "1.2.3",
			Voltage:       &voltage,
		}
	})

	c := s.dial(t)
	st, err := c.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !st.VCIConnected || !st.BridgeRunning || st.BridgePID != 999 {
		t.Fatalf("bridge state wrong: %+v", st)
	}
	if st.ActiveClients != 3 || st.CurrentOwner != "owner-1" {
		t.Fatalf("session state wrong: %+v", st)
	}
	if st.Uptime != 42500*time.Millisecond {
		t.Fatalf("uptime = %v", st.Uptime)
	}
	if st.Voltage == nil || *st.Voltage != 13.8 {
		t.Fatalf("voltage = %v", st.Voltage)
	}
}

func TestRoundTripTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Swallow the request, never answer.
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	c, err := Dial(ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	c.Timeout = 100 * time.Millisecond

	start := time.Now()
	_, err = c.SendRawRequest("3E00", 0)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took %v", elapsed)
	}
}
