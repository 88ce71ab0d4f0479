package vci

import (
	"bytes"
	"testing"
)

func TestPlanSelectsDocumentedLineAndDescriptor(t *testing.T) {
	tests := []struct {
		name     string
		req      ConfigRequest
		line     ComLine
		protocol Protocol
		pd       []byte
		ecu      []byte
		init     bool
	}{
		{
			name:     "uds on diag bus",
			req:      ConfigRequest{TxHeader: "752", RxHeader: "652", Bus: "DIAG", Protocol: "DIAGONCAN"},
			line:     LineCANDiag,
			protocol: ProtocolDiagOnCAN,
			pd:       []byte{0x03, 0x10, 0xE8},
			ecu:      []byte{0x06, 0x52, 0x07, 0x52},
		},
		{
			name:     "uds alias on in-service bus",
			req:      ConfigRequest{TxHeader: "6A8", RxHeader: "688", Bus: "IS", Protocol: "uds"},
			line:     LineCANInService,
			protocol: ProtocolDiagOnCAN,
			pd:       []byte{0x03, 0x10, 0xE8},
			ecu:      []byte{0x06, 0x88, 0x06, 0xA8},
		},
		{
			name:     "fiat kwp on diag bus",
			req:      ConfigRequest{TxHeader: "18A", RxHeader: "28A", Bus: "DIAG", Protocol: "KWPONCAN_FIAT", Target: "3"},
			line:     LineCANFiatLS6,
			protocol: ProtocolKwpOnCANFiat,
			pd:       []byte{0x07},
			ecu:      []byte{0x02, 0x8A, 0x01, 0x8A, 0x03, 0x00},
		},
		{
			name:     "fiat kwp on in-service bus",
			req:      ConfigRequest{TxHeader: "18A", RxHeader: "28A", Bus: "IS", Protocol: "fiat_kwp", Target: "10"},
			line:     LineCANFiatLS3,
			protocol: ProtocolKwpOnCANFiat,
			pd:       []byte{0x07},
			ecu:      []byte{0x02, 0x8A, 0x01, 0x8A, 0x10, 0x00},
		},
		{
			name:     "psa2000 with explicit target and dialog",
			req:      ConfigRequest{Bus: "IS", Protocol: "PSA2000", Target: "5A", DialogType: "2"},
			line:     ComLine(2),
			protocol: ProtocolKwp2000PSA,
			pd:       []byte{0x01, 0x00},
			ecu:      []byte{0x5A},
			init:     true,
		},
		{
			name:     "psa2000 default target on default k-line",
			req:      ConfigRequest{Bus: "DIAG", Protocol: "psa2000"},
			line:     LineCANPSA2000,
			protocol: ProtocolKwp2000PSA,
			pd:       []byte{0x01, 0x00},
			ecu:      []byte{0x0D},
			init:     true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := Plan(tc.req)
			if err != nil {
				t.Fatalf("Plan failed: %v", err)
			}
			if plan.Line != tc.line {
				t.Errorf("line = %d; want %d", plan.Line, tc.line)
			}
			if plan.Protocol != tc.protocol {
				t.Errorf("protocol = %d; want %d", plan.Protocol, tc.protocol)
			}
			if !bytes.Equal(plan.ProtocolDescriptor, tc.pd) {
				t.Errorf("protocol descriptor = % X; want % X", plan.ProtocolDescriptor, tc.pd)
			}
			if !bytes.Equal(plan.ECUDescriptor, tc.ecu) {
				t.Errorf("ecu descriptor = % X; want % X", plan.ECUDescriptor, tc.ecu)
			}
			if plan.RequiresInit != tc.init {
				t.Errorf("RequiresInit = %v; want %v", plan.RequiresInit, tc.init)
			}
		})
	}
}

func TestPlanLegacyNumericBusCodes(t *testing.T) {
	tests := []struct {
		bus      string
		line     ComLine
		protocol Protocol
	}{
		{"0", LineCANInService, ProtocolDiagOnCAN},
		{"1", LineCANDiag, ProtocolDiagOnCAN},
		{"2", LineCANFiatLS6, ProtocolKwpOnCANFiat},
		{"3", LineCANFiatLS3, ProtocolKwpOnCANFiat},
		{"4", LineCANPSA2000, ProtocolKwp2000PSA},
	}

	for _, tc := range tests {
		req := ConfigRequest{TxHeader: "752", RxHeader: "652", Bus: tc.bus, Protocol: "DIAGONCAN", Target: "0D"}
		plan, err := Plan(req)
		if err != nil {
			t.Fatalf("Plan(bus=%s) failed: %v", tc.bus, err)
		}
		if plan.Line != tc.line {
			t.Errorf("bus %s: line = %d; want %d", tc.bus, plan.Line, tc.line)
		}
		if plan.Protocol != tc.protocol {
			t.Errorf("bus %s: protocol = %d; want %d", tc.bus, plan.Protocol, tc.protocol)
		}
	}
}

func TestPlanRejectsBadInput(t *testing.T) {
	bad := []ConfigRequest{
		{Protocol: "DIAGONCAN", Bus: "DIAG"},                                   // missing headers
		{Protocol: "DIAGONCAN", Bus: "LIN", TxHeader: "752", RxHeader: "652"},  // unknown bus
		{Protocol: "KWPONCAN_FIAT", Bus: "DIAG", TxHeader: "18A", RxHeader: "28A"}, // missing target
		{Protocol: "PSA2000", Bus: "IS", Target: "ZZ"},                         // invalid target
		{Protocol: "PSA2000", Bus: "IS", DialogType: "fast"},                   // invalid dialog
		{Protocol: "J1850", Bus: "DIAG", TxHeader: "752", RxHeader: "652"},     // unsupported protocol
	}
	for i, req := range bad {
		if _, err := Plan(req); err == nil {
			t.Errorf("case %d: expected error for %+v", i, req)
		}
	}
}

func TestNormalizeProtocol(t *testing.T) {
	cases := map[string]string{
		"uds":      "DIAGONCAN",
		"UDS":      "DIAGONCAN",
		"kwp_is":   "DIAGONCAN",
		"kwp_hab":  "DIAGONCAN",
		"kwp2000":  "PSA2000",
		"psa2000":  "PSA2000",
		"fiat_kwp": "KWPONCAN_FIAT",
		"diagoncan": "DIAGONCAN",
	}
	for in, want := range cases {
		if got := NormalizeProtocol(in); got != want {
			t.Errorf("NormalizeProtocol(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestKLineDescriptor(t *testing.T) {
	desc, err := KLineDescriptor("D")
	if err != nil {
		t.Fatalf("KLineDescriptor failed: %v", err)
	}
	if !bytes.Equal(desc, []byte{0x0D}) {
		t.Fatalf("descriptor = % X; want 0D", desc)
	}
	if _, err := KLineDescriptor(""); err == nil {
		t.Fatal("expected error for empty target")
	}
}
