package vci

import (
	"fmt"
	"strconv"
	"strings"
)

// Protocol identifies a diagnostic protocol by its native driver id.
type Protocol int

const (
	ProtocolKwp2000PSA  Protocol = 1
	ProtocolPSA2        Protocol = 2
	ProtocolDiagOnCAN   Protocol = 3
	ProtocolKwp2000Fiat Protocol = 6
	ProtocolKwpOnCANFiat Protocol = 7
	ProtocolUDSPSA      Protocol = 11
)

// ComLine identifies a physical communication line the adapter can switch to.
type ComLine int

const (
	LineCANPSA2000   ComLine = 0  // K-Line wiring used by the legacy keyword protocol
	LineCANDiag      ComLine = 17 // CAN diagnostic wiring (pins 3/8)
	LineCANInService ComLine = 18 // CAN in-service wiring (pins 6/14)
	LineCANFiatLS6   ComLine = 47 // FIAT BCAN on LS6/14
	LineCANFiatLS3   ComLine = 48 // FIAT BCAN on LS3/8
)

// Fixed protocol descriptor byte lists, as handed to the driver's
// protocol-bind call.
const (
	pdDiagOnCAN    = "03 10 E8"
	pdKwpOnCANFiat = "07"
	pdKwp2000PSA   = "01 00"
	pdUDSPSA       = "0B"
)

// defaultPSA2000Target is the keyword target id assumed when a PSA2000
// configure request omits one.
const defaultPSA2000Target = "0D"

// ProtocolDescriptor returns the fixed descriptor bytes for a protocol.
func ProtocolDescriptor(p Protocol) ([]byte, error) {
	switch p {
	case ProtocolDiagOnCAN:
		return ParseSpacedHex(pdDiagOnCAN)
	case ProtocolKwpOnCANFiat:
		return ParseSpacedHex(pdKwpOnCANFiat)
	case ProtocolKwp2000PSA:
		return ParseSpacedHex(pdKwp2000PSA)
	case ProtocolUDSPSA:
		return ParseSpacedHex(pdUDSPSA)
	default:
		return nil, fmt.Errorf("protocol %d has no descriptor", int(p))
	}
}

// ConfigRequest carries the friendly parameters of a configure call before
// they are resolved against the descriptor table.
type ConfigRequest struct {
	TxHeader   string // transmit CAN header, 3-4 hex digits
	RxHeader   string // receive CAN header, 3-4 hex digits
	Bus        string // "DIAG", "IS" or a legacy numeric code "0".."4"
	Protocol   string // "DIAGONCAN", "KWPONCAN_FIAT", "PSA2000" or an alias
	Target     string // keyword-protocol target id, 1-2 hex digits
	DialogType string // dialog selector; doubles as the K-Line com line number
}

// BindPlan is the fully resolved outcome of a configure request: which line
// to select, which protocol to bind, the ECU descriptor to address the
// target with, and whether the protocol demands an init handshake.
type BindPlan struct {
	Protocol           Protocol
	Line               ComLine
	ProtocolDescriptor []byte
	ECUDescriptor      []byte
	RequiresInit       bool
}

// protocolAliases maps the application-level protocol names onto the
// driver-level ones. The keys are matched case-insensitively.
var protocolAliases = map[string]string{
	"uds":      "DIAGONCAN",
	"kwp_is":   "DIAGONCAN",
	"kwp_hab":  "DIAGONCAN",
	"kwp2000":  "PSA2000",
	"psa2000":  "PSA2000",
	"fiat_kwp": "KWPONCAN_FIAT",
}

// NormalizeProtocol resolves protocol name aliases to the canonical
// descriptor-table names. Unknown names pass through upper-cased so the
// table lookup produces the error.
func NormalizeProtocol(name string) string {
	if mapped, ok := protocolAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return mapped
	}
	return strings.ToUpper(strings.TrimSpace(name))
}

// resolveLegacyBus translates the numeric bus codes 0-4, which imply a
// protocol, into explicit (bus, protocol) pairs. Non-numeric selectors are
// returned unchanged.
func resolveLegacyBus(bus, protocol string) (string, string) {
	switch bus {
	case "0":
		return "IS", "DIAGONCAN"
	case "1":
		return "DIAG", "DIAGONCAN"
	case "2":
		return "DIAG", "KWPONCAN_FIAT"
	case "3":
		return "IS", "KWPONCAN_FIAT"
	case "4":
		return "IS", "PSA2000"
	}
	return strings.ToUpper(strings.TrimSpace(bus)), protocol
}

// Plan resolves a configure request against the descriptor table. It
// validates every parameter before any hardware call is attempted; a
// returned error means nothing should be sent to the driver.
func Plan(req ConfigRequest) (BindPlan, error) {
	protocol := NormalizeProtocol(req.Protocol)
	bus, protocol := resolveLegacyBus(strings.TrimSpace(req.Bus), protocol)

	var plan BindPlan
	switch protocol {
	case "DIAGONCAN":
		plan.Protocol = ProtocolDiagOnCAN
		switch bus {
		case "DIAG":
			plan.Line = LineCANDiag
		case "IS":
			plan.Line = LineCANInService
		default:
			return BindPlan{}, fmt.Errorf("unknown bus %q for DIAGONCAN", bus)
		}
		desc, err := canDescriptor(req.RxHeader, req.TxHeader)
		if err != nil {
			return BindPlan{}, err
		}
		plan.ECUDescriptor = desc

	case "KWPONCAN_FIAT":
		plan.Protocol = ProtocolKwpOnCANFiat
		switch bus {
		case "DIAG":
			plan.Line = LineCANFiatLS6
		case "IS":
			plan.Line = LineCANFiatLS3
		default:
			return BindPlan{}, fmt.Errorf("unknown bus %q for KWPONCAN_FIAT", bus)
		}
		desc, err := fiatDescriptor(req.RxHeader, req.TxHeader, req.Target)
		if err != nil {
			return BindPlan{}, err
		}
		plan.ECUDescriptor = desc

	case "PSA2000":
		plan.Protocol = ProtocolKwp2000PSA
		target := strings.TrimSpace(req.Target)
		if target == "" {
			target = defaultPSA2000Target
		}
		targetByte, err := parseHexByte(padTarget(target))
		if err != nil {
			return BindPlan{}, fmt.Errorf("invalid PSA2000 target %q", req.Target)
		}
		// The dialog type selects the K-Line communication line directly.
		dialog := strings.TrimSpace(req.DialogType)
		if dialog == "" {
			dialog = "0"
		}
		line, err := strconv.Atoi(dialog)
		if err != nil {
			return BindPlan{}, fmt.Errorf("invalid PSA2000 dialog type %q", req.DialogType)
		}
		plan.Line = ComLine(line)
		plan.ECUDescriptor = []byte{targetByte}
		plan.RequiresInit = true

	default:
		return BindPlan{}, fmt.Errorf("unsupported protocol %q", req.Protocol)
	}

	pd, err := ProtocolDescriptor(plan.Protocol)
	if err != nil {
		return BindPlan{}, err
	}
	plan.ProtocolDescriptor = pd
	return plan, nil
}

// canDescriptor encodes the DIAGONCAN ECU descriptor: the receive header
// then the transmit header, each zero-padded to four hex digits.
func canDescriptor(rx, tx string) ([]byte, error) {
	rx, tx = strings.TrimSpace(rx), strings.TrimSpace(tx)
	if rx == "" || tx == "" {
		return nil, fmt.Errorf("DIAGONCAN requires tx and rx headers")
	}
	return ParseHex(padHeader(rx) + padHeader(tx))
}

// fiatDescriptor encodes the FIAT keyword-on-CAN ECU descriptor: receive
// header, transmit header, two-digit keyword target id and a zero pad byte.
func fiatDescriptor(rx, tx, target string) ([]byte, error) {
	rx, tx, target = strings.TrimSpace(rx), strings.TrimSpace(tx), strings.TrimSpace(target)
	if rx == "" || tx == "" || target == "" {
		return nil, fmt.Errorf("KWPONCAN_FIAT requires tx and rx headers and a target id")
	}
	return ParseHex(padHeader(rx) + padHeader(tx) + padTarget(target) + "00")
}

// KLineDescriptor encodes the single-byte ECU descriptor used by the two
// keyword-protocol-over-K-Line variants.
func KLineDescriptor(target string) ([]byte, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, fmt.Errorf("keyword protocol requires a target id")
	}
	b, err := parseHexByte(padTarget(target))
	if err != nil {
		return nil, err
	}
	return []byte{b}, nil
}
