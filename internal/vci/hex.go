package vci

import (
	"fmt"
	"strings"
)

// EncodeHex renders raw bytes as an uppercase hex string with no
// separators, the form diagnostic payloads travel in ("3E00", "7E00").
func EncodeHex(data []byte) string {
	var b strings.Builder
	b.Grow(len(data) * 2)
	for _, by := range data {
		fmt.Fprintf(&b, "%02X", by)
	}
	return b.String()
}

// ParseHex packs a contiguous hex string into raw bytes. A trailing odd
// nibble is accepted and treated as its own byte, matching the lenient
// behaviour the legacy tooling exposes for hand-typed payloads.
func ParseHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty hex payload")
	}
	out := make([]byte, 0, (len(s)+1)/2)
	for i := 0; i < len(s); i += 2 {
		end := i + 2
		if end > len(s) {
			end = len(s)
		}
		v, err := parseHexByte(s[i:end])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ParseSpacedHex packs a space-separated hex byte list ("03 10 E8") into
// raw bytes. Protocol descriptors are written in this form.
func ParseSpacedHex(s string) ([]byte, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty hex byte list")
	}
	out := make([]byte, 0, len(fields))
	for _, f := range fields {
		v, err := parseHexByte(f)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseHexByte(s string) (byte, error) {
	if len(s) == 0 || len(s) > 2 {
		return 0, fmt.Errorf("invalid hex byte %q", s)
	}
	var v byte
	for _, c := range s {
		var n byte
		switch {
		case c >= '0' && c <= '9':
			n = byte(c - '0')
		case c >= 'a' && c <= 'f':
			n = byte(c-'a') + 10
		case c >= 'A' && c <= 'F':
			n = byte(c-'A') + 10
		default:
			return 0, fmt.Errorf("invalid hex byte %q", s)
		}
		v = v<<4 | n
	}
	return v, nil
}

// padHeader left-pads a CAN header to four hex digits ("752" -> "0752").
func padHeader(h string) string {
	for len(h) < 4 {
		h = "0" + h
	}
	return h
}

// padTarget left-pads a keyword-protocol target id to two hex digits.
func padTarget(t string) string {
	for len(t) < 2 {
		t = "0" + t
	}
	return t
}
