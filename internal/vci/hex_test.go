package vci

import (
	"bytes"
	"testing"
)

func TestEncodeHexUppercaseNoSeparators(t *testing.T) {
	got := EncodeHex([]byte{0x7E, 0x00, 0xAB})
	if got != "7E00AB" {
		t.Fatalf("EncodeHex = %q; want 7E00AB", got)
	}
}

func TestParseHexRoundTrip(t *testing.T) {
	raw, err := ParseHex("3E00")
	if err != nil {
		t.Fatalf("ParseHex failed: %v", err)
	}
	if !bytes.Equal(raw, []byte{0x3E, 0x00}) {
		t.Fatalf("ParseHex = % X; want 3E 00", raw)
	}
	if back := EncodeHex(raw); back != "3E00" {
		t.Fatalf("round trip = %q; want 3E00", back)
	}
}

func TestParseHexLowercaseAndOddLength(t *testing.T) {
	raw, err := ParseHex("abc")
	if err != nil {
		t.Fatalf("ParseHex failed: %v", err)
	}
	// The trailing odd nibble packs as its own byte.
	if !bytes.Equal(raw, []byte{0xAB, 0x0C}) {
		t.Fatalf("ParseHex = % X; want AB 0C", raw)
	}
}

func TestParseHexRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "XY", "3E0G"} {
		if _, err := ParseHex(in); err == nil {
			t.Errorf("ParseHex(%q) should fail", in)
		}
	}
}

func TestParseSpacedHex(t *testing.T) {
	raw, err := ParseSpacedHex("03 10 E8")
	if err != nil {
		t.Fatalf("ParseSpacedHex failed: %v", err)
	}
	if !bytes.Equal(raw, []byte{0x03, 0x10, 0xE8}) {
		t.Fatalf("ParseSpacedHex = % X; want 03 10 E8", raw)
	}
	if _, err := ParseSpacedHex("  "); err == nil {
		t.Fatal("expected error for blank list")
	}
}

func TestStatusStrings(t *testing.T) {
	cases := map[Status]string{
		StatusOK:                   "OPERATION SUCCEEDED",
		StatusCommunicationTimeout: "COMMUNICATION TIMEOUT",
		StatusCableUnplugged:       "CABLE IS UNPLUGGED",
		Status(-99):                "UNKNOWN ERROR -99",
	}
	for code, want := range cases {
		if got := code.String(); got != want {
			t.Errorf("Status(%d).String() = %q; want %q", int(code), got, want)
		}
	}
	if !StatusOKAlt.OK() || StatusBusy.OK() {
		t.Fatal("OK() classification wrong")
	}
	if !StatusCommunicationTimeout.Timeout() || StatusHardwareError.Timeout() {
		t.Fatal("Timeout() classification wrong")
	}
}
