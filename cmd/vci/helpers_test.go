package main

import "testing"

func TestNormalizeHex(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
		ok   bool
	}{
		{"single arg", []string{"3E00"}, "3E00", true},
		{"spaced bytes", []string{"22", "f1", "90"}, "22F190", true},
		{"mixed case", []string{"2e", "F190"}, "2EF190", true},
		{"empty", []string{""}, "", false},
		{"odd digits", []string{"3E0"}, "", false},
		{"not hex", []string{"3G00"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeHex(tt.args)
			if tt.ok != (err == nil) {
				t.Fatalf("err = %v; want ok=%v", err, tt.ok)
			}
			if got != tt.want {
				t.Fatalf("got %q; want %q", got, tt.want)
			}
		})
	}
}

func TestSpacedHex(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"7E", "7E"},
		{"7E00", "7E 00"},
		{"62F1904157", "62 F1 90 41 57"},
		{"7E0", "7E 0"},
	}
	for _, tt := range tests {
		if got := spacedHex(tt.in); got != tt.want {
			t.Errorf("spacedHex(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}
