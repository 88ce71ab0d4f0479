package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// OutputFormatter renders command results as JSON or human-readable text.
type OutputFormatter struct {
	jsonMode bool
}

func newOutputFormatter(cmd *cobra.Command) *OutputFormatter {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &OutputFormatter{jsonMode: jsonMode}
}

// Print outputs data in the appropriate format.
func (f *OutputFormatter) Print(data any) error {
	if f.jsonMode {
		jsonBytes, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(jsonBytes))
		return nil
	}
	switch v := data.(type) {
	case string:
		fmt.Println(v)
	default:
		jsonBytes, _ := json.MarshalIndent(data, "", "  ")
		fmt.Println(string(jsonBytes))
	}
	return nil
}

// Success outputs a success message, with extra fields in JSON mode.
func (f *OutputFormatter) Success(message string, data map[string]any) error {
	if f.jsonMode {
		output := map[string]any{
			"success": true,
			"message": message,
		}
		for k, v := range data {
			output[k] = v
		}
		return f.Print(output)
	}
	fmt.Println(message)
	return nil
}

// normalizeHex joins command line hex arguments into one contiguous
// uppercase string: "22 f1 90" and "22F190" both become "22F190".
func normalizeHex(args []string) (string, error) {
	joined := strings.ToUpper(strings.Join(args, ""))
	joined = strings.ReplaceAll(joined, " ", "")
	if joined == "" {
		return "", fmt.Errorf("empty request")
	}
	if len(joined)%2 != 0 {
		return "", fmt.Errorf("odd number of hex digits in %q", joined)
	}
	for _, c := range joined {
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return "", fmt.Errorf("invalid hex digit %q", string(c))
		}
	}
	return joined, nil
}

// spacedHex re-inserts byte spacing for display ("7E00" -> "7E 00").
func spacedHex(s string) string {
	if len(s) <= 2 {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i += 2 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := i + 2
		if end > len(s) {
			end = len(s)
		}
		b.WriteString(s[i:end])
	}
	return b.String()
}
