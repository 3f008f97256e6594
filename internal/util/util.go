package util

import (
	"encoding/json"
	"strconv"
)

// TruncateString truncates s to maxLen runes and appends "..." when it was
// cut (UTF-8 safe). Used to keep internal error text out of client responses.
func TruncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."[:maxLen]
	}
	return string(runes[:maxLen-3]) + "..."
}

// NumberField extracts a numeric value from decoded metadata. JSON decoding
// yields float64 or json.Number; in-process producers may pass native ints
// or numeric strings.
func NumberField(md map[string]interface{}, key string) (float64, bool) {
	if md == nil {
		return 0, false
	}
	v, ok := md[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
