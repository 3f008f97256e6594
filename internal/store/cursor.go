package store

import (
	"encoding/base64"
	"strconv"
)

// EncodeCursor renders a sequence number as an opaque page cursor.
func EncodeCursor(seq uint64) string {
	return base64.URLEncoding.EncodeToString([]byte(strconv.FormatUint(seq, 10)))
}

// DecodeCursor parses a cursor produced by EncodeCursor. Unknown or garbled
// cursors decode to 0, the start of the stream.
func DecodeCursor(s string) uint64 {
	if s == "" {
		return 0
	}
	b, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
