package normalize

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// millisThreshold separates unix seconds from unix milliseconds.
const millisThreshold = 1_000_000_000_000

// parseTimestamp accepts unix seconds or milliseconds as a number or a
// numeric string, and RFC 3339 strings. The zero time means absent.
func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, false
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return time.Time{}, false
		}
		return parseTimestampText(text)
	}
	return parseTimestampText(string(raw))
}

func parseTimestampText(text string) (time.Time, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, false
	}
	if unix, err := strconv.ParseInt(text, 10, 64); err == nil {
		return unixTime(unix)
	}
	if unix, err := strconv.ParseFloat(text, 64); err == nil {
		return unixTime(int64(unix))
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if parsed, err := time.Parse(layout, text); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}

func unixTime(value int64) (time.Time, bool) {
	if value <= 0 {
		return time.Time{}, false
	}
	if value >= millisThreshold {
		return time.UnixMilli(value).UTC(), true
	}
	return time.Unix(value, 0).UTC(), true
}
