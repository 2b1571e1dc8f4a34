package server

import (
	"strings"
	"time"
)

func firstHeaderValue(value string) string {
	if value == "" {
		return ""
	}
	if idx := strings.Index(value, ","); idx >= 0 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}

func trimmedFirstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// secondsUntil rounds down and never goes negative.
func secondsUntil(now, at time.Time) int64 {
	d := at.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}
