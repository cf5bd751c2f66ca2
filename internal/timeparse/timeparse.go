// Package timeparse resolves the heterogeneous timestamp representations
// found in detector payloads (epoch seconds, epoch milliseconds, ISO-8601
// strings) into absolute UTC times.
package timeparse

import (
	"strconv"
	"strings"
	"time"

	"github.com/relvacode/iso8601"
)

// ValidityFloor is the oldest timestamp accepted from a device. Anything
// earlier is a zero or garbage epoch value that would anchor data at 1970.
var ValidityFloor = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Resolve turns a raw decoded JSON value into an absolute UTC time.
// Numeric values and digit strings are epoch seconds, or epoch milliseconds
// when the magnitude exceeds 1e12. Other strings are parsed as ISO-8601;
// a trailing "Z" is rewritten to "+00:00" and naive times are taken as UTC.
// Missing or unparseable values report ok=false; Resolve never applies a
// default, that policy belongs to the caller.
func Resolve(raw interface{}) (time.Time, bool) {
	switch v := raw.(type) {
	case nil:
		return time.Time{}, false
	case float64:
		return fromEpoch(v), true
	case int:
		return fromEpoch(float64(v)), true
	case int64:
		return fromEpoch(float64(v)), true
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, false
		}
		if isDigits(s) {
			x, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return time.Time{}, false
			}
			return fromEpoch(x), true
		}
		if strings.HasSuffix(s, "Z") {
			s = strings.TrimSuffix(s, "Z") + "+00:00"
		}
		t, err := iso8601.ParseString(s)
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	default:
		return time.Time{}, false
	}
}

// Valid reports whether t is at or after the validity floor.
func Valid(t time.Time) bool {
	return !t.Before(ValidityFloor)
}

func fromEpoch(x float64) time.Time {
	if x > 1e12 { // milliseconds
		x = x / 1000.0
	}
	sec := int64(x)
	nsec := int64((x - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
