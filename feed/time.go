package feed

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// wireTimestamp is the {seconds, nanos} object form. Both the protobuf
// (`nanos`) and firestore (`nanoseconds`) spellings are accepted.
type wireTimestamp struct {
	Seconds     *int64 `json:"seconds"`
	Nanos       int64  `json:"nanos"`
	Nanoseconds int64  `json:"nanoseconds"`
}

// ParseTime converts a wire createdAt value. Accepted forms: unix
// milliseconds as a JSON number or numeric string, an RFC3339 string, and a
// {seconds, nanos} object.
func ParseTime(raw json.RawMessage) (time.Time, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, false
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			return time.Time{}, false
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms), true
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case '{':
		var ts wireTimestamp
		if err := json.Unmarshal(raw, &ts); err != nil || ts.Seconds == nil {
			return time.Time{}, false
		}
		nanos := ts.Nanos
		if nanos == 0 {
			nanos = ts.Nanoseconds
		}
		return time.Unix(*ts.Seconds, nanos), true
	default:
		var ms json.Number
		if err := json.Unmarshal(raw, &ms); err != nil {
			return time.Time{}, false
		}
		if v, err := ms.Int64(); err == nil {
			return time.UnixMilli(v), true
		}
		if f, err := ms.Float64(); err == nil {
			return time.UnixMilli(int64(f)), true
		}
		return time.Time{}, false
	}
}

// FormatTime is the encoding written by this module: unix milliseconds.
func FormatTime(t time.Time) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(t.UnixMilli(), 10))
}
