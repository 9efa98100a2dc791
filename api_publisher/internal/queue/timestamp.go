package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Timestamp is a lenient ISO-8601 instant. Values written by other tools are
// kept byte-for-byte on save unless the instant is changed here. An
// unparseable string is kept too; Valid reports false for it.
type Timestamp struct {
	t   time.Time
	raw string
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{t: t}
}

// ParseTimestamp accepts RFC 3339 and the naive ISO forms other tools write.
// Naive values are read as UTC.
func ParseTimestamp(s string) (Timestamp, error) {
	trimmed := strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return Timestamp{t: t, raw: s}, nil
		}
	}
	return Timestamp{raw: s}, fmt.Errorf("unrecognised timestamp %q", s)
}

// Time returns the instant; zero when invalid.
func (ts *Timestamp) Time() time.Time {
	if ts == nil {
		return time.Time{}
	}
	return ts.t
}

func (ts *Timestamp) Valid() bool {
	return ts != nil && !ts.t.IsZero()
}

func (ts *Timestamp) String() string {
	if ts == nil {
		return ""
	}
	if ts.raw != "" {
		return ts.raw
	}
	return ts.t.Format(time.RFC3339)
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.String())
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	parsed, _ := ParseTimestamp(s)
	*ts = parsed
	return nil
}
