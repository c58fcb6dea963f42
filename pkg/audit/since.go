package audit

import (
	"fmt"
	"time"
)

// ParseSince reads the lower bound of an audit query: a date, an RFC 3339
// timestamp or a duration counted back from now.
func ParseSince(v string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid since %q: use YYYY-MM-DD, RFC 3339 or a duration", v)
	}
	return now.Add(-d), nil
}
