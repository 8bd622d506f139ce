package forward

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

// iso8601Layout renders millisecond precision in UTC with a literal Z.
const iso8601Layout = "2006-01-02T15:04:05.000Z"

// eventTimeExtID is the msgpack ext type Fluentd uses for EventTime.
const eventTimeExtID = 0

// EpochSeconds truncates t to whole seconds since the Unix epoch.
// Sub-second precision is discarded.
func EpochSeconds(t time.Time) (uint64, error) {
	sec := t.Unix()
	if sec < 0 {
		return 0, errors.Wrapf(ErrNegativeTime, "%s", t.UTC().Format(time.RFC3339))
	}
	return uint64(sec), nil
}

// TimeFromEpoch returns the UTC time for sec seconds since the Unix epoch.
func TimeFromEpoch(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// FormatISO8601 renders t in UTC with millisecond precision,
// e.g. 2023-01-01T00:00:01.500Z.
func FormatISO8601(t time.Time) string {
	return t.UTC().Format(iso8601Layout)
}

// parseEventTime reads the seconds of an 8-byte Fluentd EventTime payload
// (big-endian uint32 seconds, uint32 nanoseconds). Nanoseconds are dropped.
func parseEventTime(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, errors.Errorf("event time: want 8 bytes, got %d", len(b))
	}
	return int64(binary.BigEndian.Uint32(b[:4])), nil
}
