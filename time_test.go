package forward

import (
	"errors"
	"testing"
	"time"
)

func TestEpochSeconds(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want uint64
	}{
		{"epoch", time.Unix(0, 0), 0},
		{"whole second", time.Unix(1672531201, 0), 1672531201},
		{"sub-second truncated", time.Unix(1672531201, 999_999_999), 1672531201},
		{"other zone", time.Date(2023, 1, 1, 1, 0, 1, 0, time.FixedZone("CET", 3600)), 1672531201},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EpochSeconds(tt.in)
			if err != nil {
				t.Fatalf("EpochSeconds failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("EpochSeconds = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEpochSeconds_BeforeEpoch(t *testing.T) {
	_, err := EpochSeconds(time.Unix(-1, 0))
	if !errors.Is(err, ErrNegativeTime) {
		t.Errorf("expected ErrNegativeTime, got %v", err)
	}
}

func TestTimeFromEpoch(t *testing.T) {
	got := TimeFromEpoch(1672531201)
	if got.Location() != time.UTC {
		t.Errorf("location = %s, want UTC", got.Location())
	}
	if s := got.Format(time.RFC3339); s != "2023-01-01T00:00:01Z" {
		t.Errorf("TimeFromEpoch = %s, want 2023-01-01T00:00:01Z", s)
	}
}

func TestFormatISO8601(t *testing.T) {
	tests := []struct {
		in   time.Time
		want string
	}{
		{time.Date(2023, 1, 1, 0, 0, 1, 500_000_000, time.UTC), "2023-01-01T00:00:01.500Z"},
		{time.Date(2023, 1, 1, 0, 0, 1, 0, time.UTC), "2023-01-01T00:00:01.000Z"},
		{time.Date(2023, 1, 1, 2, 0, 1, 123_456_789, time.FixedZone("EET", 7200)), "2023-01-01T00:00:01.123Z"},
	}

	for _, tt := range tests {
		if got := FormatISO8601(tt.in); got != tt.want {
			t.Errorf("FormatISO8601(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestParseEventTime(t *testing.T) {
	sec, err := parseEventTime(eventTime(1672531201, 500)[2:])
	if err != nil {
		t.Fatalf("parseEventTime failed: %v", err)
	}
	if sec != 1672531201 {
		t.Errorf("seconds = %d, want 1672531201", sec)
	}

	if _, err := parseEventTime([]byte{1, 2, 3}); err == nil {
		t.Error("expected an error for a short payload")
	}
}
