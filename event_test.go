package forward

import (
	"testing"
	"time"
)

func TestNewEvent_NilFields(t *testing.T) {
	ev := NewEvent(time.Unix(1, 0), nil)
	if ev.Fields == nil {
		t.Fatal("Fields is nil")
	}
	ev.Set("k", "v")
	if v, ok := ev.Get("k"); !ok || v != "v" {
		t.Errorf("Get(k) = %v, %v", v, ok)
	}
}

func TestEvent_SetOnZeroValue(t *testing.T) {
	var ev Event
	ev.Set("k", 1)
	if v, _ := ev.Get("k"); v != 1 {
		t.Errorf("Get(k) = %v, want 1", v)
	}
}

func TestEvent_Tag(t *testing.T) {
	tests := []struct {
		name   string
		tags   any
		want   string
		wantOK bool
	}{
		{"missing", nil, "", false},
		{"string", "app", "app", true},
		{"empty string", "", "", false},
		{"string list", []string{"", "web"}, "web", true},
		{"any list", []any{1, "", "db"}, "db", true},
		{"empty list", []any{}, "", false},
		{"other type", 42, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := NewEvent(time.Unix(1, 0), nil)
			if tt.tags != nil {
				ev.Set(TagsKey, tt.tags)
			}
			got, ok := ev.Tag()
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Tag() = %q, %v, want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
