package forward

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type point struct{ X, Y int }

type level int

func (l level) MarshalText() ([]byte, error) {
	return []byte("L" + strconv.Itoa(int(l))), nil
}

func TestNormalize(t *testing.T) {
	ts := time.Date(2023, 1, 1, 0, 0, 1, 500_000_000, time.UTC)
	name := "ptr"

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"string", "s", "s"},
		{"int", 42, 42},
		{"float", 1.5, 1.5},
		{"bytes", []byte("ab"), []byte("ab")},
		{"time", ts, "2023-01-01T00:00:01.500Z"},
		{"duration", 2 * time.Second, int64(2 * time.Second)},
		{"text marshaler", net.ParseIP("127.0.0.1"), "127.0.0.1"},
		{"string slice", []string{"a", "b"}, []any{"a", "b"}},
		{"int array", [2]int{1, 2}, []any{1, 2}},
		{"typed map", map[string]int{"a": 1}, map[string]any{"a": 1}},
		{"pointer", &name, "ptr"},
		{"nil pointer", (*string)(nil), nil},
		{"value marshaler", level(3), "L3"},
		{"nil time pointer", (*time.Time)(nil), nil},
		{"nil value marshaler pointer", (*level)(nil), nil},
		{"nil slice", []string(nil), nil},
		{"event", NewEvent(ts, map[string]any{"k": "v"}), map[string]any{"k": "v"}},
		{"nested", map[string]any{"l": []any{map[string]any{"t": ts}}},
			map[string]any{"l": []any{map[string]any{"t": "2023-01-01T00:00:01.500Z"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(map[string]any{"v": tt.in})
			if err != nil {
				t.Fatalf("Normalize failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, got["v"]); diff != "" {
				t.Errorf("value mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNormalize_Unserializable(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		path string
	}{
		{"func", map[string]any{"f": func() {}}, "f"},
		{"chan", map[string]any{"c": make(chan int)}, "c"},
		{"complex", map[string]any{"z": complex(1, 2)}, "z"},
		{"struct", map[string]any{"p": point{1, 2}}, "p"},
		{"int keys", map[string]any{"m": map[int]string{1: "a"}}, "m"},
		{"nested", map[string]any{"a": map[string]any{"b": []any{"ok", func() {}}}}, "a.b[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.in)
			if !errors.Is(err, ErrUnserializable) {
				t.Fatalf("expected ErrUnserializable, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.path+":") {
				t.Errorf("error %q does not name path %s", err, tt.path)
			}
		})
	}
}

func TestNormalize_Cycles(t *testing.T) {
	m := map[string]any{}
	m["self"] = m

	list := make([]any, 1)
	list[0] = list

	ev := NewEvent(time.Unix(0, 0), map[string]any{})
	ev.Fields["parent"] = ev

	tests := []struct {
		name string
		in   any
	}{
		{"map", m},
		{"slice", list},
		{"event", ev},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(map[string]any{"v": tt.in})
			if !errors.Is(err, ErrUnserializable) {
				t.Fatalf("expected ErrUnserializable, got %v", err)
			}
		})
	}
}

func TestNormalize_DeepButFinite(t *testing.T) {
	v := any("leaf")
	for i := 0; i < maxNormalizeDepth-2; i++ {
		v = []any{v}
	}
	if _, err := Normalize(map[string]any{"v": v}); err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
}

func TestNormalize_DeepCopy(t *testing.T) {
	inner := map[string]any{"k": "v"}
	list := []any{"a"}
	raw := []byte("xy")
	in := map[string]any{"inner": inner, "list": list, "raw": raw}

	out, err := Normalize(in)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	out["added"] = true
	out["inner"].(map[string]any)["k"] = "changed"
	out["list"].([]any)[0] = "changed"
	out["raw"].([]byte)[0] = 'z'

	if _, ok := in["added"]; ok {
		t.Error("top-level map shared")
	}
	if inner["k"] != "v" {
		t.Error("nested map shared")
	}
	if list[0] != "a" {
		t.Error("list shared")
	}
	if string(raw) != "xy" {
		t.Error("byte slice shared")
	}
}

func TestNormalize_NilFields(t *testing.T) {
	out, err := Normalize(nil)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if out == nil || len(out) != 0 {
		t.Errorf("Normalize(nil) = %#v, want empty map", out)
	}
}
