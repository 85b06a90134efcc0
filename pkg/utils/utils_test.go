package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCoalesceString(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want string
	}{
		{"empty slice", []string{}, ""},
		{"all empty", []string{"", "", ""}, ""},
		{"first non-empty", []string{"a", "", "c"}, "a"},
		{"second non-empty", []string{"", "b", "c"}, "b"},
		{"single", []string{"x"}, "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CoalesceString(tt.in...)
			if got != tt.want {
				t.Errorf("CoalesceString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDefaultInt(t *testing.T) {
	tests := []struct {
		v, defaultVal, want int
	}{
		{0, 10, 10},
		{1, 10, 1},
		{-1, 10, -1},
		{100, 5, 100},
	}
	for _, tt := range tests {
		got := DefaultInt(tt.v, tt.defaultVal)
		if got != tt.want {
			t.Errorf("DefaultInt(%d, %d) = %d, want %d", tt.v, tt.defaultVal, got, tt.want)
		}
	}
}

func TestCanonicalJSONKeyOrder(t *testing.T) {
	a := map[string]any{"b": 1, "a": []any{"x", map[string]any{"z": true, "y": nil}}}
	b := map[string]any{"a": []any{"x", map[string]any{"y": nil, "z": true}}, "b": 1}
	ra, err := CanonicalJSON(a)
	if err != nil {
		t.Fatal(err)
	}
	rb, err := CanonicalJSON(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(ra) != string(rb) {
		t.Errorf("canonical forms differ: %s vs %s", ra, rb)
	}
	want := `{"a":["x",{"y":null,"z":true}],"b":1}`
	if string(ra) != want {
		t.Errorf("CanonicalJSON = %s, want %s", ra, want)
	}
}

func TestSha256HexDeterministic(t *testing.T) {
	h1, err := Sha256Hex(map[string]any{"k": "v", "n": 2})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Sha256Hex(map[string]any{"n": 2, "k": "v"})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("hash not stable under key order: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("unexpected digest length %d", len(h1))
	}
}

func TestSha256File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	digest, n, err := Sha256File(path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("bytes = %d, want 5", n)
	}
	if digest != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("unexpected digest %s", digest)
	}
}
