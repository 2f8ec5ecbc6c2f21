package devhost

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidDomain(t *testing.T) {
	tests := []struct {
		domain string
		want   bool
	}{
		{"app.test", true},
		{"localhost", true},
		{"my-app.local", true},
		{"a.b.c.d.test", true},
		{"api2.dev", true},
		{"", false},
		{"-bad.test", false},
		{"bad-.test", false},
		{"bad_name.test", false},
		{"has space.test", false},
		{"../etc/passwd", false},
		{"a/b.test", false},
		{`a\b.test`, false},
		{"double..dot", false},
		{"*.wild.test", false},
		{strings.Repeat("a", 254), false},
	}

	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			if got := ValidDomain(tt.domain); got != tt.want {
				t.Errorf("ValidDomain(%q) = %v, want %v", tt.domain, got, tt.want)
			}
		})
	}
}

func TestNormalizeDomain(t *testing.T) {
	tests := map[string]string{
		"App.Test":    "app.test",
		" app.test ":  "app.test",
		"app.test.":   "app.test",
		"LOCALHOST":   "localhost",
		"already.low": "already.low",
	}
	for in, want := range tests {
		if got := normalizeDomain(in); got != want {
			t.Errorf("normalizeDomain(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts")

	if err := writeFileAtomic(path, []byte("first\n"), 0600); err != nil {
		t.Fatalf("first write: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("perm = %v, want 0600", info.Mode().Perm())
	}

	if err := os.Chmod(path, 0644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if err := writeFileAtomic(path, []byte("second\n"), 0600); err != nil {
		t.Fatalf("second write: %v", err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "second\n" {
		t.Errorf("content = %q, want second", data)
	}
	info, _ = os.Stat(path)
	if info.Mode().Perm() != 0644 {
		t.Errorf("existing mode not kept: %v", info.Mode().Perm())
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}
