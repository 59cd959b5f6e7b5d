package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "WHITELIST=5551234567\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RingThreshold != 2 || cfg.MaxRings != 8 || !cfg.AutoAnswer || cfg.ConnectTimeout != 30*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadFull(t *testing.T) {
	cfg, err := Load(writeFile(t, `
WHITELIST=5551234567, +447911123456 ,5559876543
RING_THRESHOLD=3
MAX_RINGS=6
AUTO_ANSWER=false
ACCOUNT_CODE=4242
CONNECT_TIMEOUT_SECONDS=45
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"+15551234567", "+447911123456", "+15559876543"}
	if len(cfg.Whitelist) != len(want) {
		t.Fatalf("whitelist = %v, want %v", cfg.Whitelist, want)
	}
	for i, w := range want {
		if cfg.Whitelist[i] != w {
			t.Fatalf("whitelist[%d] = %q, want %q", i, cfg.Whitelist[i], w)
		}
	}
	if cfg.RingThreshold != 3 || cfg.MaxRings != 6 || cfg.AutoAnswer || cfg.AccountCode != "4242" {
		t.Fatalf("parsed = %+v", cfg)
	}
	if cfg.ConnectTimeout != 45*time.Second {
		t.Fatalf("ConnectTimeout = %v", cfg.ConnectTimeout)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad int", "RING_THRESHOLD=two\n"},
		{"bad bool", "AUTO_ANSWER=si\n"},
		{"zero threshold", "RING_THRESHOLD=0\n"},
		{"max below threshold", "RING_THRESHOLD=5\nMAX_RINGS=3\n"},
		{"zero timeout", "CONNECT_TIMEOUT_SECONDS=0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, tt.content)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestNormalizeNumber(t *testing.T) {
	tests := []struct{ in, want string }{
		{"5551234567", "+15551234567"},
		{"+15551234567", "+15551234567"},
		{"+447911123456", "+447911123456"},
		{" 5551234567 ", "+15551234567"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeNumber(tt.in); got != tt.want {
			t.Errorf("NormalizeNumber(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWhitelisted(t *testing.T) {
	cfg := &Config{Whitelist: []string{"+15551234567"}}
	if !cfg.Whitelisted("+15551234567") {
		t.Fatal("exact match rejected")
	}
	if !cfg.Whitelisted("5551234567") {
		t.Fatal("national form should match after normalization")
	}
	if cfg.Whitelisted("+15550000000") {
		t.Fatal("unknown number accepted")
	}
}
