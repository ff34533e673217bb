package main

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestRenderStatusLineColor(t *testing.T) {
	plain := renderStatusLine("Ring", statusOK, "fine", false)
	if strings.Contains(plain, "\x1b[") {
		t.Fatalf("unexpected escape codes in %q", plain)
	}
	if !strings.Contains(plain, "Ring:") || !strings.Contains(plain, "[OK] fine") {
		t.Fatalf("unexpected line %q", plain)
	}
	colored := renderStatusLine("Ring", statusWarn, "busy", true)
	if !strings.HasPrefix(colored, ansiYellow) || !strings.HasSuffix(colored, ansiReset) {
		t.Fatalf("expected yellow line, got %q", colored)
	}
}

func TestShouldColorizeNonTerminal(t *testing.T) {
	if shouldColorize(&bytes.Buffer{}) {
		t.Fatal("buffers are never terminals")
	}
}

func TestFormatHelpers(t *testing.T) {
	cases := map[uint64]string{0: "0 B", 1023: "1023 B", 1024: "1.0 KiB", 1 << 20: "1.0 MiB"}
	for n, want := range cases {
		if got := formatBytes(n); got != want {
			t.Fatalf("formatBytes(%d) = %q, want %q", n, got, want)
		}
	}
	now := time.Now()
	if got := formatAge(time.Time{}, now); got != "never" {
		t.Fatalf("zero age = %q", got)
	}
	if got := formatAge(now.Add(-90*time.Second), now); got != "1m ago" {
		t.Fatalf("age = %q", got)
	}
	if got := shortID("3f2a9c1e-0000-4000-8000-000000000000"); got != "3f2a9c1e" {
		t.Fatalf("shortID = %q", got)
	}
}
