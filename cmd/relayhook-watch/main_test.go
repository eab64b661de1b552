package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/agentworkforce/relayhook/internal/hookstore"
	"github.com/agentworkforce/relayhook/internal/hookstream"
	"github.com/agentworkforce/relayhook/internal/httpapi"
)

func TestFloatEnvParsesValue(t *testing.T) {
	t.Setenv("RELAYHOOK_TEST_FLOAT", "0.35")
	got := floatEnv("RELAYHOOK_TEST_FLOAT", 0.1)
	if got != 0.35 {
		t.Fatalf("expected 0.35, got %f", got)
	}
}

func TestFloatEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("RELAYHOOK_TEST_FLOAT_BAD", "oops")
	got := floatEnv("RELAYHOOK_TEST_FLOAT_BAD", 0.25)
	if got != 0.25 {
		t.Fatalf("expected fallback 0.25, got %f", got)
	}
}

func TestBoolEnv(t *testing.T) {
	t.Setenv("RELAYHOOK_TEST_BOOL", "true")
	if !boolEnv("RELAYHOOK_TEST_BOOL", false) {
		t.Fatalf("expected true")
	}
	t.Setenv("RELAYHOOK_TEST_BOOL", "maybe")
	if boolEnv("RELAYHOOK_TEST_BOOL", false) {
		t.Fatalf("expected fallback false for invalid value")
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}

func TestEventPrinterPrintsEachEventOnceOldestFirst(t *testing.T) {
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	body := `{"test":true}`
	older := hookstream.RequestEvent{ID: "a", Method: "GET", Timestamp: ts}
	newer := hookstream.RequestEvent{ID: "b", Method: "POST", ContentType: "application/json", BodyRaw: &body, Timestamp: ts.Add(time.Second)}

	var out bytes.Buffer
	printer := newEventPrinter(&out)
	if n := printer.print([]hookstream.RequestEvent{newer, older}); n != 2 {
		t.Fatalf("expected 2 printed, got %d", n)
	}
	if n := printer.print([]hookstream.RequestEvent{newer, older}); n != 0 {
		t.Fatalf("expected nothing new printed, got %d", n)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", out.String())
	}
	if !strings.Contains(lines[0], " a ") || !strings.Contains(lines[1], " b ") {
		t.Fatalf("expected oldest first, got %q", lines)
	}
	if !strings.Contains(lines[1], `"{\"test\":true}"`) || !strings.Contains(lines[1], "application/json 13B") {
		t.Fatalf("unexpected formatted line %q", lines[1])
	}
}

func TestFormatEventTruncatesOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("a", 116) + "日本語"
	event := hookstream.RequestEvent{ID: "a", Method: "POST", BodyRaw: &body, Timestamp: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	line := formatEvent(event)
	want := strconv.Quote(strings.Repeat("a", 116) + "...")
	if !strings.HasSuffix(line, " "+want) {
		t.Fatalf("expected body cut before the multi-byte rune, got %q", line)
	}
	if !strings.Contains(line, fmt.Sprintf(" %dB ", len(body))) {
		t.Fatalf("expected the full body length in %q", line)
	}
}

func TestTruncateRunes(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 120, "short"},
		{"abcdef", 6, "abcdef"},
		{"abcdefg", 6, "abc..."},
		{"ab日本", 8, "ab日本"},
		{"ab日本", 7, "ab..."},
		{"ab日本xyz", 9, "ab日..."},
	}
	for _, tc := range cases {
		got := truncateRunes(tc.in, tc.max)
		if got != tc.want {
			t.Fatalf("truncateRunes(%q, %d): expected %q, got %q", tc.in, tc.max, tc.want, got)
		}
		if !utf8.ValidString(got) {
			t.Fatalf("truncateRunes(%q, %d) produced invalid UTF-8 %q", tc.in, tc.max, got)
		}
	}
}

func TestNewDropper(t *testing.T) {
	client := hookstream.NewHTTPClient("http://127.0.0.1:1", hookstream.HTTPClientOptions{})
	dropper, err := newDropper(client, "  ", "http://127.0.0.1:1/w/ep_1")
	if err != nil || dropper != nil {
		t.Fatalf("expected no dropper without a directory, got %v, %v", dropper, err)
	}
	dropper, err = newDropper(client, t.TempDir(), "http://127.0.0.1:1/w/ep_1")
	if err != nil || dropper == nil {
		t.Fatalf("expected a dropper, got %v, %v", dropper, err)
	}
	notDir := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(notDir, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := newDropper(client, notDir, "http://127.0.0.1:1/w/ep_1"); err == nil {
		t.Fatalf("expected a regular file to be rejected as a drop directory")
	}
}

func TestResolveEndpoint(t *testing.T) {
	server := httptest.NewServer(httpapi.NewServer(hookstore.NewStore()))
	defer server.Close()
	client := hookstream.NewHTTPClient(server.URL, hookstream.HTTPClientOptions{})
	ctx := context.Background()

	created, err := resolveEndpoint(ctx, client, "", "cli")
	if err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	if created.Name != "cli" || created.URL != server.URL+"/w/"+created.ID {
		t.Fatalf("unexpected created endpoint: %+v", created)
	}

	attached, err := resolveEndpoint(ctx, client, created.ID, "ignored")
	if err != nil {
		t.Fatalf("attach endpoint: %v", err)
	}
	if attached.ID != created.ID || attached.URL != created.URL {
		t.Fatalf("expected to attach to %+v, got %+v", created, attached)
	}

	_, err = resolveEndpoint(ctx, client, "missing", "")
	if !errors.Is(err, hookstream.ErrEndpointNotFound) || !errors.Is(err, hookstream.ErrLookup) {
		t.Fatalf("expected ErrEndpointNotFound from a lookup, got %v", err)
	}
	if errors.Is(err, hookstream.ErrCreation) {
		t.Fatalf("attaching to a missing endpoint is not a creation failure: %v", err)
	}
}
