package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/agentworkforce/relayhook/internal/dropsend"
	"github.com/agentworkforce/relayhook/internal/hookstream"
)

func main() {
	apiURL := flag.String("api-url", envOrDefault("RELAYHOOK_API_URL", "http://127.0.0.1:8000"), "relayhook API base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("RELAYHOOK_TOKEN")), "bearer token for the management API")
	endpointID := flag.String("endpoint", strings.TrimSpace(os.Getenv("RELAYHOOK_ENDPOINT")), "existing endpoint ID to watch; a new endpoint is created when empty")
	name := flag.String("name", strings.TrimSpace(os.Getenv("RELAYHOOK_ENDPOINT_NAME")), "name for a newly created endpoint")
	interval := flag.Duration("interval", durationEnv("RELAYHOOK_WATCH_INTERVAL", 30*time.Second), "snapshot refresh interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("RELAYHOOK_WATCH_INTERVAL_JITTER", 0.2), "refresh interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("RELAYHOOK_WATCH_TIMEOUT", 15*time.Second), "per-request timeout")
	reconnect := flag.Bool("reconnect", boolEnv("RELAYHOOK_WATCH_RECONNECT", false), "reopen the live channel after it drops and refetch the snapshot")
	reconnectMaxDelay := flag.Duration("reconnect-max-delay", durationEnv("RELAYHOOK_WATCH_RECONNECT_MAX_DELAY", 30*time.Second), "upper bound on reconnect backoff")
	sendDir := flag.String("send-dir", strings.TrimSpace(os.Getenv("RELAYHOOK_SEND_DIR")), "directory whose files are sent to the endpoint")
	once := flag.Bool("once", false, "print the current history and exit")
	flag.Parse()

	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := hookstream.NewHTTPClient(*apiURL, hookstream.HTTPClientOptions{
		HTTPClient: &http.Client{Timeout: *timeout},
		Token:      *token,
		MaxRetries: 3,
	})
	handle, err := resolveEndpoint(rootCtx, client, *endpointID, *name)
	if err != nil {
		log.Fatalf("failed to resolve endpoint: %v", err)
	}
	log.Printf("watching endpoint %s; send webhooks to %s", handle.ID, handle.URL)

	// Built before the session starts so a bad directory exits without an
	// open channel to tear down.
	dropper, err := newDropper(client, *sendDir, handle.URL)
	if err != nil {
		log.Fatalf("failed to initialize drop directory: %v", err)
	}

	session, err := hookstream.NewSession(client, handle, hookstream.SessionOptions{
		Reconnect: hookstream.ReconnectPolicy{
			Enabled:            *reconnect,
			MaxDelay:           *reconnectMaxDelay,
			RefetchOnReconnect: true,
		},
		Logger: log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize session: %v", err)
	}
	if err := session.Start(rootCtx); err != nil {
		log.Fatalf("failed to start session: %v", err)
	}
	defer session.Discard()

	printer := newEventPrinter(os.Stdout)
	refresh := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		added, err := session.Refresh(ctx)
		if err != nil {
			log.Printf("snapshot refresh failed: %v", err)
			return
		}
		if added > 0 {
			printer.print(session.Current())
		}
	}

	refresh()
	if *once {
		return
	}

	if dropper != nil {
		go func() {
			if err := dropper.Run(rootCtx); err != nil {
				log.Printf("drop directory watcher stopped: %v", err)
			}
		}()
		log.Printf("sending files dropped into %s", strings.TrimSpace(*sendDir))
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("watch stopping: %v", rootCtx.Err())
			return
		case state := <-session.StateChanges():
			if state == hookstream.StateFailed {
				log.Printf("live channel %s: %v", state, session.LastError())
			} else {
				log.Printf("live channel %s", state)
			}
		case <-session.Changes():
			printer.print(session.Current())
		case <-timer.C:
			refresh()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

// resolveEndpoint attaches to endpointID when set and creates a new endpoint
// otherwise.
func resolveEndpoint(ctx context.Context, client hookstream.RemoteClient, endpointID, name string) (hookstream.EndpointHandle, error) {
	if id := strings.TrimSpace(endpointID); id != "" {
		return client.GetEndpoint(ctx, id)
	}
	return client.CreateEndpoint(ctx, name)
}

// newDropper returns nil when no drop directory is configured.
func newDropper(sender dropsend.Sender, dir, endpointURL string) (*dropsend.Dropper, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}
	return dropsend.New(sender, dropsend.Options{
		Dir:         dir,
		EndpointURL: endpointURL,
		Logger:      log.Default(),
	})
}

// eventPrinter writes each event once, oldest first.
type eventPrinter struct {
	out  io.Writer
	seen map[string]struct{}
}

func newEventPrinter(out io.Writer) *eventPrinter {
	return &eventPrinter{out: out, seen: map[string]struct{}{}}
}

func (p *eventPrinter) print(history []hookstream.RequestEvent) int {
	printed := 0
	for i := len(history) - 1; i >= 0; i-- {
		event := history[i]
		if _, ok := p.seen[event.ID]; ok {
			continue
		}
		p.seen[event.ID] = struct{}{}
		fmt.Fprintln(p.out, formatEvent(event))
		printed++
	}
	return printed
}

func formatEvent(event hookstream.RequestEvent) string {
	contentType := event.ContentType
	if contentType == "" {
		contentType = "-"
	}
	line := fmt.Sprintf("%s %-6s %s %s %dB", event.Timestamp.UTC().Format(time.RFC3339), event.Method, event.ID, contentType, len(event.Body()))
	if body := strings.TrimSpace(event.Body()); body != "" {
		body = truncateRunes(body, 120)
		line += " " + strconv.Quote(body)
	}
	return line
}

// truncateRunes shortens s to at most max bytes, cutting on a rune boundary
// and marking the cut with "...".
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	limit := max - len("...")
	end := 0
	for end < len(s) {
		_, size := utf8.DecodeRuneInString(s[end:])
		if end+size > limit {
			break
		}
		end += size
	}
	return s[:end] + "..."
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
