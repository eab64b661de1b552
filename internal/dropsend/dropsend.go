package dropsend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/relayhook/internal/hookstream"
)

// Sender delivers one payload to an endpoint's public URL.
type Sender interface {
	Send(ctx context.Context, endpointURL, method, contentType string, body []byte) (hookstream.SendResult, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Dir         string
	EndpointURL string
	// Method defaults to POST.
	Method string
	// StateFile records what has been sent so a restart does not resend
	// unchanged files. Defaults to .relayhook-dropsend.json inside Dir.
	StateFile string
	Debounce  time.Duration
	Logger    Logger
}

// Dropper sends every file dropped into a directory to one endpoint, once
// per distinct content.
type Dropper struct {
	sender      Sender
	dir         string
	endpointURL string
	method      string
	stateFile   string
	debounce    time.Duration
	logger      Logger

	mu     sync.Mutex
	state  sendState
	loaded bool
}

type sendState struct {
	Files map[string]sentFile `json:"files"`
}

type sentFile struct {
	Hash       string    `json:"hash"`
	StatusCode int       `json:"statusCode"`
	SentAt     time.Time `json:"sentAt"`
}

func New(sender Sender, opts Options) (*Dropper, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	dirRaw := strings.TrimSpace(opts.Dir)
	if dirRaw == "" {
		return nil, fmt.Errorf("drop directory is required")
	}
	endpointURL := strings.TrimSpace(opts.EndpointURL)
	if endpointURL == "" {
		return nil, fmt.Errorf("endpoint url is required")
	}
	dir := filepath.Clean(dirRaw)
	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	if method == "" {
		method = http.MethodPost
	}
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(dir, ".relayhook-dropsend.json")
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Dropper{
		sender:      sender,
		dir:         dir,
		endpointURL: endpointURL,
		method:      method,
		stateFile:   stateFile,
		debounce:    debounce,
		logger:      opts.Logger,
		state:       sendState{Files: map[string]sentFile{}},
	}, nil
}

// SendOnce sends each file in the directory whose content has not been sent
// before and reports how many were sent. A file that fails to send is
// retried on the next call.
func (d *Dropper) SendOnce(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.loadState(); err != nil {
		return 0, err
	}
	files, err := d.scanFiles()
	if err != nil {
		return 0, err
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	sent := 0
	var errs []error
	for _, name := range names {
		data := files[name]
		hash := hashBytes(data)
		if prev, ok := d.state.Files[name]; ok && prev.Hash == hash {
			continue
		}
		result, err := d.sender.Send(ctx, d.endpointURL, d.method, detectContentType(name), data)
		if err != nil {
			d.logf("send %s failed: %v", name, err)
			errs = append(errs, fmt.Errorf("send %s: %w", name, err))
			continue
		}
		d.logf("sent %s (%d bytes) -> %d", name, len(data), result.StatusCode)
		d.state.Files[name] = sentFile{Hash: hash, StatusCode: result.StatusCode, SentAt: time.Now().UTC()}
		sent++
	}
	if sent > 0 {
		if err := d.saveState(); err != nil {
			errs = append(errs, err)
		}
	}
	return sent, errors.Join(errs...)
}

// Run sends what is already in the directory, then watches it and sends
// files as they are created or rewritten, until ctx is done.
func (d *Dropper) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(d.dir); err != nil {
		return err
	}
	if _, err := d.SendOnce(ctx); err != nil {
		d.logf("initial drop scan: %v", err)
	}

	timer := time.NewTimer(d.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if d.ignored(event.Name) {
				continue
			}
			timer.Reset(d.debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logf("watch %s: %v", d.dir, err)
		case <-timer.C:
			if _, err := d.SendOnce(ctx); err != nil {
				d.logf("drop scan: %v", err)
			}
		}
	}
}

func (d *Dropper) scanFiles() (map[string][]byte, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	files := map[string][]byte{}
	for _, entry := range entries {
		if entry.IsDir() || !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(d.dir, entry.Name())
		if d.ignored(path) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		files[entry.Name()] = data
	}
	return files, nil
}

// ignored skips hidden files, editor temp files and the state file.
func (d *Dropper) ignored(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".tmp") {
		return true
	}
	stateAbs, err := filepath.Abs(d.stateFile)
	if err != nil {
		return false
	}
	pathAbs, err := filepath.Abs(path)
	return err == nil && pathAbs == stateAbs
}

func (d *Dropper) loadState() error {
	if d.loaded {
		return nil
	}
	d.loaded = true
	data, err := os.ReadFile(d.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state sendState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Files == nil {
		state.Files = map[string]sentFile{}
	}
	d.state = state
	return nil
}

func (d *Dropper) saveState() error {
	data, err := json.Marshal(d.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(d.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(d.stateFile, data, 0o644)
}

func (d *Dropper) logf(format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}

func detectContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".json" {
		return "application/json"
	}
	m := mime.TypeByExtension(ext)
	if m == "" {
		return "application/octet-stream"
	}
	if idx := strings.Index(m, ";"); idx >= 0 {
		m = m[:idx]
	}
	return m
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".dropsend-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
