package hookstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

type ChannelState int32

const (
	StateIdle ChannelState = iota
	StateConnecting
	StateOpen
	StateClosed
	StateFailed
)

func (s ChannelState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("ChannelState(%d)", int32(s))
	}
}

// Terminal reports whether a subscriber in this state will never deliver
// another event.
func (s ChannelState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

type UpdateKind int

const (
	UpdateOpened UpdateKind = iota + 1
	UpdateEvent
	UpdateDecodeFailed
	UpdateErrored
	UpdateClosed
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateOpened:
		return "opened"
	case UpdateEvent:
		return "event"
	case UpdateDecodeFailed:
		return "decode_failed"
	case UpdateErrored:
		return "errored"
	case UpdateClosed:
		return "closed"
	default:
		return fmt.Sprintf("UpdateKind(%d)", int(k))
	}
}

// Update is one item of a subscriber's stream. Event is set for UpdateEvent,
// Err for UpdateDecodeFailed and UpdateErrored.
type Update struct {
	Kind  UpdateKind
	Event RequestEvent
	Err   error
}

type Logger interface {
	Printf(format string, args ...any)
}

type SubscriberOptions struct {
	// HTTPClient is used for the upgrade request. Its Timeout is ignored;
	// use DialTimeout instead.
	HTTPClient  *http.Client
	HTTPHeader  http.Header
	DialTimeout time.Duration
	ReadLimit   int64
	Logger      Logger
}

// Subscriber supervises one websocket bound to one endpoint. It is single
// use: once Closed or Failed, a new Subscriber is needed.
type Subscriber struct {
	url    string
	opts   SubscriberOptions
	logger Logger

	mu      sync.Mutex
	state   ChannelState
	started bool
	closing bool
	conn    *websocket.Conn
	cancel  context.CancelFunc

	updates chan Update
	states  chan ChannelState
	done    chan struct{}
}

func NewSubscriber(channelURL string, opts SubscriberOptions) *Subscriber {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	return &Subscriber{
		url:     strings.TrimSpace(channelURL),
		opts:    opts,
		logger:  opts.Logger,
		state:   StateIdle,
		updates: make(chan Update),
		states:  make(chan ChannelState, 1),
		done:    make(chan struct{}),
	}
}

func (s *Subscriber) URL() string {
	return s.url
}

// Start moves the subscriber from Idle to Connecting and dials in the
// background. The subscription lives until ctx is done or Close is called.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("subscriber already started")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.setState(StateConnecting)
	go s.run(runCtx)
	return nil
}

// Updates delivers the subscription's stream in server-send order. It is
// closed after the terminal Closed or Errored update.
func (s *Subscriber) Updates() <-chan Update {
	return s.updates
}

// StateChanges holds at most one pending notification: the newest state. A
// listener that falls behind skips intermediate states.
func (s *Subscriber) StateChanges() <-chan ChannelState {
	return s.states
}

func (s *Subscriber) State() ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the subscriber has stopped and closed Updates.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Close ends the subscription with a normal closure and waits for the read
// loop to stop. Calling it on a subscriber that never started is a no-op.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if !s.started {
		s.closing = true
		s.mu.Unlock()
		return nil
	}
	alreadyClosing := s.closing
	s.closing = true
	conn := s.conn
	cancel := s.cancel
	s.mu.Unlock()

	var err error
	if conn != nil && !alreadyClosing {
		err = conn.Close(websocket.StatusNormalClosure, "subscription closed")
	}
	cancel()
	<-s.done
	if err != nil && !isClosedConnError(err) {
		return err
	}
	return nil
}

func (s *Subscriber) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.updates)
	defer s.cancel()

	if s.url == "" {
		s.finish(ctx, StateFailed, &ChannelError{URL: s.url, Err: fmt.Errorf("channel url is required")})
		return
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	dialOpts := &websocket.DialOptions{HTTPHeader: s.opts.HTTPHeader}
	if s.opts.HTTPClient != nil {
		hc := *s.opts.HTTPClient
		hc.Timeout = 0
		dialOpts.HTTPClient = &hc
	}
	conn, _, err := websocket.Dial(dialCtx, s.url, dialOpts)
	dialCancel()
	if err != nil {
		if s.isClosing() || ctx.Err() != nil {
			s.finish(ctx, StateClosed, nil)
			return
		}
		s.finish(ctx, StateFailed, &ChannelError{URL: s.url, Err: err})
		return
	}
	conn.SetReadLimit(s.opts.ReadLimit)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "subscription closed")
		s.finish(ctx, StateClosed, nil)
		return
	}
	s.conn = conn
	s.mu.Unlock()

	s.setState(StateOpen)
	s.logf("channel open: %s", s.url)
	if !s.emit(ctx, Update{Kind: UpdateOpened}) {
		s.finishAfterRead(ctx, conn, ctx.Err())
		return
	}

	for {
		typ, frame, err := conn.Read(ctx)
		if err != nil {
			s.finishAfterRead(ctx, conn, err)
			return
		}
		if typ != websocket.MessageText {
			s.emit(ctx, Update{Kind: UpdateDecodeFailed, Err: &DecodeError{Reason: "binary frame"}})
			continue
		}
		event, ok, err := decodeFrame(frame)
		if err != nil {
			s.logf("dropping malformed frame on %s: %v", s.url, err)
			if !s.emit(ctx, Update{Kind: UpdateDecodeFailed, Err: err}) {
				s.finishAfterRead(ctx, conn, ctx.Err())
				return
			}
			continue
		}
		if !ok {
			continue
		}
		if !s.emit(ctx, Update{Kind: UpdateEvent, Event: event}) {
			s.finishAfterRead(ctx, conn, ctx.Err())
			return
		}
	}
}

func (s *Subscriber) finishAfterRead(ctx context.Context, conn *websocket.Conn, readErr error) {
	status := websocket.CloseStatus(readErr)
	if s.isClosing() || ctx.Err() != nil || status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.finish(ctx, StateClosed, nil)
		return
	}
	_ = conn.Close(websocket.StatusInternalError, "read failed")
	s.finish(ctx, StateFailed, &ChannelError{URL: s.url, Err: readErr})
}

// finish publishes the terminal state and makes a best effort to hand the
// terminal update to a consumer even after ctx is done.
func (s *Subscriber) finish(ctx context.Context, state ChannelState, err error) {
	s.setState(state)
	update := Update{Kind: UpdateClosed}
	if state == StateFailed {
		update = Update{Kind: UpdateErrored, Err: err}
		s.logf("channel failed: %v", err)
	} else {
		s.logf("channel closed: %s", s.url)
	}
	if s.emit(ctx, update) {
		return
	}
	select {
	case s.updates <- update:
	default:
	}
}

func (s *Subscriber) emit(ctx context.Context, update Update) bool {
	select {
	case s.updates <- update:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Subscriber) setState(next ChannelState) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
	publishLatest(s.states, next)
}

func (s *Subscriber) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Subscriber) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

// publishLatest replaces any unread value in ch with v. ch must have a
// capacity of one and a single producer.
func publishLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	return strings.Contains(err.Error(), "closed")
}
