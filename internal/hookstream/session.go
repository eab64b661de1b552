package hookstream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ReconnectPolicy controls what a Session does after its live channel ends.
// The zero value never reconnects.
type ReconnectPolicy struct {
	Enabled   bool
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts bounds consecutive failed attempts; 0 means no bound. A
	// channel that reaches Open resets the count.
	MaxAttempts int
	// RefetchOnReconnect re-reads the snapshot whenever a replacement
	// channel opens, so requests missed while disconnected are recovered.
	RefetchOnReconnect bool
}

type SessionOptions struct {
	Subscriber SubscriberOptions
	Reconnect  ReconnectPolicy
	Logger     Logger
}

// Session is the reconciliation context for one endpoint. It owns the
// endpoint's Reconciler and applies every write to it from a single loop
// goroutine, in the order live updates and snapshot results reach the loop.
type Session struct {
	client     RemoteClient
	handle     EndpointHandle
	opts       SessionOptions
	logger     Logger
	reconciler *Reconciler

	ops     chan func()
	states  chan ChannelState
	changes chan struct{}
	done    chan struct{}

	state     atomic.Int32
	discarded atomic.Bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	sub     *Subscriber
	lastErr error

	// owned by the loop goroutine
	attempts    int
	replacement bool
	refetchWG   sync.WaitGroup
}

func NewSession(client RemoteClient, handle EndpointHandle, opts SessionOptions) (*Session, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if err := validateHandle(handle); err != nil {
		return nil, err
	}
	if opts.Subscriber.Logger == nil {
		opts.Subscriber.Logger = opts.Logger
	}
	if opts.Reconnect.BaseDelay <= 0 {
		opts.Reconnect.BaseDelay = 250 * time.Millisecond
	}
	if opts.Reconnect.MaxDelay <= 0 {
		opts.Reconnect.MaxDelay = 30 * time.Second
	}
	return &Session{
		client:     client,
		handle:     handle,
		opts:       opts,
		logger:     opts.Logger,
		reconciler: NewReconciler(),
		ops:        make(chan func()),
		states:     make(chan ChannelState, 1),
		changes:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}, nil
}

func (s *Session) Handle() EndpointHandle {
	return s.handle
}

// Start opens the live channel and starts the processing loop. The session
// runs until ctx is done or Discard is called.
func (s *Session) Start(ctx context.Context) error {
	if s.discarded.Load() {
		return ErrSessionDiscarded
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session already started")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	sub := s.openSubscriber(runCtx)
	go s.loop(runCtx, sub)
	return nil
}

// Refresh fetches the endpoint's snapshot and merges it. The fetch runs on
// the caller's goroutine; only the merge is handed to the loop. A result that
// arrives after Discard is dropped and ErrSessionDiscarded is returned.
func (s *Session) Refresh(ctx context.Context) (added int, err error) {
	if s.discarded.Load() {
		return 0, ErrSessionDiscarded
	}
	if !s.isStarted() {
		return 0, fmt.Errorf("session not started")
	}
	events, err := s.client.ListRequests(ctx, s.handle.ID)
	if err != nil {
		return 0, err
	}
	return s.ingestSnapshot(ctx, events)
}

// Current returns the merged history, newest first.
func (s *Session) Current() []RequestEvent {
	return s.reconciler.Current()
}

func (s *Session) State() ChannelState {
	return ChannelState(s.state.Load())
}

// StateChanges carries the newest channel state not yet read. Intermediate
// states may be skipped; delivery never waits on the listener.
func (s *Session) StateChanges() <-chan ChannelState {
	return s.states
}

// Changes is signalled, coalesced, whenever the merged history grows.
func (s *Session) Changes() <-chan struct{} {
	return s.changes
}

// LastError returns the most recent channel error, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Done is closed when the processing loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Discard closes the live channel and stops the loop. Snapshot fetches still
// in flight complete but their results are not merged.
func (s *Session) Discard() {
	if !s.discarded.CompareAndSwap(false, true) {
		if s.isStarted() {
			<-s.done
		}
		return
	}
	s.mu.Lock()
	sub := s.sub
	cancel := s.cancel
	started := s.started
	s.mu.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			s.logf("close channel for %s: %v", s.handle.ID, err)
		}
	}
	if cancel != nil {
		cancel()
	}
	if started {
		<-s.done
	}
	s.refetchWG.Wait()
	s.setState(StateClosed)
}

func (s *Session) loop(ctx context.Context, sub *Subscriber) {
	defer close(s.done)
	updates := sub.Updates()
	var timer *time.Timer
	var reconnect <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case op := <-s.ops:
			op()
		case update, ok := <-updates:
			if !ok {
				updates = nil
				if s.discarded.Load() {
					return
				}
				delay, retry := s.nextReconnectDelay()
				if !retry {
					continue
				}
				s.logf("reconnecting %s in %s (attempt %d)", s.handle.ID, delay, s.attempts)
				timer = time.NewTimer(delay)
				reconnect = timer.C
				continue
			}
			s.apply(ctx, update)
		case <-reconnect:
			reconnect = nil
			if s.discarded.Load() {
				return
			}
			s.replacement = true
			sub = s.openSubscriber(ctx)
			updates = sub.Updates()
		}
	}
}

func (s *Session) apply(ctx context.Context, update Update) {
	switch update.Kind {
	case UpdateOpened:
		s.attempts = 0
		// A replacement channel refetches even if no earlier channel opened.
		replacement := s.replacement
		s.replacement = false
		s.setState(StateOpen)
		if replacement && s.opts.Reconnect.RefetchOnReconnect {
			s.refetchWG.Add(1)
			go s.refetch(ctx)
		}
	case UpdateEvent:
		inserted, err := s.reconciler.IngestLive(update.Event)
		if err != nil {
			s.logf("dropping live event for %s: %v", s.handle.ID, err)
			return
		}
		if inserted {
			s.notifyChange()
		}
	case UpdateDecodeFailed:
		s.logf("malformed frame for %s: %v", s.handle.ID, update.Err)
	case UpdateErrored:
		s.mu.Lock()
		s.lastErr = update.Err
		s.mu.Unlock()
		s.setState(StateFailed)
	case UpdateClosed:
		s.setState(StateClosed)
	}
}

func (s *Session) refetch(ctx context.Context) {
	defer s.refetchWG.Done()
	added, err := s.Refresh(ctx)
	if err != nil {
		s.logf("snapshot refetch after reconnect for %s failed: %v", s.handle.ID, err)
		return
	}
	s.logf("snapshot refetch after reconnect for %s merged %d requests", s.handle.ID, added)
}

func (s *Session) ingestSnapshot(ctx context.Context, events []RequestEvent) (int, error) {
	type result struct {
		added int
		err   error
	}
	results := make(chan result, 1)
	op := func() {
		if s.discarded.Load() {
			results <- result{err: ErrSessionDiscarded}
			return
		}
		added, err := s.reconciler.IngestSnapshot(events)
		if added > 0 {
			s.notifyChange()
		}
		results <- result{added: added, err: err}
	}
	select {
	case s.ops <- op:
	case <-s.done:
		return 0, ErrSessionDiscarded
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	res := <-results
	return res.added, res.err
}

func (s *Session) openSubscriber(ctx context.Context) *Subscriber {
	channelURL, err := s.client.ChannelURL(s.handle.ID)
	if err != nil {
		s.logf("channel url for %s: %v", s.handle.ID, err)
	}
	sub := NewSubscriber(channelURL, s.opts.Subscriber)
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	s.setState(StateConnecting)
	_ = sub.Start(ctx)
	return sub
}

func (s *Session) nextReconnectDelay() (time.Duration, bool) {
	policy := s.opts.Reconnect
	if !policy.Enabled {
		return 0, false
	}
	if policy.MaxAttempts > 0 && s.attempts >= policy.MaxAttempts {
		s.logf("giving up on channel for %s after %d attempts", s.handle.ID, s.attempts)
		return 0, false
	}
	s.attempts++
	return backoffDelay(policy.BaseDelay, policy.MaxDelay, s.attempts), true
}

func (s *Session) setState(next ChannelState) {
	s.state.Store(int32(next))
	publishLatest(s.states, next)
}

func (s *Session) notifyChange() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Session) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Session) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
