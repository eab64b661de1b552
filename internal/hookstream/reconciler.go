package hookstream

import (
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
)

// Reconciler owns the merged, newest-first request history of one endpoint.
//
// Writes (IngestSnapshot, IngestLive) must be serialized by the caller; a
// Session does this by running them on its loop goroutine. Reads are safe
// from any goroutine: every write publishes a fresh slice, so Current never
// observes a half-applied update.
type Reconciler struct {
	history atomic.Pointer[[]RequestEvent]
	ids     map[string]struct{}
}

func NewReconciler() *Reconciler {
	r := &Reconciler{ids: map[string]struct{}{}}
	empty := []RequestEvent{}
	r.history.Store(&empty)
	return r
}

// IngestSnapshot unions events into the history by id and re-sorts by
// timestamp, newest first. Ties keep their previous relative order, with
// already-known events ahead of new snapshot events. Ingesting the same
// snapshot twice leaves the history as the first call did. A snapshot holding
// any event without an id is rejected whole.
func (r *Reconciler) IngestSnapshot(events []RequestEvent) (added int, err error) {
	for i, event := range events {
		if strings.TrimSpace(event.ID) == "" {
			return 0, &DecodeError{Reason: "snapshot event " + strconv.Itoa(i) + " has no id"}
		}
	}
	current := *r.history.Load()
	merged := make([]RequestEvent, 0, len(current)+len(events))
	merged = append(merged, current...)
	seen := make(map[string]struct{}, len(events))
	for _, event := range events {
		if _, ok := r.ids[event.ID]; ok {
			continue
		}
		if _, ok := seen[event.ID]; ok {
			continue
		}
		seen[event.ID] = struct{}{}
		merged = append(merged, event)
	}
	if len(seen) == 0 && isNewestFirst(current) {
		return 0, nil
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})
	for id := range seen {
		r.ids[id] = struct{}{}
	}
	r.history.Store(&merged)
	return len(seen), nil
}

// IngestLive puts event at the front of the history. An event whose id is
// already present is dropped and inserted reports false.
func (r *Reconciler) IngestLive(event RequestEvent) (inserted bool, err error) {
	if strings.TrimSpace(event.ID) == "" {
		return false, &DecodeError{Reason: "live event has no id"}
	}
	if _, ok := r.ids[event.ID]; ok {
		return false, nil
	}
	current := *r.history.Load()
	next := make([]RequestEvent, 0, len(current)+1)
	next = append(next, event)
	next = append(next, current...)
	r.ids[event.ID] = struct{}{}
	r.history.Store(&next)
	return true, nil
}

// Current returns a copy of the history as of the last completed write.
func (r *Reconciler) Current() []RequestEvent {
	current := *r.history.Load()
	out := make([]RequestEvent, len(current))
	copy(out, current)
	return out
}

func (r *Reconciler) Len() int {
	return len(*r.history.Load())
}

func (r *Reconciler) Contains(id string) bool {
	for _, event := range *r.history.Load() {
		if event.ID == id {
			return true
		}
	}
	return false
}

func isNewestFirst(events []RequestEvent) bool {
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.After(events[i-1].Timestamp) {
			return false
		}
	}
	return true
}
