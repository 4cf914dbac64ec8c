// Package hierarchy resolves each span's structural position (depth, parent
// role) from parent links alone, tolerating out-of-order span arrival across
// concurrently executing traces.
package hierarchy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/kakehashi/internal/model"
)

// Parent describes the already-seen parent of a resolved span.
type Parent struct {
	SpanID  string
	Name    string
	CycleID string
	Depth   int
}

// Resolution is the structural view of a span at end time.
type Resolution struct {
	Depth      int
	Parent     *Parent
	Unresolved bool // parent link could not be resolved within the bound
}

// Kind returns the depth-based role hint. It cannot tell LLM from TOOL, so
// anything below the cycle level stays UNKNOWN and the caller falls back to
// its own default.
func (r Resolution) Kind() model.SpanKind {
	if r.Unresolved {
		return model.KindUnknown
	}
	switch r.Depth {
	case 0:
		return model.KindAgent
	case 1:
		return model.KindChain
	default:
		return model.KindUnknown
	}
}

type entry struct {
	parentID   string
	name       string
	cycleID    string
	depth      int
	resolved   bool
	unresolved bool
	ended      bool
}

type traceState struct {
	spans        map[string]*entry
	pending      map[string][]string // parent span id -> span ids waiting on it
	pendingCount int
	open         int
	lastSeen     time.Time
}

// Tracker maintains per-trace span graphs. All methods are safe for
// concurrent use from multiple producers.
type Tracker struct {
	mu     sync.Mutex
	traces map[string]*traceState

	pendingLimit int
	idleTimeout  time.Duration
	logger       *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// New creates a tracker and starts its idle-trace eviction loop. Close must
// be called to stop it.
func New(pendingLimit int, idleTimeout time.Duration, logger *slog.Logger) *Tracker {
	t := &Tracker{
		traces:       make(map[string]*traceState),
		pendingLimit: pendingLimit,
		idleTimeout:  idleTimeout,
		logger:       logger,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go t.janitor()
	return t
}

// OnSpanStart records a span. A span whose parent has not been seen yet is
// buffered as pending and re-resolved when the parent arrives; each trace
// holds at most pendingLimit such spans, beyond which new orphans are marked
// unresolved immediately.
func (t *Tracker) OnSpanStart(traceID, spanID, parentID, name, cycleID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.traces[traceID]
	if ts == nil {
		ts = &traceState{
			spans:   make(map[string]*entry),
			pending: make(map[string][]string),
		}
		t.traces[traceID] = ts
	}
	ts.lastSeen = time.Now()

	e := &entry{parentID: parentID, name: name, cycleID: cycleID}
	ts.spans[spanID] = e
	ts.open++

	switch {
	case parentID == "":
		e.depth = 0
		e.resolved = true
	default:
		if p, ok := ts.spans[parentID]; ok && p.resolved {
			e.depth = p.depth + 1
			e.resolved = true
		} else if ts.pendingCount >= t.pendingLimit {
			e.unresolved = true
			t.logger.Warn("pending-parent limit reached, span left unresolved",
				"trace_id", traceID, "span_id", spanID, "parent_span_id", parentID)
		} else {
			ts.pending[parentID] = append(ts.pending[parentID], spanID)
			ts.pendingCount++
		}
	}

	if e.resolved {
		t.resolveWaiters(ts, spanID)
	}
}

// resolveWaiters walks spans buffered on the newly resolved parent, fixing
// their depth and cascading to their own waiters. Caller holds the lock.
func (t *Tracker) resolveWaiters(ts *traceState, parentID string) {
	waiters := ts.pending[parentID]
	if len(waiters) == 0 {
		return
	}
	delete(ts.pending, parentID)
	p := ts.spans[parentID]
	for _, id := range waiters {
		ts.pendingCount--
		child, ok := ts.spans[id]
		if !ok {
			continue
		}
		child.depth = p.depth + 1
		child.resolved = true
		t.resolveWaiters(ts, id)
	}
}

// OnSpanEnd resolves the span's final structural position and marks it ended.
// The returned bool reports whether the owning trace fully drained and was
// evicted. Entries survive until the whole trace drains because later-ending
// siblings still resolve against them.
func (t *Tracker) OnSpanEnd(traceID, spanID string) (Resolution, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.traces[traceID]
	if ts == nil {
		return Resolution{Unresolved: true}, false
	}
	ts.lastSeen = time.Now()

	e, ok := ts.spans[spanID]
	if !ok {
		return Resolution{Unresolved: true}, false
	}
	if !e.ended {
		e.ended = true
		ts.open--
	}

	res := Resolution{Depth: e.depth, Unresolved: !e.resolved}
	if e.parentID != "" {
		if p, ok := ts.spans[e.parentID]; ok {
			res.Parent = &Parent{
				SpanID:  e.parentID,
				Name:    p.name,
				CycleID: p.cycleID,
				Depth:   p.depth,
			}
		}
	}

	if ts.open <= 0 && ts.pendingCount == 0 {
		delete(t.traces, traceID)
		return res, true
	}
	return res, false
}

// Len reports the number of live traces. Used by tests and diagnostics.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.traces)
}

// Close stops the eviction loop and releases all trace state.
func (t *Tracker) Close() {
	close(t.stop)
	<-t.done
	t.mu.Lock()
	t.traces = make(map[string]*traceState)
	t.mu.Unlock()
}

// janitor evicts traces with no activity for idleTimeout, capping memory for
// traces whose root never closes.
func (t *Tracker) janitor() {
	defer close(t.done)
	interval := t.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case now := <-ticker.C:
			t.evictIdle(now)
		}
	}
}

func (t *Tracker) evictIdle(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for traceID, ts := range t.traces {
		if now.Sub(ts.lastSeen) > t.idleTimeout {
			t.logger.Warn("evicting idle trace",
				"trace_id", traceID, "open_spans", ts.open)
			delete(t.traces, traceID)
		}
	}
}
