// Package governor enforces per-user execution policy: fixed-window rate
// limiting and an append-only audit trail. Policy only — sandboxing mechanics
// live in the engine, and the two compose at the call site.
package governor

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultWindow and DefaultMaxPerWindow: 30 executions per user per
	// 60-second fixed window. The window resets fully when its 60s elapse;
	// it does not slide.
	DefaultWindow       = time.Minute
	DefaultMaxPerWindow = 30

	maxAuditCodeLen  = 1000
	maxAuditErrorLen = 500
)

// Decision is the outcome of a quota check. RetryAfterSeconds is set only on
// denial.
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
}

// ExecutionLogEntry is one audit record, written once per execution and never
// mutated afterward.
type ExecutionLogEntry struct {
	UserID       string
	Kind         string
	Code         string // truncated to 1000 chars
	Success      bool
	ErrorMessage string // truncated to 500 chars
	Duration     time.Duration
	CreatedAt    time.Time
}

// AuditSink persists audit records. Implementations must not block the
// request path.
type AuditSink interface {
	Record(entry ExecutionLogEntry)
}

type rateEntry struct {
	count       int
	windowStart time.Time
	lastSeen    time.Time
}

// Governor owns the per-user counters. Counters are the only state shared
// across concurrent executions, guarded by a single mutex; increments are
// tiny.
type Governor struct {
	mu           sync.Mutex
	entries      map[string]*rateEntry
	window       time.Duration
	maxPerWindow int
	sink         AuditSink
	now          func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a governor. A nil sink disables audit persistence (records are
// still logged).
func New(window time.Duration, maxPerWindow int, sink AuditSink) *Governor {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxPerWindow < 1 {
		maxPerWindow = DefaultMaxPerWindow
	}
	return &Governor{
		entries:      make(map[string]*rateEntry),
		window:       window,
		maxPerWindow: maxPerWindow,
		sink:         sink,
		now:          time.Now,
		stop:         make(chan struct{}),
	}
}

// Start launches the periodic sweep of stale rate-limit entries, bounding
// memory for a long-running process.
func (g *Governor) Start() {
	go func() {
		ticker := time.NewTicker(g.window)
		defer ticker.Stop()
		for {
			select {
			case <-g.stop:
				return
			case <-ticker.C:
				g.sweep()
			}
		}
	}()
}

// Stop halts the sweep goroutine. Safe to call more than once.
func (g *Governor) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
}

// CheckQuota consumes one execution slot for the user if available. On denial
// the decision carries the seconds remaining until the current window resets.
func (g *Governor) CheckQuota(userID string) Decision {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[userID]
	if !ok || now.Sub(e.windowStart) >= g.window {
		g.entries[userID] = &rateEntry{count: 1, windowStart: now, lastSeen: now}
		return Decision{Allowed: true}
	}

	e.lastSeen = now
	if e.count >= g.maxPerWindow {
		remaining := g.window - now.Sub(e.windowStart)
		retry := int(math.Ceil(remaining.Seconds()))
		if retry < 1 {
			retry = 1
		}
		return Decision{Allowed: false, RetryAfterSeconds: retry}
	}

	e.count++
	return Decision{Allowed: true}
}

// Record writes the audit entry for one execution. Always attempted, success
// or failure; a persistence problem must never fail the user-facing request,
// so the sink is fire-and-forget.
func (g *Governor) Record(entry ExecutionLogEntry) {
	entry.Code = truncate(entry.Code, maxAuditCodeLen)
	entry.ErrorMessage = truncate(entry.ErrorMessage, maxAuditErrorLen)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = g.now()
	}

	log.Info().
		Str("user_id", entry.UserID).
		Str("kind", entry.Kind).
		Bool("success", entry.Success).
		Dur("duration", entry.Duration).
		Msg("execution audited")

	if g.sink != nil {
		g.sink.Record(entry)
	}
}

// sweep drops entries untouched for twice the window length.
func (g *Governor) sweep() {
	cutoff := g.now().Add(-2 * g.window)

	g.mu.Lock()
	defer g.mu.Unlock()
	for userID, e := range g.entries {
		if e.lastSeen.Before(cutoff) && e.windowStart.Before(cutoff) {
			delete(g.entries, userID)
		}
	}
}

// EntryCount reports how many users currently have rate-limit state.
func (g *Governor) EntryCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
