// Package memory implements the Tiered Memory Store component: short-term
// (in-process, time/token bounded), mid-term (per-day rolling window), and
// long-term (durable facts) partitions of per-user conversational state.
// It is grounded on the reference gateway's memory.Manager (pluggable
// backend) and its per-session locking idiom, generalized here to a
// per-user mutation lock as the spec requires.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tymektm/asystent-server/internal/apperrors"
	"github.com/tymektm/asystent-server/pkg/models"
)

// Tier identifies one of the three memory partitions for Reset.
type Tier string

const (
	TierShort Tier = "short"
	TierMid   Tier = "mid"
	TierLong  Tier = "long"
)

// Config configures Manager's tier parameters.
type Config struct {
	ShortTermWindow time.Duration
	ShortTermTokens int
	LongTermTopK    int
	MidnightTZ      string
	TokenEncoding   string
	Logger          *slog.Logger
}

// Manager implements append_turn, load_context, add_fact, search_facts, and
// reset over the three tiers.
type Manager struct {
	repo    Repository
	counter *Counter
	logger  *slog.Logger

	cfg Config

	userLocksMu sync.Mutex
	userLocks   map[string]*refCountedMutex

	shortMu   sync.Mutex
	shortTail map[string][]*models.ConversationTurn // in-process only, per user_id

	midMu  sync.Mutex
	midDay map[string]time.Time // last-reset day marker per user_id, for lazy midnight reset
}

type refCountedMutex struct {
	mu  sync.Mutex
	ref int
}

// NewManager constructs a Manager over the durable repository.
func NewManager(repo Repository, cfg Config) *Manager {
	if cfg.ShortTermWindow <= 0 {
		cfg.ShortTermWindow = 20 * time.Minute
	}
	if cfg.ShortTermTokens <= 0 {
		cfg.ShortTermTokens = 4000
	}
	if cfg.LongTermTopK <= 0 {
		cfg.LongTermTopK = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		repo:      repo,
		counter:   NewCounter(cfg.TokenEncoding),
		logger:    cfg.Logger,
		cfg:       cfg,
		userLocks: make(map[string]*refCountedMutex),
		shortTail: make(map[string][]*models.ConversationTurn),
		midDay:    make(map[string]time.Time),
	}
}

// lockUser serializes all mutations of one user's memory; reads that need a
// consistent snapshot also take this lock (see LoadContext).
func (m *Manager) lockUser(userID string) func() {
	m.userLocksMu.Lock()
	entry, ok := m.userLocks[userID]
	if !ok {
		entry = &refCountedMutex{}
		m.userLocks[userID] = entry
	}
	entry.ref++
	m.userLocksMu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		m.userLocksMu.Lock()
		entry.ref--
		if entry.ref == 0 {
			delete(m.userLocks, userID)
		}
		m.userLocksMu.Unlock()
	}
}

// AppendTurn persists one turn and updates the in-process short-term tail.
// Storage write failures are surfaced to the caller (the orchestrator),
// which may still return the assistant reply but must log
// MemoryWriteFailure and mark the turn for retry.
func (m *Manager) AppendTurn(ctx context.Context, t *models.ConversationTurn) error {
	unlock := m.lockUser(t.UserID)
	defer unlock()

	if t.TurnID == "" {
		t.TurnID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.TokenCount == 0 {
		t.TokenCount = m.counter.Count(t.Content)
	}
	seq, err := m.repo.NextSeq(ctx, t.UserID)
	if err != nil {
		m.logger.Error("memory write failure", "kind", "MemoryWriteFailure", "user_id", t.UserID, "error", err)
		return fmt.Errorf("%w: %v", apperrors.ErrMemoryWriteFailure, err)
	}
	t.Seq = seq

	if err := m.repo.AppendTurn(ctx, t); err != nil {
		m.logger.Error("memory write failure", "kind", "MemoryWriteFailure", "user_id", t.UserID, "error", err)
		return fmt.Errorf("%w: %v", apperrors.ErrMemoryWriteFailure, err)
	}

	m.shortMu.Lock()
	tail := append(m.shortTail[t.UserID], t)
	m.shortTail[t.UserID] = m.trimShortTail(tail)
	m.shortMu.Unlock()
	return nil
}

func (m *Manager) trimShortTail(tail []*models.ConversationTurn) []*models.ConversationTurn {
	cutoff := time.Now().Add(-m.cfg.ShortTermWindow)
	start := 0
	for start < len(tail) && tail[start].CreatedAt.Before(cutoff) {
		start++
	}
	tail = tail[start:]

	budget := m.cfg.ShortTermTokens
	used := 0
	keepFrom := len(tail)
	for i := len(tail) - 1; i >= 0; i-- {
		used += tail[i].TokenCount
		if used > budget {
			break
		}
		keepFrom = i
	}
	return tail[keepFrom:]
}

// shortTermTail returns the in-process tail for a user, rebuilding it from
// durable storage lazily if the process just started or the cache is empty.
func (m *Manager) shortTermTail(ctx context.Context, userID string) []*models.ConversationTurn {
	m.shortMu.Lock()
	tail, ok := m.shortTail[userID]
	m.shortMu.Unlock()
	if ok && len(tail) > 0 {
		return tail
	}

	since := time.Now().Add(-m.cfg.ShortTermWindow)
	rebuilt, err := m.repo.TurnsSince(ctx, userID, since, 200)
	if err != nil {
		m.logger.Error("memory read failure", "kind", "MemoryReadFailure", "user_id", userID, "error", err)
		return nil
	}
	rebuilt = m.trimShortTail(rebuilt)

	m.shortMu.Lock()
	m.shortTail[userID] = rebuilt
	m.shortMu.Unlock()
	return rebuilt
}

// midTermTurns returns today's turns for a user (the mid-term window),
// resetting the tier lazily at local midnight per cfg.MidnightTZ.
func (m *Manager) midTermTurns(ctx context.Context, userID string) []*models.ConversationTurn {
	loc := time.Local
	if m.cfg.MidnightTZ != "" && m.cfg.MidnightTZ != "Local" {
		if l, err := time.LoadLocation(m.cfg.MidnightTZ); err == nil {
			loc = l
		}
	}
	now := time.Now().In(loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	m.midMu.Lock()
	lastReset, seen := m.midDay[userID]
	if !seen || lastReset.Before(dayStart) {
		m.midDay[userID] = dayStart
	}
	m.midMu.Unlock()

	turns, err := m.repo.TurnsSince(ctx, userID, dayStart, 2000)
	if err != nil {
		m.logger.Error("memory read failure", "kind", "MemoryReadFailure", "user_id", userID, "error", err)
		return nil
	}
	return turns
}

// AddFact inserts a long-term durable fact for a user.
func (m *Manager) AddFact(ctx context.Context, userID, sourceTurnID, text string, importance float64) error {
	unlock := m.lockUser(userID)
	defer unlock()

	fact := &models.Fact{
		ID:           uuid.NewString(),
		UserID:       userID,
		SourceTurnID: sourceTurnID,
		Text:         text,
		Importance:   importance,
		CreatedAt:    time.Now(),
	}
	if err := m.repo.InsertFact(ctx, fact); err != nil {
		m.logger.Error("memory write failure", "kind", "MemoryWriteFailure", "user_id", userID, "error", err)
		return fmt.Errorf("%w: %v", apperrors.ErrMemoryWriteFailure, err)
	}
	return nil
}

// SearchFacts returns up to k facts for userID matching query. It ranks by
// the number of query keywords each fact contains as a substring, then by
// importance; there is no embedding-based ranking.
func (m *Manager) SearchFacts(ctx context.Context, userID, query string, k int) ([]*models.Fact, error) {
	facts, err := m.repo.FactsForUser(ctx, userID)
	if err != nil {
		m.logger.Error("memory read failure", "kind", "MemoryReadFailure", "user_id", userID, "error", err)
		return nil, nil
	}
	return rankBySubstring(facts, query, k), nil
}

func rankBySubstring(facts []*models.Fact, query string, k int) []*models.Fact {
	keywords := strings.Fields(strings.ToLower(query))
	type scored struct {
		fact  *models.Fact
		score int
	}
	var matches []scored
	for _, f := range facts {
		lower := strings.ToLower(f.Text)
		score := 0
		for _, kw := range keywords {
			if kw != "" && strings.Contains(lower, kw) {
				score++
			}
		}
		if score > 0 {
			matches = append(matches, scored{f, score})
		}
	}
	// stable selection sort by score desc, then importance desc; small k so
	// a linear pass beats pulling in a sort dependency for this.
	out := make([]*models.Fact, 0, k)
	used := make([]bool, len(matches))
	for len(out) < k {
		best := -1
		for i, sm := range matches {
			if used[i] {
				continue
			}
			if best == -1 || sm.score > matches[best].score ||
				(sm.score == matches[best].score && sm.fact.Importance > matches[best].fact.Importance) {
				best = i
			}
		}
		if best == -1 {
			break
		}
		used[best] = true
		out = append(out, matches[best].fact)
	}
	return out
}

// Context is the composed prompt context for one query: a preamble, the
// long-term facts judged relevant to the query, the contents of today's
// turns that carry a tool-call reference (MidTermFacts), and the short-term
// turn tail (newest last).
type Context struct {
	Preamble      string
	RelevantFacts []*models.Fact
	MidTermFacts  []string
	Turns         []*models.ConversationTurn
}

// LoadContext composes the prompt context for a user's turn: a small system
// preamble, top-k long-term facts relevant to query, MidTermFacts, and the
// short-term tail — filling budgetTokens greedily from the most recent turn
// backward, then inserting long-term facts until the budget is exhausted;
// facts that don't fit are dropped, not truncated. MidTermFacts are not
// counted against budgetTokens. It never
// returns another user's data: every read path here is keyed strictly by
// userID.
func (m *Manager) LoadContext(ctx context.Context, userID, sessionID, query string, budgetTokens int) *Context {
	unlock := m.lockUser(userID)
	defer unlock()

	out := &Context{Preamble: "You are a helpful voice assistant."}
	used := m.counter.Count(out.Preamble)

	shortTail := m.shortTermTail(ctx, userID)
	if len(shortTail) == 0 {
		shortTail = m.midTermTurns(ctx, userID)
	}

	var kept []*models.ConversationTurn
	for i := len(shortTail) - 1; i >= 0; i-- {
		t := shortTail[i]
		if used+t.TokenCount > budgetTokens {
			break
		}
		used += t.TokenCount
		kept = append([]*models.ConversationTurn{t}, kept...)
	}
	out.Turns = kept

	facts, err := m.SearchFacts(ctx, userID, query, m.cfg.LongTermTopK)
	if err != nil {
		facts = nil
	}
	for _, f := range facts {
		cost := m.counter.Count(f.Text)
		if used+cost > budgetTokens {
			continue // facts that don't fit are dropped, not truncated
		}
		used += cost
		out.RelevantFacts = append(out.RelevantFacts, f)
	}

	for _, t := range m.midTermTurns(ctx, userID) {
		if t.ToolCallRef == nil {
			continue
		}
		out.MidTermFacts = append(out.MidTermFacts, t.Content)
	}

	return out
}

// History returns up to limit turns for userID, oldest first, optionally
// restricted to turns created strictly before the given timestamp (a zero
// before means no restriction). It backs the get_user_history REST
// operation and, like every other read path, is keyed strictly by userID.
func (m *Manager) History(ctx context.Context, userID string, limit int, before time.Time) ([]*models.ConversationTurn, error) {
	if limit <= 0 {
		limit = 50
	}
	fetch := limit
	if !before.IsZero() {
		fetch = limit * 4 // over-fetch since some rows will be cut by the before filter
	}
	turns, err := m.repo.TurnsSince(ctx, userID, time.Time{}, fetch)
	if err != nil {
		m.logger.Error("memory read failure", "kind", "MemoryReadFailure", "user_id", userID, "error", err)
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMemoryReadFailure, err)
	}
	if !before.IsZero() {
		filtered := turns[:0]
		for _, t := range turns {
			if t.CreatedAt.Before(before) {
				filtered = append(filtered, t)
			}
		}
		turns = filtered
	}
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

// Reset drops a user's in-process state for the given tier: the cached
// short-term tail for TierShort, the cached day marker for TierMid. Both
// are rebuilt from durable storage on the next read, so turns already
// persisted are still returned afterwards. TierLong is not reset (long-term
// is append-only durable state); the call only logs a warning.
func (m *Manager) Reset(userID string, tier Tier) {
	unlock := m.lockUser(userID)
	defer unlock()

	switch tier {
	case TierShort:
		m.shortMu.Lock()
		delete(m.shortTail, userID)
		m.shortMu.Unlock()
	case TierMid:
		m.midMu.Lock()
		delete(m.midDay, userID)
		m.midMu.Unlock()
	case TierLong:
		m.logger.Warn("refusing to reset long-term memory; it is durable and append-only", "user_id", userID)
	}
}
