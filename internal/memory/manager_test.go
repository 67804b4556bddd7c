package memory

import (
	"context"
	"testing"
	"time"

	"github.com/tymektm/asystent-server/pkg/models"
)

// fakeRepo is an in-memory Repository for exercising Manager without SQLite.
type fakeRepo struct {
	turns []*models.ConversationTurn
	facts []*models.Fact
}

func newFakeRepo() *fakeRepo { return &fakeRepo{} }

func (r *fakeRepo) AppendTurn(ctx context.Context, t *models.ConversationTurn) error {
	cp := *t
	r.turns = append(r.turns, &cp)
	return nil
}
func (r *fakeRepo) NextSeq(ctx context.Context, userID string) (int64, error) {
	var max int64
	for _, t := range r.turns {
		if t.UserID == userID && t.Seq > max {
			max = t.Seq
		}
	}
	return max + 1, nil
}
func (r *fakeRepo) TurnsSince(ctx context.Context, userID string, since time.Time, limit int) ([]*models.ConversationTurn, error) {
	var out []*models.ConversationTurn
	for _, t := range r.turns {
		if t.UserID == userID && !t.CreatedAt.Before(since) {
			cp := *t
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
func (r *fakeRepo) TurnsForSession(ctx context.Context, userID, sessionID string, limit int) ([]*models.ConversationTurn, error) {
	var out []*models.ConversationTurn
	for _, t := range r.turns {
		if t.UserID == userID && t.SessionID == sessionID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}
func (r *fakeRepo) InsertFact(ctx context.Context, f *models.Fact) error {
	cp := *f
	r.facts = append(r.facts, &cp)
	return nil
}
func (r *fakeRepo) FactsForUser(ctx context.Context, userID string) ([]*models.Fact, error) {
	var out []*models.Fact
	for _, f := range r.facts {
		if f.UserID == userID {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func TestAppendTurnAndLoadContextIsolatesUsers(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	mgr := NewManager(repo, Config{})

	if err := mgr.AppendTurn(ctx, &models.ConversationTurn{UserID: "u1", SessionID: "s1", Role: models.RoleUser, Content: "hello from u1"}); err != nil {
		t.Fatalf("AppendTurn u1: %v", err)
	}
	if err := mgr.AppendTurn(ctx, &models.ConversationTurn{UserID: "u2", SessionID: "s2", Role: models.RoleUser, Content: "hello from u2"}); err != nil {
		t.Fatalf("AppendTurn u2: %v", err)
	}

	ctxU1 := mgr.LoadContext(ctx, "u1", "s1", "hello", 4000)
	for _, turn := range ctxU1.Turns {
		if turn.UserID != "u1" {
			t.Fatalf("cross-user leak: found turn for %s in u1's context", turn.UserID)
		}
	}
}

func TestLoadContextRecallsFacts(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	mgr := NewManager(repo, Config{})

	if err := mgr.AddFact(ctx, "u1", "", "Nazywam się Marcin i jestem programistą", 0.8); err != nil {
		t.Fatalf("AddFact: %v", err)
	}
	if err := mgr.AddFact(ctx, "u1", "", "Mieszkam w Warszawie i programuję w Pythonie", 0.8); err != nil {
		t.Fatalf("AddFact: %v", err)
	}

	got := mgr.LoadContext(ctx, "u1", "s1", "Podsumuj co o mnie wiesz Marcin Warszawa Python", 4000)
	if len(got.RelevantFacts) == 0 {
		t.Fatal("expected relevant facts to be recalled")
	}

	joined := ""
	for _, f := range got.RelevantFacts {
		joined += f.Text + " "
	}
	for _, want := range []string{"Marcin", "Warszaw", "Python"} {
		if !contains(joined, want) {
			t.Errorf("expected recalled facts to mention %q, got %q", want, joined)
		}
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func TestShortTermTrimRespectsTokenBudget(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	mgr := NewManager(repo, Config{ShortTermTokens: 5})

	for i := 0; i < 10; i++ {
		if err := mgr.AppendTurn(ctx, &models.ConversationTurn{
			UserID: "u1", SessionID: "s1", Role: models.RoleUser,
			Content: "x", TokenCount: 2,
		}); err != nil {
			t.Fatalf("AppendTurn %d: %v", i, err)
		}
	}

	tail := mgr.shortTermTail(ctx, "u1")
	total := 0
	for _, t := range tail {
		total += t.TokenCount
	}
	if total > 5 {
		t.Fatalf("short-term tail exceeded token budget: %d tokens", total)
	}
}
