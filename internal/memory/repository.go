package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tymektm/asystent-server/pkg/models"
)

// Repository is the durable persistence boundary for turns and facts. Every
// method takes a user_id and must filter on it; this predicate is the sole
// authorization check guarding cross-user leakage.
type Repository interface {
	AppendTurn(ctx context.Context, t *models.ConversationTurn) error
	NextSeq(ctx context.Context, userID string) (int64, error)
	TurnsSince(ctx context.Context, userID string, since time.Time, limit int) ([]*models.ConversationTurn, error)
	TurnsForSession(ctx context.Context, userID, sessionID string, limit int) ([]*models.ConversationTurn, error)
	InsertFact(ctx context.Context, f *models.Fact) error
	FactsForUser(ctx context.Context, userID string) ([]*models.Fact, error)
}

// SQLRepository is the SQLite-backed Repository implementation.
type SQLRepository struct {
	db *sql.DB
}

// NewSQLRepository wraps an already-migrated database handle.
func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

func (r *SQLRepository) AppendTurn(ctx context.Context, t *models.ConversationTurn) error {
	var toolRef []byte
	if t.ToolCallRef != nil {
		var err error
		toolRef, err = json.Marshal(t.ToolCallRef)
		if err != nil {
			return fmt.Errorf("marshal tool call ref: %w", err)
		}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO turns (turn_id, user_id, session_id, seq, role, content, tool_call_ref, token_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, t.TurnID, t.UserID, t.SessionID, t.Seq, string(t.Role), t.Content, nullBytes(toolRef), t.TokenCount, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (r *SQLRepository) NextSeq(ctx context.Context, userID string) (int64, error) {
	var maxSeq sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM turns WHERE user_id = $1`, userID).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return maxSeq.Int64 + 1, nil
}

func (r *SQLRepository) TurnsSince(ctx context.Context, userID string, since time.Time, limit int) ([]*models.ConversationTurn, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT turn_id, user_id, session_id, seq, role, content, tool_call_ref, token_count, created_at
		FROM turns WHERE user_id = $1 AND created_at >= $2 ORDER BY seq ASC LIMIT $3
	`, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("turns since: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

func (r *SQLRepository) TurnsForSession(ctx context.Context, userID, sessionID string, limit int) ([]*models.ConversationTurn, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT turn_id, user_id, session_id, seq, role, content, tool_call_ref, token_count, created_at
		FROM turns WHERE user_id = $1 AND session_id = $2 ORDER BY seq DESC LIMIT $3
	`, userID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("turns for session: %w", err)
	}
	defer rows.Close()
	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	reverse(turns)
	return turns, nil
}

func (r *SQLRepository) InsertFact(ctx context.Context, f *models.Fact) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO facts (id, user_id, source_turn_id, text, importance, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, f.ID, f.UserID, nullString(f.SourceTurnID), f.Text, f.Importance, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert fact: %w", err)
	}
	return nil
}

func (r *SQLRepository) FactsForUser(ctx context.Context, userID string) ([]*models.Fact, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, source_turn_id, text, importance, created_at
		FROM facts WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("facts for user: %w", err)
	}
	defer rows.Close()

	var out []*models.Fact
	for rows.Next() {
		var f models.Fact
		var sourceTurn sql.NullString
		if err := rows.Scan(&f.ID, &f.UserID, &sourceTurn, &f.Text, &f.Importance, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.SourceTurnID = sourceTurn.String
		out = append(out, &f)
	}
	return out, rows.Err()
}

func scanTurns(rows *sql.Rows) ([]*models.ConversationTurn, error) {
	var out []*models.ConversationTurn
	for rows.Next() {
		var t models.ConversationTurn
		var role string
		var toolRef sql.NullString
		if err := rows.Scan(&t.TurnID, &t.UserID, &t.SessionID, &t.Seq, &role, &t.Content, &toolRef, &t.TokenCount, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Role = models.Role(role)
		if toolRef.Valid {
			var ref models.ToolCallRef
			if err := json.Unmarshal([]byte(toolRef.String), &ref); err == nil {
				t.ToolCallRef = &ref
			}
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func reverse(turns []*models.ConversationTurn) {
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
