package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Writer appends one row per preference mutation. With Redact enabled the
// acting subject is stored as a salted hash instead of the raw identifier.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

type Record struct {
	Action       string
	TargetUserID uuid.UUID
	Actor        string
	Language     string
	CreatedAt    time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec.Actor = hashString(rec.Actor, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO preference_audit
		(action, target_user_id, actor, language, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, rec.Action, rec.TargetUserID, rec.Actor, rec.Language, rec.CreatedAt)
	return err
}

// Trail returns the mutation history for one user, oldest first.
func (w *Writer) Trail(ctx context.Context, targetUserID uuid.UUID) ([]Record, error) {
	rows, err := w.DB.Query(ctx, `
		SELECT action, target_user_id, actor, language, created_at
		FROM preference_audit WHERE target_user_id=$1
		ORDER BY created_at ASC, id ASC
	`, targetUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Action, &rec.TargetUserID, &rec.Actor, &rec.Language, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
