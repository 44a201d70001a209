package preference

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type prefDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore persists records in the preferences table. It works over either a
// pgxpool.Pool or a pgx.Tx; request handlers pass a transaction so that all
// saves in one request commit atomically.
type PGStore struct {
	DB prefDB
}

func NewPGStore(db prefDB) *PGStore {
	return &PGStore{DB: db}
}

func (s *PGStore) Find(ctx context.Context, userID uuid.UUID, includeDeleted bool) (*Record, error) {
	query := `
		SELECT id, user_id, preferred_language, deleted, created_by, created_on, edited_by, edited_on
		FROM preferences
		WHERE user_id=$1 AND NOT deleted
	`
	if includeDeleted {
		query = `
			SELECT id, user_id, preferred_language, deleted, created_by, created_on, edited_by, edited_on
			FROM preferences
			WHERE user_id=$1
			ORDER BY id DESC
			LIMIT 1
		`
	}
	var rec Record
	row := s.DB.QueryRow(ctx, query, userID)
	err := row.Scan(&rec.ID, &rec.UserID, &rec.PreferredLanguage, &rec.Deleted, &rec.CreatedBy, &rec.CreatedOn, &rec.EditedBy, &rec.EditedOn)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PGStore) Insert(ctx context.Context, rec *Record) error {
	row := s.DB.QueryRow(ctx, `
		INSERT INTO preferences (user_id, preferred_language, deleted, created_by, created_on, edited_by, edited_on)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id
	`, rec.UserID, rec.PreferredLanguage, rec.Deleted, rec.CreatedBy, rec.CreatedOn, rec.EditedBy, rec.EditedOn)
	return row.Scan(&rec.ID)
}

func (s *PGStore) Update(ctx context.Context, rec *Record) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE preferences
		SET preferred_language=$2, deleted=$3, edited_by=$4, edited_on=$5
		WHERE id=$1
	`, rec.ID, rec.PreferredLanguage, rec.Deleted, rec.EditedBy, rec.EditedOn)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("preference row vanished during update")
	}
	return nil
}

// IsUniqueViolation reports whether err is the postgres unique_violation
// raised by the partial index on active rows. It is how a lost
// check-then-insert race surfaces.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
