package preference

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrConflict is returned by Create when the target user already has an
// active preference record.
var ErrConflict = errors.New("active preference already exists")

// ErrNotFound is returned by Read when no active record exists. A soft-deleted
// record and a never-created one are indistinguishable to callers.
var ErrNotFound = errors.New("preference not found")

// Record is the persisted preference entity. ID is store-assigned and
// immutable; CreatedBy/CreatedOn are set once at creation and never change.
type Record struct {
	ID                int64
	UserID            uuid.UUID
	PreferredLanguage string
	Deleted           bool
	CreatedBy         uuid.UUID
	CreatedOn         time.Time
	EditedBy          uuid.UUID
	EditedOn          time.Time
}

// Store is the persistence contract the lifecycle logic depends on. Find
// returns nil without error when no matching record exists. Implementations
// do not enforce the one-active-record-per-user invariant; Create does,
// backed by the store's unique index on active rows.
type Store interface {
	Find(ctx context.Context, userID uuid.UUID, includeDeleted bool) (*Record, error)
	Insert(ctx context.Context, rec *Record) error
	Update(ctx context.Context, rec *Record) error
}

// New builds an active record for targetUserID. The creating actor is also
// the first editor and createdOn equals editedOn.
func New(targetUserID uuid.UUID, language string, actorID uuid.UUID, now time.Time) *Record {
	now = now.UTC()
	return &Record{
		UserID:            targetUserID,
		PreferredLanguage: language,
		Deleted:           false,
		CreatedBy:         actorID,
		CreatedOn:         now,
		EditedBy:          actorID,
		EditedOn:          now,
	}
}

// Create looks up the active record for targetUserID and inserts a fresh one
// when absent. An existing active record, or a unique violation raised by a
// concurrent create, yields ErrConflict. The caller owns the transaction and
// commits after Create returns.
func Create(ctx context.Context, s Store, targetUserID uuid.UUID, language string, actorID uuid.UUID, now time.Time) (*Record, error) {
	existing, err := s.Find(ctx, targetUserID, false)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrConflict
	}
	rec := New(targetUserID, language, actorID, now)
	if err := s.Insert(ctx, rec); err != nil {
		if IsUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return rec, nil
}

// Read returns the active record for userID or ErrNotFound.
func Read(ctx context.Context, s Store, userID uuid.UUID) (*Record, error) {
	rec, err := s.Find(ctx, userID, false)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

// ApplyUpdate mutates language and the edit pair only. Existence has already
// been resolved by the caller; rec must be an active record.
func ApplyUpdate(rec *Record, language string, actorID uuid.UUID, now time.Time) {
	rec.PreferredLanguage = language
	rec.EditedBy = actorID
	rec.EditedOn = now.UTC()
}

// ApplySoftDelete marks rec logically absent. The record stays stored; there
// is no un-delete.
func ApplySoftDelete(rec *Record, actorID uuid.UUID, now time.Time) {
	rec.Deleted = true
	rec.EditedBy = actorID
	rec.EditedOn = now.UTC()
}

// Projection is the API-facing shape of a record.
type Projection struct {
	UserID   uuid.UUID `json:"userId"`
	Language string    `json:"language"`
}

// Project maps a record to its API projection. Nil in, nil out.
func Project(rec *Record) *Projection {
	if rec == nil {
		return nil
	}
	return &Projection{
		UserID:   rec.UserID,
		Language: rec.PreferredLanguage,
	}
}
