// Package store defines the persistence interface for the game engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/chartgame/game-engine/internal/model"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("store: not found")

// Settlement carries one session's finish, applied atomically: mark the
// session finished, insert the Score (at most once per game), and update
// the user's persistent capital. The service pre-clamps EndIndex and
// pre-floors FinalCapital.
type Settlement struct {
	SessionID    string
	EndIndex     int
	ReturnPct    decimal.Decimal
	FinalCapital decimal.Decimal
	Score        model.Score
}

// FinishOutcome reports whether the session had already been settled.
// A retry still syncs capital but must not produce a second Score.
type FinishOutcome struct {
	AlreadyFinished bool
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Sessions ---

	// CreateSession persists a new session. When force is false and the
	// user already has an open session, the existing session is returned
	// with created=false instead of inserting a duplicate. The check and
	// insert happen under one lock to close the duplicate-tab race.
	CreateSession(ctx context.Context, s *model.Session, force bool) (session *model.Session, created bool, err error)

	// GetSession retrieves a session by id.
	GetSession(ctx context.Context, id string) (*model.Session, error)

	// LatestOpenSession returns the user's most recently created session
	// with no finished timestamp.
	LatestOpenSession(ctx context.Context, userID string) (*model.Session, error)

	// SetActiveSession stamps the user's active-session pointer so a
	// client reconnecting without a cached id can discover what to resume.
	SetActiveSession(ctx context.Context, userID, sessionID string) error

	// ActiveSession returns the stamped pointer.
	ActiveSession(ctx context.Context, userID string) (string, error)

	// --- Snapshots ---

	// UpsertSnapshot records a checkpoint, unique per (sessionID, ts).
	// Replaying the same ts overwrites the row rather than duplicating.
	UpsertSnapshot(ctx context.Context, snap *model.Snapshot) error

	// LatestSnapshot returns the snapshot with the highest ts for a
	// session. Max by ts value, never by arrival order.
	LatestSnapshot(ctx context.Context, sessionID string) (*model.Snapshot, error)

	// --- Settlement ---

	// FinishSession applies a Settlement atomically. All steps commit
	// together or not at all.
	FinishSession(ctx context.Context, st Settlement) (*FinishOutcome, error)

	// --- Leaderboard & capital ---

	// TopScores returns up to limit scores ordered by return descending.
	TopScores(ctx context.Context, limit int) ([]model.Score, error)

	// GetCapital returns the user's persistent capital.
	GetCapital(ctx context.Context, userID string) (decimal.Decimal, error)

	// SetCapital upserts the user's persistent capital.
	SetCapital(ctx context.Context, userID string, capital decimal.Decimal) error
}
