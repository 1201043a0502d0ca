package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chartgame/game-engine/internal/model"
)

func seedSession(t *testing.T, ms *MemoryStore, id, userID string) *model.Session {
	t.Helper()
	sess := &model.Session{
		ID:           id,
		UserID:       userID,
		Symbol:       "ACME",
		StartIndex:   120,
		StartCash:    decimal.NewFromInt(10_000_000),
		FeeBps:       5,
		MaxTurns:     50,
		SliceStartTs: 1420070400,
		CreatedAt:    time.Now().UTC(),
	}
	out, created, err := ms.CreateSession(context.Background(), sess, true)
	if err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}
	if !created {
		t.Fatalf("forced create should always insert")
	}
	return out
}

func TestCreateSession_ReusesOpenSession(t *testing.T) {
	ms := NewMemoryStore()
	first := seedSession(t, ms, "game-1", "user1")

	second := *first
	second.ID = "game-2"
	out, created, err := ms.CreateSession(context.Background(), &second, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created {
		t.Error("expected reuse of the open session")
	}
	if out.ID != "game-1" {
		t.Errorf("expected existing session game-1, got %s", out.ID)
	}

	// force inserts even with one open.
	third := *first
	third.ID = "game-3"
	out, created, err = ms.CreateSession(context.Background(), &third, true)
	if err != nil {
		t.Fatalf("create forced: %v", err)
	}
	if !created || out.ID != "game-3" {
		t.Errorf("forced create should insert a new session, got created=%v id=%s", created, out.ID)
	}

	// the superseded session stays queryable and open.
	old, err := ms.GetSession(context.Background(), "game-1")
	if err != nil {
		t.Fatalf("get superseded: %v", err)
	}
	if old.Status() != model.StatusInProgress {
		t.Errorf("superseded session must remain IN_PROGRESS, got %s", old.Status())
	}
}

func TestUpsertSnapshot_SameTsOverwrites(t *testing.T) {
	ms := NewMemoryStore()
	seedSession(t, ms, "game-1", "user1")
	ctx := context.Background()

	first := &model.Snapshot{
		SessionID: "game-1", Ts: 1000,
		Cash: decimal.NewFromInt(500), Turn: 1,
	}
	if err := ms.UpsertSnapshot(ctx, first); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	second := &model.Snapshot{
		SessionID: "game-1", Ts: 1000,
		Cash: decimal.NewFromInt(750), Turn: 1,
	}
	if err := ms.UpsertSnapshot(ctx, second); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := ms.LatestSnapshot(ctx, "game-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !got.Cash.Equal(decimal.NewFromInt(750)) {
		t.Errorf("replayed ts must overwrite: cash=%s", got.Cash)
	}
}

func TestLatestSnapshot_MaxByTsNotArrival(t *testing.T) {
	ms := NewMemoryStore()
	seedSession(t, ms, "game-1", "user1")
	ctx := context.Background()

	// The later-ts snapshot arrives first; a stale earlier-ts write after
	// it must not become the resume point.
	later := &model.Snapshot{SessionID: "game-1", Ts: 2000, Turn: 2}
	earlier := &model.Snapshot{SessionID: "game-1", Ts: 1000, Turn: 1}
	if err := ms.UpsertSnapshot(ctx, later); err != nil {
		t.Fatalf("upsert later: %v", err)
	}
	if err := ms.UpsertSnapshot(ctx, earlier); err != nil {
		t.Fatalf("upsert earlier: %v", err)
	}

	got, err := ms.LatestSnapshot(ctx, "game-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.Ts != 2000 {
		t.Errorf("expected resume point ts=2000, got %d", got.Ts)
	}
}

func TestFinishSession_Idempotent(t *testing.T) {
	ms := NewMemoryStore()
	seedSession(t, ms, "game-1", "user1")
	ctx := context.Background()

	st := Settlement{
		SessionID:    "game-1",
		EndIndex:     140,
		ReturnPct:    decimal.NewFromFloat(12.5),
		FinalCapital: decimal.NewFromInt(11_250_000),
		Score: model.Score{
			ID: "score-1", UserID: "user1", Symbol: "ACME",
			Total:     decimal.NewFromInt(11_250_000),
			ReturnPct: decimal.NewFromFloat(12.5),
			GameID:    "game-1",
		},
	}

	out, err := ms.FinishSession(ctx, st)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if out.AlreadyFinished {
		t.Error("first finish must not report alreadyFinished")
	}

	sess, _ := ms.GetSession(ctx, "game-1")
	firstFinishedAt := sess.FinishedAt

	// Retry with a different score id and capital.
	retry := st
	retry.Score.ID = "score-2"
	retry.FinalCapital = decimal.NewFromInt(11_111_111)
	out, err = ms.FinishSession(ctx, retry)
	if err != nil {
		t.Fatalf("finish retry: %v", err)
	}
	if !out.AlreadyFinished {
		t.Error("retry must report alreadyFinished")
	}

	scores, _ := ms.TopScores(ctx, 10)
	if len(scores) != 1 {
		t.Fatalf("expected exactly one score, got %d", len(scores))
	}
	if scores[0].ID != "score-1" {
		t.Errorf("retry must not replace the score, got %s", scores[0].ID)
	}

	sess, _ = ms.GetSession(ctx, "game-1")
	if sess.FinishedAt == nil || !sess.FinishedAt.Equal(*firstFinishedAt) {
		t.Error("retry must not touch finishedAt")
	}
	if *sess.EndIndex != 140 {
		t.Errorf("retry must not touch endIndex, got %d", *sess.EndIndex)
	}

	// Capital re-sync is the one benign side effect of a retry.
	capital, err := ms.GetCapital(ctx, "user1")
	if err != nil {
		t.Fatalf("capital: %v", err)
	}
	if !capital.Equal(decimal.NewFromInt(11_111_111)) {
		t.Errorf("retry should re-apply capital, got %s", capital)
	}
}

func TestFinishSession_UnknownSession(t *testing.T) {
	ms := NewMemoryStore()
	_, err := ms.FinishSession(context.Background(), Settlement{SessionID: "nope"})
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
