package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/chartgame/game-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh or invalidate the
// cache; reads check Redis first then fall back to the primary. The resume
// point (latest snapshot) is kept by ts value: a stale write for an
// earlier ts never displaces a later one already cached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Sessions ---

func (s *CachedStore) CreateSession(ctx context.Context, sess *model.Session, force bool) (*model.Session, bool, error) {
	out, created, err := s.primary.CreateSession(ctx, sess, force)
	if err != nil {
		return nil, false, err
	}
	s.cacheSession(ctx, out)
	return out, created, nil
}

func (s *CachedStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	data, err := s.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err == nil {
		var sess model.Session
		if json.Unmarshal(data, &sess) == nil {
			return &sess, nil
		}
	}

	sess, err := s.primary.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheSession(ctx, sess)
	return sess, nil
}

func (s *CachedStore) LatestOpenSession(ctx context.Context, userID string) (*model.Session, error) {
	return s.primary.LatestOpenSession(ctx, userID)
}

func (s *CachedStore) SetActiveSession(ctx context.Context, userID, sessionID string) error {
	return s.primary.SetActiveSession(ctx, userID, sessionID)
}

func (s *CachedStore) ActiveSession(ctx context.Context, userID string) (string, error) {
	return s.primary.ActiveSession(ctx, userID)
}

// --- Snapshots ---

// resumeScript refreshes the cached resume point only when the incoming
// snapshot's ts is at or past the cached one. The compare and the SET run
// as one server-side step, so two in-flight progress writes landing out
// of order can never leave the earlier ts cached over the later one.
var resumeScript = redis.NewScript(`
	local cur = redis.call("GET", KEYS[1])
	if cur then
		local ts = tonumber(cjson.decode(cur)["ts"])
		if ts and ts > tonumber(ARGV[1]) then
			return 0
		end
	end
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
`)

func (s *CachedStore) cacheResumePoint(ctx context.Context, snap *model.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	resumeScript.Run(ctx, s.rdb,
		[]string{resumeKey(snap.SessionID)},
		snap.Ts, data, s.ttl.Milliseconds())
}

func (s *CachedStore) UpsertSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if err := s.primary.UpsertSnapshot(ctx, snap); err != nil {
		return err
	}
	// Last-writer-by-ts-value wins, not last arrival.
	s.cacheResumePoint(ctx, snap)
	return nil
}

func (s *CachedStore) LatestSnapshot(ctx context.Context, sessionID string) (*model.Snapshot, error) {
	data, err := s.rdb.Get(ctx, resumeKey(sessionID)).Bytes()
	if err == nil {
		var snap model.Snapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	snap, err := s.primary.LatestSnapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	// The fill goes through the same ts-guarded script: a read that raced
	// a newer write must not displace that write's cached snapshot.
	s.cacheResumePoint(ctx, snap)
	return snap, nil
}

// --- Settlement ---

func (s *CachedStore) FinishSession(ctx context.Context, st Settlement) (*FinishOutcome, error) {
	out, err := s.primary.FinishSession(ctx, st)
	if err != nil {
		return nil, err
	}
	// Session changed shape and the leaderboard may have a new row.
	s.rdb.Del(ctx, sessionKey(st.SessionID), resumeKey(st.SessionID), leaderboardKey())
	return out, nil
}

// --- Leaderboard & capital ---

func (s *CachedStore) TopScores(ctx context.Context, limit int) ([]model.Score, error) {
	data, err := s.rdb.Get(ctx, leaderboardKey()).Bytes()
	if err == nil {
		var scores []model.Score
		if json.Unmarshal(data, &scores) == nil && len(scores) >= limit {
			return scores[:limit], nil
		}
	}

	scores, err := s.primary.TopScores(ctx, limit)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(scores); err == nil {
		s.rdb.Set(ctx, leaderboardKey(), data, s.ttl)
	}
	return scores, nil
}

func (s *CachedStore) GetCapital(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.primary.GetCapital(ctx, userID)
}

func (s *CachedStore) SetCapital(ctx context.Context, userID string, capital decimal.Decimal) error {
	return s.primary.SetCapital(ctx, userID, capital)
}

// --- Cache helpers ---

func (s *CachedStore) cacheSession(ctx context.Context, sess *model.Session) {
	if data, err := json.Marshal(sess); err == nil {
		s.rdb.Set(ctx, sessionKey(sess.ID), data, s.ttl)
	}
}

func sessionKey(id string) string { return fmt.Sprintf("session:%s", id) }
func resumeKey(id string) string  { return fmt.Sprintf("resume:%s", id) }
func leaderboardKey() string      { return "leaderboard:top" }
