package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chartgame/game-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*model.Session
	snapshots map[string]map[int64]*model.Snapshot // sessionID → ts → snapshot
	scores    map[string]*model.Score              // gameID → score
	capital   map[string]decimal.Decimal
	active    map[string]string // userID → sessionID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*model.Session),
		snapshots: make(map[string]map[int64]*model.Snapshot),
		scores:    make(map[string]*model.Score),
		capital:   make(map[string]decimal.Decimal),
		active:    make(map[string]string),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, sess *model.Session, force bool) (*model.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force {
		if existing := s.latestOpenLocked(sess.UserID); existing != nil {
			cp := *existing
			return &cp, false, nil
		}
	}

	cp := *sess
	s.sessions[sess.ID] = &cp
	s.active[sess.UserID] = sess.ID
	out := cp
	return &out, true, nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) LatestOpenSession(_ context.Context, userID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess := s.latestOpenLocked(userID)
	if sess == nil {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) latestOpenLocked(userID string) *model.Session {
	var latest *model.Session
	for _, sess := range s.sessions {
		if sess.UserID != userID || sess.FinishedAt != nil {
			continue
		}
		if latest == nil || sess.CreatedAt.After(latest.CreatedAt) {
			latest = sess
		}
	}
	return latest
}

func (s *MemoryStore) SetActiveSession(_ context.Context, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[userID] = sessionID
	return nil
}

func (s *MemoryStore) ActiveSession(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[userID]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func (s *MemoryStore) UpsertSnapshot(_ context.Context, snap *model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byTs, ok := s.snapshots[snap.SessionID]
	if !ok {
		byTs = make(map[int64]*model.Snapshot)
		s.snapshots[snap.SessionID] = byTs
	}
	cp := *snap
	cp.History = append([]model.Trade(nil), snap.History...)
	cp.CreatedAt = time.Now().UTC()
	byTs[snap.Ts] = &cp
	return nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, sessionID string) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byTs, ok := s.snapshots[sessionID]
	if !ok || len(byTs) == 0 {
		return nil, ErrNotFound
	}

	var latest *model.Snapshot
	for _, snap := range byTs {
		if latest == nil || snap.Ts > latest.Ts {
			latest = snap
		}
	}
	cp := *latest
	cp.History = append([]model.Trade(nil), latest.History...)
	return &cp, nil
}

func (s *MemoryStore) FinishSession(_ context.Context, st Settlement) (*FinishOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[st.SessionID]
	if !ok {
		return nil, ErrNotFound
	}

	if sess.FinishedAt != nil {
		// Benign capital re-sync; no second score, no session mutation.
		s.capital[sess.UserID] = st.FinalCapital
		return &FinishOutcome{AlreadyFinished: true}, nil
	}

	now := time.Now().UTC()
	endIndex := st.EndIndex
	sess.FinishedAt = &now
	sess.EndIndex = &endIndex
	sess.ReturnPct = st.ReturnPct

	if _, exists := s.scores[st.Score.GameID]; !exists {
		score := st.Score
		score.CreatedAt = now
		s.scores[st.Score.GameID] = &score
	}
	s.capital[sess.UserID] = st.FinalCapital
	return &FinishOutcome{AlreadyFinished: false}, nil
}

func (s *MemoryStore) TopScores(_ context.Context, limit int) ([]model.Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scores := make([]model.Score, 0, len(s.scores))
	for _, sc := range s.scores {
		scores = append(scores, *sc)
	}
	sort.Slice(scores, func(i, j int) bool {
		return scores[i].ReturnPct.GreaterThan(scores[j].ReturnPct)
	})
	if limit > 0 && len(scores) > limit {
		scores = scores[:limit]
	}
	return scores, nil
}

func (s *MemoryStore) GetCapital(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.capital[userID]
	if !ok {
		return decimal.Zero, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) SetCapital(_ context.Context, userID string, capital decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capital[userID] = capital
	return nil
}
