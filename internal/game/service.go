// Package game provides the HTTP handlers and business logic for the
// chart-game engine: starting sessions, recording progress snapshots,
// resuming after a disconnect, and settling finished games.
//
// All monetary values use shopspring/decimal — never float64 for money.
package game

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chartgame/game-engine/internal/auth"
	"github.com/chartgame/game-engine/internal/config"
	"github.com/chartgame/game-engine/internal/hearts"
	"github.com/chartgame/game-engine/internal/ledger"
	"github.com/chartgame/game-engine/internal/metrics"
	"github.com/chartgame/game-engine/internal/model"
	"github.com/chartgame/game-engine/internal/prices"
	"github.com/chartgame/game-engine/internal/store"
)

// Service handles game sessions. The store carries all cross-request
// state; each session is single-writer (only the owning user's client
// drives it), so no engine-side locking is needed beyond the store's.
type Service struct {
	store    store.Store
	prices   prices.Provider
	hearts   hearts.Source
	defaults config.GameConfig
	wsHub    *Hub // optional score-feed hub
}

// NewService creates a new game service.
// Pass nil for hub if score broadcasting is not needed.
func NewService(st store.Store, pp prices.Provider, hs hearts.Source, defaults config.GameConfig, hub *Hub) *Service {
	return &Service{
		store:    st,
		prices:   pp,
		hearts:   hs,
		defaults: defaults,
		wsHub:    hub,
	}
}

// --- Request/Response types ---

// StartGameRequest is the JSON body for POST /games. Omitted parameters
// fall back to the server defaults.
type StartGameRequest struct {
	Symbol       string           `json:"symbol"`
	ForceNew     bool             `json:"force_new"`
	StartIndex   *int             `json:"start_index,omitempty"`
	StartCash    *decimal.Decimal `json:"start_cash,omitempty"`
	FeeBps       *int64           `json:"fee_bps,omitempty"`
	SlippageBps  *int64           `json:"slippage_bps,omitempty"`
	MaxTurns     *int             `json:"max_turns,omitempty"`
	SliceStartTs *int64           `json:"slice_start_ts,omitempty"`
}

// GameResponse is returned from both start and resume paths: the session,
// the exact price slice it plays against, and the latest snapshot when
// one exists.
type GameResponse struct {
	Session  *model.Session  `json:"session"`
	Slice    *prices.Slice   `json:"slice"`
	Snapshot *model.Snapshot `json:"snapshot,omitempty"`
	Reused   bool            `json:"reused"`
}

// ProgressRequest is the JSON body for POST /games/{gameID}/progress.
// Ts must be the bar timestamp at the client's current cursor; it is the
// idempotency key for the snapshot upsert.
type ProgressRequest struct {
	Ts       int64            `json:"ts"`
	Cash     decimal.Decimal  `json:"cash"`
	Shares   decimal.Decimal  `json:"shares"`
	Equity   decimal.Decimal  `json:"equity"`
	Turn     int              `json:"turn"`
	AvgPrice *decimal.Decimal `json:"avg_price"`
	History  []model.Trade    `json:"history"`
}

// ResumeResponse reports either a full resume point or an explicit
// nothing-to-resume result. Absence of a resumable game is not an error.
type ResumeResponse struct {
	Available bool            `json:"available"`
	Session   *model.Session  `json:"session,omitempty"`
	Slice     *prices.Slice   `json:"slice,omitempty"`
	Snapshot  *model.Snapshot `json:"snapshot,omitempty"`
}

// FinishRequest is the JSON body for POST /games/{gameID}/finish.
type FinishRequest struct {
	FinalCapital decimal.Decimal `json:"final_capital"`
	ReturnPct    decimal.Decimal `json:"return_pct"`
	EndIndex     int             `json:"end_index"`
}

// FinishResponse is returned from the settlement call.
type FinishResponse struct {
	AlreadyFinished bool            `json:"already_finished"`
	Session         *model.Session  `json:"session"`
	Capital         decimal.Decimal `json:"capital"`
}

// --- HTTP Handlers ---

// StartGame handles POST /api/v1/games.
// Reuses the caller's open session unless force_new is set; a fresh game
// consumes one heart before the session is created.
func (s *Service) StartGame(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeServiceError(w, ErrUnauthorized)
		return
	}

	var req StartGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Symbol == "" {
		writeError(w, "symbol is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// Reuse path: one IN_PROGRESS session per user, unless forced past it.
	if !req.ForceNew {
		existing, err := s.store.LatestOpenSession(ctx, userID)
		if err == nil {
			resp, rerr := s.loadGame(r, existing)
			if rerr != nil {
				writeServiceError(w, rerr)
				return
			}
			resp.Reused = true
			writeJSON(w, http.StatusOK, resp)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			writeError(w, "failed to check open sessions", http.StatusInternalServerError)
			return
		}
	}

	sess, err := s.buildSession(req, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// A fresh game costs one heart, consumed before creation.
	if err := s.hearts.Consume(ctx, userID); err != nil {
		if errors.Is(err, hearts.ErrNoCredit) {
			metrics.CreditDenied.Inc()
			writeServiceError(w, ErrNoPlayCredit)
			return
		}
		writeError(w, "failed to consume play credit", http.StatusInternalServerError)
		return
	}

	var slice *prices.Slice
	if req.SliceStartTs != nil {
		slice, err = s.prices.GetSliceAt(ctx, sess.Symbol, *req.SliceStartTs, sess.StartIndex, sess.MaxTurns)
	} else {
		slice, err = s.prices.GetSlice(ctx, sess.Symbol, sess.StartIndex, sess.MaxTurns)
	}
	if err != nil {
		s.hearts.Grant(ctx, userID) // refund, nothing was created
		writeError(w, "failed to fetch price slice", http.StatusBadGateway)
		return
	}
	sess.SliceStartTs = slice.StartTs
	sess.StartIndex = slice.StartIndex

	created, wasCreated, err := s.store.CreateSession(ctx, sess, req.ForceNew)
	if err != nil {
		s.hearts.Grant(ctx, userID)
		writeError(w, "failed to create session", http.StatusInternalServerError)
		return
	}
	if !wasCreated {
		// Lost the duplicate-tab race; the heart goes back.
		s.hearts.Grant(ctx, userID)
		resp, rerr := s.loadGame(r, created)
		if rerr != nil {
			writeServiceError(w, rerr)
			return
		}
		resp.Reused = true
		writeJSON(w, http.StatusOK, resp)
		return
	}

	mode := "new"
	if req.ForceNew {
		mode = "forced"
	}
	metrics.GamesStarted.WithLabelValues(mode).Inc()

	slog.Info("game started",
		"game_id", created.ID,
		"user", userID,
		"symbol", created.Symbol,
		"slice_start_ts", created.SliceStartTs,
		"max_turns", created.MaxTurns,
	)

	writeJSON(w, http.StatusCreated, GameResponse{Session: created, Slice: slice})
}

// GetGame handles GET /api/v1/games/{gameID}.
func (s *Service) GetGame(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeServiceError(w, ErrUnauthorized)
		return
	}

	sess, err := s.ownedSession(r, chi.URLParam(r, "gameID"), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp, err := s.loadGame(r, sess)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// RecordProgress handles POST /api/v1/games/{gameID}/progress.
// Upserts a snapshot keyed by (session, ts): a client retry with the same
// ts overwrites the row, which is what makes the protocol safe under
// at-least-once delivery.
func (s *Service) RecordProgress(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeServiceError(w, ErrUnauthorized)
		return
	}

	sess, err := s.ownedSession(r, chi.URLParam(r, "gameID"), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if sess.FinishedAt != nil {
		writeServiceError(w, ErrFinished)
		return
	}

	var req ProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Ts <= 0 || req.Turn < 0 || req.Cash.IsNegative() || req.Shares.IsNegative() {
		writeServiceError(w, ErrBadInput)
		return
	}

	snap := &model.Snapshot{
		SessionID: sess.ID,
		Ts:        req.Ts,
		Cash:      req.Cash,
		Shares:    req.Shares,
		Equity:    req.Equity,
		Turn:      req.Turn,
		History:   req.History,
	}
	if req.AvgPrice != nil {
		snap.AvgPrice = *req.AvgPrice
		snap.HasAvg = true
	}

	ctx := r.Context()

	// Replay the snapshot against the session's slice before persisting:
	// a ts that maps onto no bar of this game can never be resumed from.
	slice, err := s.prices.GetSliceAt(ctx, sess.Symbol, sess.SliceStartTs, sess.StartIndex, sess.MaxTurns)
	if err != nil {
		writeError(w, "failed to fetch price slice", http.StatusBadGateway)
		return
	}
	if _, err := ledger.Restore(ledger.Config{
		Bars:        slice.Bars,
		StartIndex:  sess.StartIndex,
		MaxTurns:    sess.MaxTurns,
		FeeBps:      sess.FeeBps,
		SlippageBps: sess.SlippageBps,
		StartCash:   sess.StartCash,
	}, *snap); err != nil {
		writeServiceError(w, ErrBadInput)
		return
	}

	if err := s.store.UpsertSnapshot(ctx, snap); err != nil {
		writeError(w, "failed to record progress", http.StatusInternalServerError)
		return
	}
	// Stamp the active pointer so a reconnecting client without a cached
	// id can still find this session.
	if err := s.store.SetActiveSession(ctx, userID, sess.ID); err != nil {
		writeError(w, "failed to update active session", http.StatusInternalServerError)
		return
	}

	metrics.SnapshotsRecorded.Inc()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ts": req.Ts})
}

// Resume handles GET /api/v1/resume.
// Returns the caller's most recent open session with its latest snapshot
// and the identical price slice, or an explicit nothing-to-resume result.
func (s *Service) Resume(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeServiceError(w, ErrUnauthorized)
		return
	}

	ctx := r.Context()
	sess := s.resumableSession(r, userID)
	if sess == nil {
		metrics.ResumeRequests.WithLabelValues("fresh").Inc()
		writeJSON(w, http.StatusOK, ResumeResponse{Available: false})
		return
	}

	snap, err := s.store.LatestSnapshot(ctx, sess.ID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.ResumeRequests.WithLabelValues("fresh").Inc()
		writeJSON(w, http.StatusOK, ResumeResponse{Available: false})
		return
	}
	if err != nil {
		writeError(w, "failed to load snapshot", http.StatusInternalServerError)
		return
	}

	slice, err := s.prices.GetSliceAt(ctx, sess.Symbol, sess.SliceStartTs, sess.StartIndex, sess.MaxTurns)
	if err != nil {
		writeError(w, "failed to fetch price slice", http.StatusBadGateway)
		return
	}

	metrics.ResumeRequests.WithLabelValues("hit").Inc()
	writeJSON(w, http.StatusOK, ResumeResponse{
		Available: true,
		Session:   sess,
		Slice:     slice,
		Snapshot:  snap,
	})
}

// Finish handles POST /api/v1/games/{gameID}/finish.
// One-time settlement: idempotent under retry — a second call re-syncs
// capital but never duplicates the leaderboard score.
func (s *Service) Finish(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeServiceError(w, ErrUnauthorized)
		return
	}

	sess, err := s.ownedSession(r, chi.URLParam(r, "gameID"), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var req FinishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.FinalCapital.IsNegative() {
		writeServiceError(w, ErrBadInput)
		return
	}

	// Clamp rather than trust: the end index can never land past the turn
	// budget or before play began.
	endIndex := req.EndIndex
	if upper := sess.StartIndex + sess.MaxTurns - 1; endIndex > upper {
		endIndex = upper
	}
	if endIndex < sess.StartIndex {
		endIndex = sess.StartIndex
	}

	finalCapital := req.FinalCapital.Floor()
	st := store.Settlement{
		SessionID:    sess.ID,
		EndIndex:     endIndex,
		ReturnPct:    req.ReturnPct,
		FinalCapital: finalCapital,
		Score: model.Score{
			ID:        uuid.New().String(),
			UserID:    userID,
			Symbol:    sess.Symbol,
			Total:     finalCapital,
			ReturnPct: req.ReturnPct,
			GameID:    sess.ID,
		},
	}

	out, err := s.store.FinishSession(r.Context(), st)
	if errors.Is(err, store.ErrNotFound) {
		writeServiceError(w, ErrNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to settle session", http.StatusInternalServerError)
		return
	}

	updated, err := s.store.GetSession(r.Context(), sess.ID)
	if err != nil {
		writeError(w, "failed to reload session", http.StatusInternalServerError)
		return
	}

	if out.AlreadyFinished {
		metrics.GamesFinished.WithLabelValues("retry").Inc()
	} else {
		metrics.GamesFinished.WithLabelValues("settled").Inc()

		slog.Info("game settled",
			"game_id", sess.ID,
			"user", userID,
			"symbol", sess.Symbol,
			"total", finalCapital.String(),
			"return_pct", req.ReturnPct.String(),
		)

		if s.wsHub != nil {
			s.wsHub.Broadcast(ScoreMessage{
				Type:      "score_posted",
				GameID:    sess.ID,
				UserID:    userID,
				Symbol:    sess.Symbol,
				Total:     finalCapital.String(),
				ReturnPct: req.ReturnPct.String(),
			})
		}
	}

	writeJSON(w, http.StatusOK, FinishResponse{
		AlreadyFinished: out.AlreadyFinished,
		Session:         updated,
		Capital:         finalCapital,
	})
}

// Leaderboard handles GET /api/v1/leaderboard.
func (s *Service) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil && n <= 100 {
			limit = n
		}
	}

	scores, err := s.store.TopScores(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to load leaderboard", http.StatusInternalServerError)
		return
	}
	if scores == nil {
		scores = []model.Score{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scores": scores})
}

// Hearts handles GET /api/v1/hearts.
func (s *Service) Hearts(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeServiceError(w, ErrUnauthorized)
		return
	}
	balance, err := s.hearts.Balance(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hearts": balance})
}

// --- internals ---

func (s *Service) buildSession(req StartGameRequest, userID string) (*model.Session, error) {
	sess := &model.Session{
		ID:          uuid.New().String(),
		UserID:      userID,
		Symbol:      req.Symbol,
		StartIndex:  s.defaults.VisibleDays,
		StartCash:   decimal.NewFromInt(s.defaults.StartCash),
		FeeBps:      s.defaults.FeeBps,
		SlippageBps: s.defaults.SlippageBps,
		MaxTurns:    s.defaults.MaxTurns,
		CreatedAt:   time.Now().UTC(),
	}
	if req.StartIndex != nil {
		if *req.StartIndex < 0 {
			return nil, ErrBadInput
		}
		sess.StartIndex = *req.StartIndex
	}
	if req.StartCash != nil {
		if req.StartCash.LessThanOrEqual(decimal.Zero) {
			return nil, ErrBadInput
		}
		sess.StartCash = req.StartCash.Floor()
	}
	if req.FeeBps != nil {
		if *req.FeeBps < 0 {
			return nil, ErrBadInput
		}
		sess.FeeBps = *req.FeeBps
	}
	if req.SlippageBps != nil {
		if *req.SlippageBps < 0 {
			return nil, ErrBadInput
		}
		sess.SlippageBps = *req.SlippageBps
	}
	if req.MaxTurns != nil {
		if *req.MaxTurns <= 0 {
			return nil, ErrBadInput
		}
		sess.MaxTurns = *req.MaxTurns
	}
	return sess, nil
}

// ownedSession loads a session and checks ownership. Missing and foreign
// sessions are indistinguishable to the caller.
func (s *Service) ownedSession(r *http.Request, id, userID string) (*model.Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	sess, err := s.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrNotFound
	}
	return sess, nil
}

// loadGame assembles the full game view: session, slice, latest snapshot.
func (s *Service) loadGame(r *http.Request, sess *model.Session) (*GameResponse, error) {
	ctx := r.Context()
	slice, err := s.prices.GetSliceAt(ctx, sess.Symbol, sess.SliceStartTs, sess.StartIndex, sess.MaxTurns)
	if err != nil {
		return nil, err
	}
	resp := &GameResponse{Session: sess, Slice: slice}
	if snap, err := s.store.LatestSnapshot(ctx, sess.ID); err == nil {
		resp.Snapshot = snap
	}
	return resp, nil
}

// resumableSession prefers the stamped active pointer, falling back to
// the newest open session. Returns nil when nothing is resumable.
func (s *Service) resumableSession(r *http.Request, userID string) *model.Session {
	ctx := r.Context()
	if id, err := s.store.ActiveSession(ctx, userID); err == nil {
		if sess, err := s.store.GetSession(ctx, id); err == nil && sess.UserID == userID && sess.FinishedAt == nil {
			return sess
		}
	}
	sess, err := s.store.LatestOpenSession(ctx, userID)
	if err != nil {
		return nil
	}
	return sess
}

func parsePositiveInt(v string) (int, error) {
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, ErrBadInput
		}
		n = n*10 + int(c-'0')
		if n > 1<<30 {
			return 0, ErrBadInput
		}
	}
	if n == 0 {
		return 0, ErrBadInput
	}
	return n, nil
}

// writeServiceError maps service error kinds onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		writeError(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, ErrNotFound):
		writeError(w, "session not found", http.StatusNotFound)
	case errors.Is(err, ErrFinished):
		writeError(w, "session already finished", http.StatusConflict)
	case errors.Is(err, ErrNoPlayCredit):
		writeError(w, "no play credit available", http.StatusPaymentRequired)
	case errors.Is(err, ErrBadInput):
		writeError(w, "bad input", http.StatusBadRequest)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
