package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/chartgame/game-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// snapshot history is stored as a serialized JSONB list, not normalized.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Schema is the logical layout the store expects. The (session_id, ts)
// primary key on snapshots is what gives the progress-record its upsert
// semantics; the unique game_id on scores guards duplicate settlement.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	capital    NUMERIC NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	start_index    INT NOT NULL,
	start_cash     NUMERIC NOT NULL,
	fee_bps        BIGINT NOT NULL,
	slippage_bps   BIGINT NOT NULL,
	max_turns      INT NOT NULL,
	slice_start_ts BIGINT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ,
	end_index      INT,
	return_pct     NUMERIC NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS sessions_user_open
	ON sessions (user_id, created_at DESC) WHERE finished_at IS NULL;

CREATE TABLE IF NOT EXISTS active_sessions (
	user_id    TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS snapshots (
	session_id TEXT NOT NULL,
	ts         BIGINT NOT NULL,
	cash       NUMERIC NOT NULL,
	shares     NUMERIC NOT NULL,
	equity     NUMERIC NOT NULL,
	turn       INT NOT NULL,
	avg_price  NUMERIC NOT NULL,
	has_avg    BOOLEAN NOT NULL,
	history    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (session_id, ts)
);

CREATE TABLE IF NOT EXISTS scores (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	total      NUMERIC NOT NULL,
	return_pct NUMERIC NOT NULL,
	game_id    TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS scores_return ON scores (return_pct DESC);
`

// Init creates the schema if it does not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

const sessionColumns = `id, user_id, symbol, start_index,
	start_cash::TEXT, fee_bps, slippage_bps, max_turns, slice_start_ts,
	created_at, finished_at, end_index, return_pct::TEXT`

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.Session, force bool) (*model.Session, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	// Row-lock the user so two "start game" calls from duplicate tabs
	// serialize on the open-session check.
	if _, err := tx.Exec(ctx,
		`INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		sess.UserID); err != nil {
		return nil, false, err
	}
	if _, err := tx.Exec(ctx,
		`SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, sess.UserID); err != nil {
		return nil, false, err
	}

	if !force {
		existing, err := scanSession(tx.QueryRow(ctx,
			`SELECT `+sessionColumns+`
			 FROM sessions
			 WHERE user_id = $1 AND finished_at IS NULL
			 ORDER BY created_at DESC LIMIT 1`, sess.UserID))
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return nil, false, err
			}
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO sessions
			(id, user_id, symbol, start_index, start_cash, fee_bps, slippage_bps,
			 max_turns, slice_start_ts, created_at, return_pct)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10, 0)`,
		sess.ID, sess.UserID, sess.Symbol, sess.StartIndex,
		sess.StartCash.String(), sess.FeeBps, sess.SlippageBps,
		sess.MaxTurns, sess.SliceStartTs, sess.CreatedAt,
	); err != nil {
		return nil, false, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO active_sessions (user_id, session_id, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (user_id) DO UPDATE SET session_id = $2, updated_at = now()`,
		sess.UserID, sess.ID); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	cp := *sess
	return &cp, true, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

func (s *PostgresStore) LatestOpenSession(ctx context.Context, userID string) (*model.Session, error) {
	return scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM sessions
		 WHERE user_id = $1 AND finished_at IS NULL
		 ORDER BY created_at DESC LIMIT 1`, userID))
}

func (s *PostgresStore) SetActiveSession(ctx context.Context, userID, sessionID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO active_sessions (user_id, session_id, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (user_id) DO UPDATE SET session_id = $2, updated_at = now()`,
		userID, sessionID)
	return err
}

func (s *PostgresStore) ActiveSession(ctx context.Context, userID string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT session_id FROM active_sessions WHERE user_id = $1`, userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return id, err
}

func (s *PostgresStore) UpsertSnapshot(ctx context.Context, snap *model.Snapshot) error {
	history, err := json.Marshal(snap.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO snapshots
			(session_id, ts, cash, shares, equity, turn, avg_price, has_avg, history, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8, $9, now())
		 ON CONFLICT (session_id, ts) DO UPDATE SET
			cash = EXCLUDED.cash, shares = EXCLUDED.shares,
			equity = EXCLUDED.equity, turn = EXCLUDED.turn,
			avg_price = EXCLUDED.avg_price, has_avg = EXCLUDED.has_avg,
			history = EXCLUDED.history, created_at = now()`,
		snap.SessionID, snap.Ts,
		snap.Cash.String(), snap.Shares.String(), snap.Equity.String(),
		snap.Turn, snap.AvgPrice.String(), snap.HasAvg, history,
	)
	return err
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, sessionID string) (*model.Snapshot, error) {
	var snap model.Snapshot
	var cash, shares, equity, avgPrice string
	var history []byte

	err := s.pool.QueryRow(ctx,
		`SELECT session_id, ts, cash::TEXT, shares::TEXT, equity::TEXT,
		        turn, avg_price::TEXT, has_avg, history, created_at
		 FROM snapshots WHERE session_id = $1
		 ORDER BY ts DESC LIMIT 1`, sessionID).
		Scan(&snap.SessionID, &snap.Ts, &cash, &shares, &equity,
			&snap.Turn, &avgPrice, &snap.HasAvg, &history, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot %s: %w", sessionID, err)
	}

	snap.Cash, _ = decimal.NewFromString(cash)
	snap.Shares, _ = decimal.NewFromString(shares)
	snap.Equity, _ = decimal.NewFromString(equity)
	snap.AvgPrice, _ = decimal.NewFromString(avgPrice)
	if err := json.Unmarshal(history, &snap.History); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return &snap, nil
}

func (s *PostgresStore) FinishSession(ctx context.Context, st Settlement) (*FinishOutcome, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var userID string
	var finishedAt *time.Time
	err = tx.QueryRow(ctx,
		`SELECT user_id, finished_at FROM sessions WHERE id = $1 FOR UPDATE`,
		st.SessionID).Scan(&userID, &finishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if finishedAt != nil {
		// Retry after completion: re-apply capital as a benign sync, but
		// never touch the session row or insert a second score.
		if err := upsertCapital(ctx, tx, userID, st.FinalCapital); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return &FinishOutcome{AlreadyFinished: true}, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE sessions
		 SET finished_at = now(), end_index = $2, return_pct = $3::NUMERIC
		 WHERE id = $1`,
		st.SessionID, st.EndIndex, st.ReturnPct.String()); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO scores (id, user_id, symbol, total, return_pct, game_id, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, now())
		 ON CONFLICT (game_id) DO NOTHING`,
		st.Score.ID, st.Score.UserID, st.Score.Symbol,
		st.Score.Total.String(), st.Score.ReturnPct.String(), st.Score.GameID,
	); err != nil {
		return nil, err
	}

	if err := upsertCapital(ctx, tx, userID, st.FinalCapital); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &FinishOutcome{AlreadyFinished: false}, nil
}

func (s *PostgresStore) TopScores(ctx context.Context, limit int) ([]model.Score, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, symbol, total::TEXT, return_pct::TEXT, game_id, created_at
		 FROM scores ORDER BY return_pct DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scores []model.Score
	for rows.Next() {
		var sc model.Score
		var total, returnPct string
		if err := rows.Scan(&sc.ID, &sc.UserID, &sc.Symbol,
			&total, &returnPct, &sc.GameID, &sc.CreatedAt); err != nil {
			return nil, err
		}
		sc.Total, _ = decimal.NewFromString(total)
		sc.ReturnPct, _ = decimal.NewFromString(returnPct)
		scores = append(scores, sc)
	}
	return scores, rows.Err()
}

func (s *PostgresStore) GetCapital(ctx context.Context, userID string) (decimal.Decimal, error) {
	var capital string
	err := s.pool.QueryRow(ctx,
		`SELECT capital::TEXT FROM users WHERE id = $1`, userID).Scan(&capital)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	c, _ := decimal.NewFromString(capital)
	return c, nil
}

func (s *PostgresStore) SetCapital(ctx context.Context, userID string, capital decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, capital, updated_at) VALUES ($1, $2::NUMERIC, now())
		 ON CONFLICT (id) DO UPDATE SET capital = $2::NUMERIC, updated_at = now()`,
		userID, capital.String())
	return err
}

func upsertCapital(ctx context.Context, tx pgx.Tx, userID string, capital decimal.Decimal) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO users (id, capital, updated_at) VALUES ($1, $2::NUMERIC, now())
		 ON CONFLICT (id) DO UPDATE SET capital = $2::NUMERIC, updated_at = now()`,
		userID, capital.String())
	return err
}

func scanSession(row pgx.Row) (*model.Session, error) {
	var sess model.Session
	var startCash, returnPct string

	err := row.Scan(&sess.ID, &sess.UserID, &sess.Symbol, &sess.StartIndex,
		&startCash, &sess.FeeBps, &sess.SlippageBps, &sess.MaxTurns,
		&sess.SliceStartTs, &sess.CreatedAt,
		&sess.FinishedAt, &sess.EndIndex, &returnPct)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	sess.StartCash, _ = decimal.NewFromString(startCash)
	sess.ReturnPct, _ = decimal.NewFromString(returnPct)
	return &sess, nil
}
