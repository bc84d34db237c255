// Package postgres persists session logs in PostgreSQL.
//
// Every turn is stored twice over: the full turn as JSONB, which makes reads
// lossless, and a few projected columns for querying. The basic-emotion
// vector is kept in a pgvector column so that past turns can be searched by
// affective similarity.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/attune/pkg/provider/emotion"
	"github.com/MrWong99/attune/pkg/sessionlog"
)

var _ sessionlog.Store = (*Store)(nil)

// Store is a [sessionlog.Store] backed by a [pgxpool.Pool]. It is safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, runs [Migrate] and registers pgvector types on
// every connection of the returned store.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// The vector type only exists once the first migration has run, so
	// migrations use a pool without type registration.
	bootstrap, err := pgxpool.NewWithConfig(ctx, cfg.Copy())
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	err = Migrate(ctx, bootstrap)
	bootstrap.Close()
	if err != nil {
		return nil, fmt.Errorf("postgres store: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// SaveTurn implements [sessionlog.Store].
func (s *Store) SaveTurn(ctx context.Context, t sessionlog.Turn) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("postgres store: encode turn: %w", err)
	}

	var (
		score *float64
		tier  *string
		vec   *pgvector.Vector
	)
	if t.Crisis != nil {
		score, tier = &t.Crisis.Score, &t.Crisis.Tier
	}
	if t.Emotion != nil && len(t.Emotion.Basic) > 0 {
		v := pgvector.NewVector(t.Emotion.Vector())
		vec = &v
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	const insertTurn = `
		INSERT INTO session_turns
		    (id, session_id, seq, ts, role, text, crisis_score, crisis_tier, emotion, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`
	tag, err := tx.Exec(ctx, insertTurn,
		t.ID, t.SessionID, t.Seq, t.Timestamp, string(t.Role), t.Text, score, tier, vec, payload)
	if err != nil {
		return fmt.Errorf("postgres store: save turn: %w", err)
	}

	if tag.RowsAffected() == 1 && t.Crisis != nil && t.Crisis.Tier != "" && t.Crisis.Tier != "none" {
		const insertEvent = `
			INSERT INTO crisis_events (turn_id, session_id, ts, tier, score, trigger)
			VALUES ($1, $2, $3, $4, $5, $6)`
		if _, err := tx.Exec(ctx, insertEvent,
			t.ID, t.SessionID, t.Timestamp, t.Crisis.Tier, t.Crisis.Score, t.Crisis.Trigger); err != nil {
			return fmt.Errorf("postgres store: save crisis event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	return nil
}

// Turns implements [sessionlog.Store].
func (s *Store) Turns(ctx context.Context, sessionID string) ([]sessionlog.Turn, error) {
	const q = `SELECT payload FROM session_turns WHERE session_id = $1 ORDER BY seq`
	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, scanPayload)
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan turns: %w", err)
	}
	return turns, nil
}

// Sessions implements [sessionlog.Store].
func (s *Store) Sessions(ctx context.Context, limit int) ([]sessionlog.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT session_id, min(ts), count(*)
		FROM   session_turns
		GROUP  BY session_id
		ORDER  BY min(ts) DESC
		LIMIT  $1`
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query sessions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (sessionlog.Session, error) {
		var s sessionlog.Session
		err := row.Scan(&s.ID, &s.Started, &s.Turns)
		s.Started = s.Started.UTC()
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan sessions: %w", err)
	}
	return out, nil
}

// CrisisEvent is one persisted tier escalation.
type CrisisEvent struct {
	TurnID    string
	SessionID string
	Tier      string
	Score     float64
	Trigger   string
}

// CrisisEvents returns the escalations recorded for a session in time order.
func (s *Store) CrisisEvents(ctx context.Context, sessionID string) ([]CrisisEvent, error) {
	const q = `
		SELECT turn_id::text, session_id, tier, score, trigger
		FROM   crisis_events
		WHERE  session_id = $1
		ORDER  BY ts, id`
	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query crisis events: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (CrisisEvent, error) {
		var e CrisisEvent
		err := row.Scan(&e.TurnID, &e.SessionID, &e.Tier, &e.Score, &e.Trigger)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan crisis events: %w", err)
	}
	return out, nil
}

// SimilarTurns returns the patient turns whose basic-emotion vector is
// closest to s by cosine distance, most similar first. Turns without an
// emotion snapshot are never returned.
func (s *Store) SimilarTurns(ctx context.Context, sample emotion.Sample, limit int) ([]sessionlog.Turn, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `
		SELECT payload
		FROM   session_turns
		WHERE  emotion IS NOT NULL
		  AND  role = 'patient'
		ORDER  BY emotion <=> $1
		LIMIT  $2`
	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(sample.Vector()), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: similar turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, scanPayload)
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan similar turns: %w", err)
	}
	return turns, nil
}

func scanPayload(row pgx.CollectableRow) (sessionlog.Turn, error) {
	var (
		raw []byte
		t   sessionlog.Turn
	)
	if err := row.Scan(&raw); err != nil {
		return t, err
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}
