package transcript

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
	"github.com/pressly/goose/v3"

	"github.com/call-voice-lab/internal/conversation"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PGStore persists transcript turns to PostgreSQL. Writes are idempotent on
// (call_id, seq) so a retried flush never duplicates a turn.
type PGStore struct {
	db *sql.DB
}

// OpenPostgres connects to connStr and applies pending migrations.
func OpenPostgres(ctx context.Context, connStr string) (*PGStore, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("transcript open: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("transcript ping: %w", err)
	}
	if err = migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("transcript migrate: %w", err)
	}
	return &PGStore{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

func (s *PGStore) Close() error {
	return s.db.Close()
}

func (s *PGStore) SaveTurn(ctx context.Context, callID string, turn conversation.TranscriptTurn) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_turns (call_id, seq, caller, agent, interrupted, spoken_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (call_id, seq) DO UPDATE
		 SET caller = EXCLUDED.caller, agent = EXCLUDED.agent, interrupted = EXCLUDED.interrupted`,
		callID, turn.Seq, turn.Caller, turn.Agent, turn.Interrupted, turn.At.UTC(),
	)
	return err
}

// Turns returns the stored turns of callID in sequence order.
func (s *PGStore) Turns(ctx context.Context, callID string) ([]conversation.TranscriptTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, caller, agent, interrupted, spoken_at FROM call_turns WHERE call_id = $1 ORDER BY seq`,
		callID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []conversation.TranscriptTurn
	for rows.Next() {
		var t conversation.TranscriptTurn
		if err = rows.Scan(&t.Seq, &t.Caller, &t.Agent, &t.Interrupted, &t.At); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
