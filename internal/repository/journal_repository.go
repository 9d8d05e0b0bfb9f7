package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// JournalRepository persists and queries session journal entries.
type JournalRepository struct {
	pool *pgxpool.Pool
}

// NewJournalRepository creates a new JournalRepository.
func NewJournalRepository(pool *pgxpool.Pool) *JournalRepository {
	return &JournalRepository{pool: pool}
}

var journalColumns = []string{"session_id", "candidate_id", "kind", "payload", "recorded_at"}

// InsertBatch bulk-inserts entries with COPY.
func (r *JournalRepository) InsertBatch(ctx context.Context, entries []model.JournalEntry) error {
	rows := make([][]interface{}, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []interface{}{e.SessionID, e.CandidateID, string(e.Kind), payloadArg(e), e.RecordedAt})
	}

	_, err := r.pool.CopyFrom(ctx, pgx.Identifier{"session_journal"}, journalColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy journal entries: %w", err)
	}
	return nil
}

// Insert writes a single entry.
func (r *JournalRepository) Insert(ctx context.Context, e model.JournalEntry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO session_journal (session_id, candidate_id, kind, payload, recorded_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5)`,
		e.SessionID, e.CandidateID, string(e.Kind), payloadArg(e), e.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// ListBySession returns a page of a session's entries in recording order and
// the session's total entry count.
func (r *JournalRepository) ListBySession(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]model.JournalEntry, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM session_journal WHERE session_id = $1`, sessionID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count journal entries: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, candidate_id, kind, payload, recorded_at
		 FROM session_journal
		 WHERE session_id = $1
		 ORDER BY recorded_at, id
		 LIMIT $2 OFFSET $3`,
		sessionID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list journal entries: %w", err)
	}
	defer rows.Close()

	entries := make([]model.JournalEntry, 0, limit)
	for rows.Next() {
		var (
			e       model.JournalEntry
			kind    string
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.CandidateID, &kind, &payload, &e.RecordedAt); err != nil {
			return nil, 0, fmt.Errorf("scan journal entry: %w", err)
		}
		e.Kind = model.JournalKind(kind)
		e.Payload = payload
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// ViolationTotals aggregates violation entries per candidate recorded at or after since.
func (r *JournalRepository) ViolationTotals(ctx context.Context, since time.Time) ([]model.ViolationTotal, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT candidate_id, COUNT(DISTINCT session_id), COUNT(*), MAX(recorded_at)
		 FROM session_journal
		 WHERE kind = $1 AND recorded_at >= $2
		 GROUP BY candidate_id
		 ORDER BY COUNT(*) DESC, candidate_id`,
		string(model.JournalViolation), since,
	)
	if err != nil {
		return nil, fmt.Errorf("query violation totals: %w", err)
	}
	defer rows.Close()

	var totals []model.ViolationTotal
	for rows.Next() {
		var t model.ViolationTotal
		if err := rows.Scan(&t.CandidateID, &t.Sessions, &t.Violations, &t.LastViolation); err != nil {
			return nil, fmt.Errorf("scan violation total: %w", err)
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

// Ping reports whether the database answers.
func (r *JournalRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// payloadArg keeps an empty payload as SQL NULL instead of invalid JSON.
func payloadArg(e model.JournalEntry) interface{} {
	if len(e.Payload) == 0 {
		return nil
	}
	return string(e.Payload)
}
