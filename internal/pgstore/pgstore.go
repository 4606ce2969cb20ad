// Package pgstore is a PostgreSQL read model of status records, kept current
// from the events outbox.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"civicwater/internal/domain"
	"civicwater/internal/repo"
)

const schema = `
CREATE TABLE IF NOT EXISTS status_records (
    id              TEXT PRIMARY KEY,
    family          TEXT NOT NULL,
    status          TEXT NOT NULL,
    mobile          TEXT NOT NULL DEFAULT '',
    consumer_number TEXT NOT NULL DEFAULT '',
    property_id     TEXT NOT NULL DEFAULT '',
    submitted_at    TIMESTAMPTZ NOT NULL,
    doc             JSONB NOT NULL,
    synced_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS status_records_mobile_idx ON status_records (mobile);
CREATE INDEX IF NOT EXISTS status_records_property_idx ON status_records (property_id);
`

// Store implements repo.StatusRecordRepository over PostgreSQL.
type Store struct {
	Pool *pgxpool.Pool
}

var _ repo.StatusRecordRepository = (*Store)(nil)

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{Pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// Upsert writes rec, replacing any earlier copy.
func (s *Store) Upsert(ctx context.Context, rec domain.StatusRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}
	submitted, err := time.Parse(time.RFC3339, rec.SubmittedAt)
	if err != nil {
		return fmt.Errorf("record %s submitted_at: %w", rec.ID, err)
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO status_records (id, family, status, mobile, consumer_number, property_id, submitted_at, doc, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (id) DO UPDATE SET
		    family = EXCLUDED.family,
		    status = EXCLUDED.status,
		    mobile = EXCLUDED.mobile,
		    consumer_number = EXCLUDED.consumer_number,
		    property_id = EXCLUDED.property_id,
		    submitted_at = EXCLUDED.submitted_at,
		    doc = EXCLUDED.doc,
		    synced_at = now()
	`, rec.ID, string(rec.Family), string(rec.Status), rec.Mobile, rec.ConsumerNumber, rec.PropertyID, submitted, doc)
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.StatusRecord, error) {
	var doc []byte
	err := s.Pool.QueryRow(ctx, `SELECT doc FROM status_records WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StatusRecord{}, repo.ErrNotFound
	}
	if err != nil {
		return domain.StatusRecord{}, err
	}
	var rec domain.StatusRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return domain.StatusRecord{}, fmt.Errorf("decode record %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context, f repo.RecordFilter) ([]domain.StatusRecord, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Family != "" {
		add("family = $%d", string(f.Family))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Mobile != "" {
		add("mobile = $%d", f.Mobile)
	}
	if f.ConsumerNumber != "" {
		add("consumer_number = $%d", f.ConsumerNumber)
	}
	if f.PropertyID != "" {
		add("property_id = $%d", f.PropertyID)
	}
	if f.OpenOnly {
		terminal := make([]string, 0, 5)
		for _, st := range domain.TerminalStatuses() {
			terminal = append(terminal, string(st))
		}
		add("status <> ALL($%d)", terminal)
	}
	query := `SELECT doc FROM status_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY submitted_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.StatusRecord
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var rec domain.StatusRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
