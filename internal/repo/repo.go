package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"civicwater/internal/domain"
	"civicwater/internal/trackid"
)

var ErrNotFound = errors.New("not found")

// StatusRecordRepository is the read side of the record store used by the
// tracking service. Implementations: Repo (SQLite), memstore.Store and
// pgstore.Store.
type StatusRecordRepository interface {
	Get(ctx context.Context, id string) (domain.StatusRecord, error)
	List(ctx context.Context, f RecordFilter) ([]domain.StatusRecord, error)
}

type RecordFilter struct {
	Family         trackid.Family
	Status         domain.Status
	Mobile         string
	ConsumerNumber string
	PropertyID     string
	// OpenOnly skips records in a terminal status.
	OpenOnly bool
	Limit    int
}

// Matches reports whether rec satisfies the filter. Limit is not applied.
func (f RecordFilter) Matches(rec domain.StatusRecord) bool {
	if f.Family != "" && rec.Family != f.Family {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Mobile != "" && rec.Mobile != f.Mobile {
		return false
	}
	if f.ConsumerNumber != "" && rec.ConsumerNumber != f.ConsumerNumber {
		return false
	}
	if f.PropertyID != "" && rec.PropertyID != f.PropertyID {
		return false
	}
	if f.OpenOnly && rec.Status.Terminal() {
		return false
	}
	return true
}

type Repo struct {
	DB *sql.DB
}

var _ StatusRecordRepository = Repo{}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) q(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const recordColumns = `id,family,COALESCE(form,''),category,COALESCE(subject,''),COALESCE(applicant_name,''),COALESCE(mobile,''),COALESCE(property_id,''),COALESCE(consumer_number,''),status,COALESCE(priority,''),submitted_at,approved_at,resolved_at,due_at,overdue,COALESCE(estimated_completion,''),current_step,total_steps,COALESCE(resolution,''),contact_officer_json,fields_json,COALESCE(created_by,''),updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.StatusRecord, error) {
	var rec domain.StatusRecord
	var family, status, priority string
	var approved, resolved, due, officer, fields sql.NullString
	var overdue int
	err := row.Scan(&rec.ID, &family, &rec.Form, &rec.Category, &rec.Subject, &rec.ApplicantName, &rec.Mobile,
		&rec.PropertyID, &rec.ConsumerNumber, &status, &priority, &rec.SubmittedAt, &approved, &resolved, &due,
		&overdue, &rec.EstimatedCompletion, &rec.CurrentStep, &rec.TotalSteps, &rec.Resolution, &officer, &fields,
		&rec.CreatedBy, &rec.UpdatedAt)
	if err != nil {
		return domain.StatusRecord{}, err
	}
	rec.Family = trackid.Family(family)
	rec.Status = domain.Status(status)
	rec.Priority = domain.Priority(priority)
	rec.Overdue = overdue != 0
	rec.ApprovedAt = stringPtr(approved)
	rec.ResolvedAt = stringPtr(resolved)
	rec.DueAt = stringPtr(due)
	if officer.Valid && officer.String != "" {
		var co domain.ContactOfficer
		if err := json.Unmarshal([]byte(officer.String), &co); err != nil {
			return domain.StatusRecord{}, fmt.Errorf("decode contact officer: %w", err)
		}
		rec.ContactOfficer = &co
	}
	if fields.Valid && fields.String != "" {
		if err := json.Unmarshal([]byte(fields.String), &rec.Fields); err != nil {
			return domain.StatusRecord{}, fmt.Errorf("decode fields: %w", err)
		}
	}
	return rec, nil
}

func recordArgs(rec domain.StatusRecord) ([]any, error) {
	var officer, fields any
	if rec.ContactOfficer != nil {
		data, err := json.Marshal(rec.ContactOfficer)
		if err != nil {
			return nil, err
		}
		officer = string(data)
	}
	if len(rec.Fields) > 0 {
		data, err := json.Marshal(rec.Fields)
		if err != nil {
			return nil, err
		}
		fields = string(data)
	}
	overdue := 0
	if rec.Overdue {
		overdue = 1
	}
	return []any{
		string(rec.Family), nullable(rec.Form), rec.Category, nullable(rec.Subject), nullable(rec.ApplicantName),
		nullable(rec.Mobile), nullable(rec.PropertyID), nullable(rec.ConsumerNumber), string(rec.Status),
		nullable(string(rec.Priority)), rec.SubmittedAt, nullableStringPtr(rec.ApprovedAt), nullableStringPtr(rec.ResolvedAt),
		nullableStringPtr(rec.DueAt), overdue, nullable(rec.EstimatedCompletion), rec.CurrentStep, rec.TotalSteps,
		nullable(rec.Resolution), officer, fields, nullable(rec.CreatedBy), rec.UpdatedAt,
	}, nil
}

// InsertRecord stores a new record and its timeline.
func (r Repo) InsertRecord(ctx context.Context, tx *sql.Tx, rec domain.StatusRecord) error {
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	args = append([]any{rec.ID}, args...)
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO records(id,family,form,category,subject,applicant_name,mobile,property_id,consumer_number,status,priority,submitted_at,approved_at,resolved_at,due_at,overdue,estimated_completion,current_step,total_steps,resolution,contact_officer_json,fields_json,created_by,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	if err != nil {
		return err
	}
	return r.saveStages(ctx, tx, rec.ID, rec.Timeline)
}

// UpdateRecord rewrites a record and replaces its timeline.
func (r Repo) UpdateRecord(ctx context.Context, tx *sql.Tx, rec domain.StatusRecord) error {
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	args = append(args, rec.ID)
	res, err := r.q(tx).ExecContext(ctx, `UPDATE records SET family=?,form=?,category=?,subject=?,applicant_name=?,mobile=?,property_id=?,consumer_number=?,status=?,priority=?,submitted_at=?,approved_at=?,resolved_at=?,due_at=?,overdue=?,estimated_completion=?,current_step=?,total_steps=?,resolution=?,contact_officer_json=?,fields_json=?,created_by=?,updated_at=? WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := r.q(tx).ExecContext(ctx, `DELETE FROM stages WHERE record_id=?`, rec.ID); err != nil {
		return err
	}
	return r.saveStages(ctx, tx, rec.ID, rec.Timeline)
}

func (r Repo) saveStages(ctx context.Context, tx *sql.Tx, recordID string, stages []domain.StageEntry) error {
	for i, s := range stages {
		if _, err := r.q(tx).ExecContext(ctx, `INSERT INTO stages(record_id,position,label,state,at,officer,note) VALUES (?,?,?,?,?,?,?)`,
			recordID, i, s.Label, string(s.State), nullable(s.At), nullable(s.Officer), nullable(s.Note)); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) loadStages(ctx context.Context, q queryer, recordID string) ([]domain.StageEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT label,state,COALESCE(at,''),COALESCE(officer,''),COALESCE(note,'') FROM stages WHERE record_id=? ORDER BY position`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.StageEntry{}
	for rows.Next() {
		var s domain.StageEntry
		var state string
		if err := rows.Scan(&s.Label, &state, &s.At, &s.Officer, &s.Note); err != nil {
			return nil, err
		}
		s.State = domain.StageState(state)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Get returns the record with its timeline and attachments.
func (r Repo) Get(ctx context.Context, id string) (domain.StatusRecord, error) {
	return r.GetTx(ctx, nil, id)
}

func (r Repo) GetTx(ctx context.Context, tx *sql.Tx, id string) (domain.StatusRecord, error) {
	q := r.q(tx)
	rec, err := scanRecord(q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return domain.StatusRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.StatusRecord{}, err
	}
	if rec.Timeline, err = r.loadStages(ctx, q, rec.ID); err != nil {
		return domain.StatusRecord{}, err
	}
	if rec.Attachments, err = r.attachmentsFor(ctx, q, rec.ID); err != nil {
		return domain.StatusRecord{}, err
	}
	return rec, nil
}

// List returns records matching f, newest submission first.
func (r Repo) List(ctx context.Context, f RecordFilter) ([]domain.StatusRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Family != "" {
		clauses = append(clauses, "family=?")
		args = append(args, string(f.Family))
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Mobile != "" {
		clauses = append(clauses, "mobile=?")
		args = append(args, f.Mobile)
	}
	if f.ConsumerNumber != "" {
		clauses = append(clauses, "consumer_number=?")
		args = append(args, f.ConsumerNumber)
	}
	if f.PropertyID != "" {
		clauses = append(clauses, "property_id=?")
		args = append(args, f.PropertyID)
	}
	if f.OpenOnly {
		terminal := domain.TerminalStatuses()
		marks := make([]string, len(terminal))
		for i, s := range terminal {
			marks[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "status NOT IN ("+strings.Join(marks, ",")+")")
	}
	query := `SELECT ` + recordColumns + ` FROM records WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY submitted_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var recs []domain.StatusRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	// stages load after the cursor closes; the pool holds one connection
	for i := range recs {
		if recs[i].Timeline, err = r.loadStages(ctx, r.DB, recs[i].ID); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// NextSequence bumps and returns the identifier counter for prefix and year.
func (r Repo) NextSequence(ctx context.Context, tx *sql.Tx, prefix string, year int) (int64, error) {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `INSERT INTO sequences(prefix,year,value) VALUES (?,?,1)
ON CONFLICT(prefix,year) DO UPDATE SET value=value+1`, prefix, year); err != nil {
		return 0, err
	}
	var v int64
	if err := q.QueryRowContext(ctx, `SELECT value FROM sequences WHERE prefix=? AND year=?`, prefix, year).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// BumpSequence raises the counter to at least min, so seeded identifiers are
// never reissued.
func (r Repo) BumpSequence(ctx context.Context, tx *sql.Tx, prefix string, year int, min int64) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO sequences(prefix,year,value) VALUES (?,?,?)
ON CONFLICT(prefix,year) DO UPDATE SET value=MAX(value, excluded.value)`, prefix, year, min)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := v.String
	return &s
}
