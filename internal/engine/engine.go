package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"civicwater/internal/billing"
	"civicwater/internal/config"
	"civicwater/internal/domain"
	"civicwater/internal/events"
	"civicwater/internal/files"
	"civicwater/internal/repo"
	"civicwater/internal/timeline"
	"civicwater/internal/trackid"
	"civicwater/internal/workflow"
)

var (
	ErrRecordClosed  = errors.New("record is closed")
	ErrInvalidStatus = errors.New("invalid status")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Files  files.Store
	Config *config.Config
	Now    func() time.Time
	Log    zerolog.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		Log:    zerolog.Nop(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// Forms returns the configured submission form definitions.
func (e Engine) Forms() (map[string]workflow.Definition, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	return workflow.Definitions(e.Config)
}

// NewSession opens a fresh wizard for the named form.
func (e Engine) NewSession(form string) (*workflow.Session, error) {
	defs, err := e.Forms()
	if err != nil {
		return nil, err
	}
	def, ok := defs[form]
	if !ok {
		return nil, fmt.Errorf("%w: %s", workflow.ErrUnknownForm, form)
	}
	return workflow.NewSession(def), nil
}

// Issuer returns the production workflow.Issuer acting for actorID.
func (e Engine) Issuer(actorID string) workflow.Issuer {
	return workflow.IssuerFunc(func(ctx context.Context, s *workflow.Session) (trackid.ID, error) {
		rec, err := e.issue(ctx, s, actorID)
		if err != nil {
			return trackid.ID{}, err
		}
		return trackid.Parse(rec.ID)
	})
}

// Submit drives the session's final step and returns the stored record.
func (e Engine) Submit(ctx context.Context, s *workflow.Session, actorID string) (domain.StatusRecord, error) {
	var rec domain.StatusRecord
	_, err := s.Submit(ctx, workflow.IssuerFunc(func(ctx context.Context, s *workflow.Session) (trackid.ID, error) {
		r, err := e.issue(ctx, s, actorID)
		if err != nil {
			return trackid.ID{}, err
		}
		rec = r
		return trackid.Parse(r.ID)
	}))
	if err != nil {
		return domain.StatusRecord{}, err
	}
	return rec, nil
}

func (e Engine) issue(ctx context.Context, s *workflow.Session, actorID string) (domain.StatusRecord, error) {
	def := s.Def
	now := e.now()
	sum := def.Summarize(s.Fields)

	if err := e.checkReferences(ctx, def, s.Fields, &sum); err != nil {
		return domain.StatusRecord{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StatusRecord{}, err
	}
	defer tx.Rollback()

	seq, err := e.Repo.NextSequence(ctx, tx, def.Family.Prefix(), now.Year())
	if err != nil {
		return domain.StatusRecord{}, fmt.Errorf("next sequence: %w", err)
	}
	width := def.SeqWidth
	if width <= 0 {
		width = 3
	}
	id := trackid.Format(def.Family, now.Year(), trackid.Pad(seq, width))

	rec := domain.StatusRecord{
		ID:             id,
		Family:         def.Family,
		Form:           def.Name,
		Category:       sum.Category,
		Subject:        sum.Subject,
		ApplicantName:  sum.ApplicantName,
		Mobile:         sum.Mobile,
		PropertyID:     sum.PropertyID,
		ConsumerNumber: sum.ConsumerNumber,
		Status:         domain.StatusSubmitted,
		SubmittedAt:    now.UTC().Format(time.RFC3339),
		Fields:         copyFields(s.Fields),
		CreatedBy:      actorID,
		UpdatedAt:      now.UTC().Format(time.RFC3339),
	}
	if def.Family == trackid.Grievance {
		p, err := domain.ParsePriority(sum.Priority)
		if err != nil {
			return domain.StatusRecord{}, &workflow.ValidationError{Fields: map[string]string{"priority": err.Error()}}
		}
		rec.Priority = p
	}
	if days := e.Config.RTSDays(def.Service); days > 0 {
		due := now.AddDate(0, 0, days)
		dueAt := due.UTC().Format(time.RFC3339)
		rec.DueAt = &dueAt
		rec.EstimatedCompletion = due.Format("2006-01-02")
	}
	note := def.Family.Label() + " received successfully"
	rec.Timeline = timeline.Initial(def.Stages, now, note)
	rec.CurrentStep = timeline.CurrentStep(rec.Timeline)
	rec.TotalSteps = len(rec.Timeline)

	if err := e.Repo.InsertRecord(ctx, tx, rec); err != nil {
		return domain.StatusRecord{}, fmt.Errorf("insert record: %w", err)
	}
	if ids := s.AttachmentIDs(); len(ids) > 0 {
		if err := e.Repo.LinkAttachments(ctx, tx, rec.ID, ids); err != nil {
			return domain.StatusRecord{}, fmt.Errorf("link attachments: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, events.RecordSubmitted, "record", rec.ID, actorID, events.EventPayload{
		"form":     def.Name,
		"family":   string(def.Family),
		"category": rec.Category,
		"mobile":   rec.Mobile,
	}); err != nil {
		return domain.StatusRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StatusRecord{}, err
	}
	rec.Attachments = append([]domain.Attachment(nil), s.Attachments...)
	for i := range rec.Attachments {
		rec.Attachments[i].RecordID = rec.ID
	}
	e.Log.Info().Str("record_id", rec.ID).Str("form", def.Name).Str("actor_id", actorID).Msg("record submitted")
	return rec, nil
}

// checkReferences resolves identifiers the citizen typed against the
// directory and fills the summary from what they point at.
func (e Engine) checkReferences(ctx context.Context, def workflow.Definition, fields map[string]string, sum *workflow.Summary) error {
	if sum.ConsumerNumber != "" {
		conn, err := e.Repo.GetConnection(ctx, sum.ConsumerNumber)
		if errors.Is(err, repo.ErrNotFound) {
			return &workflow.ValidationError{Fields: map[string]string{"connectionId": "Unknown water connection"}}
		}
		if err != nil {
			return err
		}
		if sum.PropertyID == "" {
			sum.PropertyID = conn.PropertyID
		}
		if prop, err := e.Repo.GetProperty(ctx, conn.PropertyID); err == nil {
			if sum.Mobile == "" {
				sum.Mobile = prop.Mobile
			}
			if sum.ApplicantName == "" {
				if c, err := e.Repo.GetCitizen(ctx, prop.Mobile); err == nil {
					sum.ApplicantName = c.Name
				}
			}
		}
	}
	if appID := fields["applicationId"]; appID != "" {
		id, err := trackid.Parse(appID)
		if err != nil || id.Family != trackid.FirstConnection {
			return &workflow.ValidationError{Fields: map[string]string{"applicationId": "Enter a valid WNC application ID"}}
		}
		app, err := e.Repo.Get(ctx, id.String())
		if errors.Is(err, repo.ErrNotFound) {
			return &workflow.ValidationError{Fields: map[string]string{"applicationId": "Application not found"}}
		}
		if err != nil {
			return err
		}
		if sum.PropertyID == "" {
			sum.PropertyID = app.PropertyID
		}
	}
	return nil
}

// AdvanceStage moves a record's timeline forward one stage and derives its
// status from the result.
func (e Engine) AdvanceStage(ctx context.Context, id, officer, note, actorID string) (domain.StatusRecord, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StatusRecord{}, err
	}
	defer tx.Rollback()

	rec, err := e.Repo.GetTx(ctx, tx, id)
	if err != nil {
		return domain.StatusRecord{}, err
	}
	if rec.Status.Terminal() {
		return domain.StatusRecord{}, fmt.Errorf("%s is %s: %w", rec.ID, rec.Status.Label(), ErrRecordClosed)
	}
	now := e.now()
	stages, err := timeline.Advance(rec.Timeline, now, officer, note)
	if err != nil {
		return domain.StatusRecord{}, err
	}
	next := deriveStatus(rec.Family, rec.Status, stages)
	if err := checkPath(rec.Family, rec.Status, next); err != nil {
		return domain.StatusRecord{}, err
	}
	prev := rec.Status
	rec.Timeline = stages
	rec.CurrentStep = timeline.CurrentStep(stages)
	rec.TotalSteps = len(stages)
	rec.UpdatedAt = now.UTC().Format(time.RFC3339)
	if officer != "" && rec.ContactOfficer == nil {
		rec.ContactOfficer = &domain.ContactOfficer{Name: officer}
	}
	e.applyStatus(&rec, next, note, now)

	if err := e.Repo.UpdateRecord(ctx, tx, rec); err != nil {
		return domain.StatusRecord{}, err
	}
	if err := e.Events.Append(ctx, tx, events.RecordStageAdvance, "record", rec.ID, actorID, events.EventPayload{
		"current_step": rec.CurrentStep,
		"total_steps":  rec.TotalSteps,
		"officer":      officer,
	}); err != nil {
		return domain.StatusRecord{}, err
	}
	if next != prev {
		if err := e.Events.Append(ctx, tx, events.RecordStatus, "record", rec.ID, actorID, events.EventPayload{
			"from": string(prev), "to": string(next), "mobile": rec.Mobile,
		}); err != nil {
			return domain.StatusRecord{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.StatusRecord{}, err
	}
	e.Log.Info().Str("record_id", rec.ID).Int("current_step", rec.CurrentStep).Str("status", string(rec.Status)).Msg("stage advanced")
	return rec, nil
}

// deriveStatus maps timeline progress to a status. Completing the last stage
// reaches the family's success status.
func deriveStatus(f trackid.Family, cur domain.Status, stages []domain.StageEntry) domain.Status {
	if timeline.Complete(stages) {
		return domain.SuccessStatus(f)
	}
	started := timeline.CurrentStep(stages)
	if f == trackid.Grievance {
		switch {
		case started >= 3 && cur != domain.StatusInProgress:
			return domain.StatusInProgress
		case started >= 2 && cur == domain.StatusSubmitted:
			return domain.StatusAcknowledged
		}
		return cur
	}
	if cur == domain.StatusSubmitted {
		return domain.StatusUnderReview
	}
	return cur
}

// checkPath allows a derived status to pass through review when a short
// timeline completes straight from submitted.
func checkPath(f trackid.Family, from, to domain.Status) error {
	err := domain.CheckTransition(f, from, to)
	if err == nil || from != domain.StatusSubmitted {
		return err
	}
	if domain.CheckTransition(f, from, domain.StatusUnderReview) == nil &&
		domain.CheckTransition(f, domain.StatusUnderReview, to) == nil {
		return nil
	}
	return err
}

func (e Engine) applyStatus(rec *domain.StatusRecord, next domain.Status, note string, now time.Time) {
	ts := now.UTC().Format(time.RFC3339)
	if next == rec.Status {
		return
	}
	rec.Status = next
	switch next {
	case domain.StatusApproved:
		rec.ApprovedAt = &ts
		rec.EstimatedCompletion = ""
	case domain.StatusResolved:
		rec.ResolvedAt = &ts
		rec.EstimatedCompletion = ""
		if rec.Resolution == "" {
			rec.Resolution = note
		}
	}
}

// SetStatus moves a record to status directly, for rejection, closure or
// officer overrides. force skips the transition table.
func (e Engine) SetStatus(ctx context.Context, id, status, resolution, actorID string, force bool) (domain.StatusRecord, error) {
	next, err := domain.ParseStatus(status)
	if err != nil {
		return domain.StatusRecord{}, fmt.Errorf("%w: %v", ErrInvalidStatus, err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StatusRecord{}, err
	}
	defer tx.Rollback()

	rec, err := e.Repo.GetTx(ctx, tx, id)
	if err != nil {
		return domain.StatusRecord{}, err
	}
	if !domain.ValidStatus(rec.Family, next) {
		return domain.StatusRecord{}, fmt.Errorf("%w: %s for %s", ErrInvalidStatus, next, rec.Family.Label())
	}
	if !force {
		if err := domain.CheckTransition(rec.Family, rec.Status, next); err != nil {
			return domain.StatusRecord{}, err
		}
	}
	prev := rec.Status
	now := e.now()
	if resolution != "" {
		rec.Resolution = resolution
	}
	if next == domain.SuccessStatus(rec.Family) && !timeline.Complete(rec.Timeline) {
		rec.Timeline = timeline.Finish(rec.Timeline, now, "", resolution)
		rec.CurrentStep = timeline.CurrentStep(rec.Timeline)
	}
	e.applyStatus(&rec, next, resolution, now)
	rec.UpdatedAt = now.UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateRecord(ctx, tx, rec); err != nil {
		return domain.StatusRecord{}, err
	}
	if err := e.Events.Append(ctx, tx, events.RecordStatus, "record", rec.ID, actorID, events.EventPayload{
		"from": string(prev), "to": string(next), "forced": force, "mobile": rec.Mobile,
	}); err != nil {
		return domain.StatusRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StatusRecord{}, err
	}
	e.Log.Info().Str("record_id", rec.ID).Str("from", string(prev)).Str("to", string(next)).Bool("forced", force).Msg("status changed")
	return rec, nil
}

// SweepOverdue flags open records whose right-to-service deadline passed.
// Each record is flagged once.
func (e Engine) SweepOverdue(ctx context.Context, actorID string) (int, error) {
	open, err := e.Repo.List(ctx, repo.RecordFilter{OpenOnly: true})
	if err != nil {
		return 0, err
	}
	now := e.now().UTC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n := 0
	for _, rec := range open {
		if rec.Overdue || rec.DueAt == nil {
			continue
		}
		due, err := time.Parse(time.RFC3339, *rec.DueAt)
		if err != nil || !now.After(due) {
			continue
		}
		full, err := e.Repo.GetTx(ctx, tx, rec.ID)
		if err != nil {
			return 0, err
		}
		full.Overdue = true
		full.UpdatedAt = now.Format(time.RFC3339)
		if err := e.Repo.UpdateRecord(ctx, tx, full); err != nil {
			return 0, err
		}
		if err := e.Events.Append(ctx, tx, events.RecordOverdue, "record", full.ID, actorID, events.EventPayload{
			"due_at": *full.DueAt, "status": string(full.Status), "mobile": full.Mobile,
		}); err != nil {
			return 0, err
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if n > 0 {
		e.Log.Warn().Int("count", n).Msg("records past right-to-service deadline")
	}
	return n, nil
}

// Records lists stored records.
func (e Engine) Records(ctx context.Context, f repo.RecordFilter) ([]domain.StatusRecord, error) {
	return e.Repo.List(ctx, f)
}

// EstimateBill prices a meter reading, defaulting prev to the connection's
// last recorded reading when consumerNumber is given.
func (e Engine) EstimateBill(ctx context.Context, consumerNumber string, prev *int64, current int64) (billing.Estimate, error) {
	var p int64
	switch {
	case prev != nil:
		p = *prev
	case consumerNumber != "":
		conn, err := e.Repo.GetConnection(ctx, consumerNumber)
		if err != nil {
			return billing.Estimate{}, err
		}
		p = conn.LastReading
	}
	return billing.EstimateReading(p, current, e.Config.Billing)
}

// ConnectionFee quotes the fee for a new connection of the given pipe size.
func (e Engine) ConnectionFee(pipeSize string) (int64, error) {
	return billing.ConnectionFee(pipeSize, e.Config.Billing)
}

func copyFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
