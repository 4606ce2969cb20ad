package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"civicwater/internal/domain"
	"civicwater/internal/repo"
)

// Mirror copies records from Source into Store as their events arrive. It
// is a notify.Publisher.
type Mirror struct {
	Store  interface{ Upsert(context.Context, domain.StatusRecord) error }
	Source repo.StatusRecordRepository
	Log    zerolog.Logger
}

func (m Mirror) Publish(ctx context.Context, evt domain.Event) error {
	if evt.EntityKind != "record" || !strings.HasPrefix(evt.Type, "record.") || evt.EntityID == "" {
		return nil
	}
	rec, err := m.Source.Get(ctx, evt.EntityID)
	if errors.Is(err, repo.ErrNotFound) {
		m.Log.Warn().Str("record_id", evt.EntityID).Int64("event_id", evt.ID).Msg("mirror: record gone, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	return m.Store.Upsert(ctx, rec)
}

// Prime reads the outbox tail and then syncs, returning the cursor to
// dispatch from. Records written during the copy are replayed, never skipped.
func (m Mirror) Prime(ctx context.Context, outbox interface {
	LatestEventID(context.Context) (int64, error)
}) (int64, error) {
	cursor, err := outbox.LatestEventID(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox cursor: %w", err)
	}
	if _, err := m.Sync(ctx); err != nil {
		return 0, err
	}
	return cursor, nil
}

// Sync copies every record from Source. Run it before dispatching so the
// mirror does not depend on outbox history.
func (m Mirror) Sync(ctx context.Context) (int, error) {
	recs, err := m.Source.List(ctx, repo.RecordFilter{})
	if err != nil {
		return 0, err
	}
	for i, rec := range recs {
		if err := m.Store.Upsert(ctx, rec); err != nil {
			return i, fmt.Errorf("sync %s: %w", rec.ID, err)
		}
	}
	m.Log.Info().Int("records", len(recs)).Msg("mirror: synced")
	return len(recs), nil
}
