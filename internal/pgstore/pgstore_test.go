package pgstore_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"civicwater/internal/domain"
	"civicwater/internal/fixtures"
	"civicwater/internal/notify"
	"civicwater/internal/pgstore"
	"civicwater/internal/repo"
	"civicwater/internal/repo/memstore"
	"civicwater/internal/trackid"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("CIVICWATER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CIVICWATER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := pgstore.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.Pool.Exec(context.Background(), `TRUNCATE status_records`)
		s.Close()
	})
	if _, err := s.Pool.Exec(ctx, `TRUNCATE status_records`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestStoreRoundTripAndFilters(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	for _, rec := range fixtures.Records() {
		if err := s.Upsert(ctx, rec); err != nil {
			t.Fatalf("upsert %s: %v", rec.ID, err)
		}
	}
	got, err := s.Get(ctx, "GRV-2025-023")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CurrentStep != 3 || len(got.Timeline) != 4 || got.ContactOfficer == nil {
		t.Fatalf("record: %+v", got)
	}
	if _, err := s.Get(ctx, "GRV-2025-999"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing: %v", err)
	}
	grv, err := s.List(ctx, repo.RecordFilter{Family: trackid.Grievance})
	if err != nil || len(grv) != 2 {
		t.Fatalf("grievances: %v %d", err, len(grv))
	}
	open, err := s.List(ctx, repo.RecordFilter{OpenOnly: true, Limit: 10})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, rec := range open {
		if rec.Status.Terminal() {
			t.Fatalf("terminal record %s listed", rec.ID)
		}
	}
	got.Status = domain.StatusResolved
	if err := s.Upsert(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, _ := s.Get(ctx, "GRV-2025-023")
	if again.Status != domain.StatusResolved {
		t.Fatalf("upsert did not replace: %s", again.Status)
	}
}

type recorder struct {
	ids   []string
	calls *[]string
}

func (r *recorder) Upsert(_ context.Context, rec domain.StatusRecord) error {
	r.ids = append(r.ids, rec.ID)
	if r.calls != nil {
		*r.calls = append(*r.calls, "upsert")
	}
	return nil
}

// outbox is an events source whose tail grows as records are written.
type outbox struct {
	events []domain.Event
	calls  *[]string
}

func (o *outbox) append(typ, id string) {
	o.events = append(o.events, domain.Event{ID: int64(len(o.events) + 1), Type: typ, EntityKind: "record", EntityID: id})
}

func (o *outbox) EventsAfter(_ context.Context, limit int, cursor int64) ([]domain.Event, error) {
	var out []domain.Event
	for _, e := range o.events {
		if e.ID > cursor && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (o *outbox) LatestEventID(context.Context) (int64, error) {
	if o.calls != nil {
		*o.calls = append(*o.calls, "cursor")
	}
	return int64(len(o.events)), nil
}

func TestMirrorCopiesRecordEvents(t *testing.T) {
	src := memstore.New(fixtures.Records()...)
	dst := &recorder{}
	m := pgstore.Mirror{Store: dst, Source: src}
	ctx := context.Background()
	events := []domain.Event{
		{ID: 1, Type: "record.status_changed", EntityKind: "record", EntityID: "APP-2025-001"},
		{ID: 2, Type: "login.verified", EntityKind: "citizen", EntityID: "9876543210"},
		{ID: 3, Type: "record.overdue", EntityKind: "record", EntityID: "GRV-2025-404"},
	}
	for _, evt := range events {
		if err := m.Publish(ctx, evt); err != nil {
			t.Fatalf("publish %d: %v", evt.ID, err)
		}
	}
	if len(dst.ids) != 1 || dst.ids[0] != "APP-2025-001" {
		t.Fatalf("mirrored %v", dst.ids)
	}
	n, err := m.Sync(ctx)
	if err != nil || n != len(fixtures.Records()) {
		t.Fatalf("sync: %d %v", n, err)
	}
}

func TestPrimeKeepsRecordsWrittenAfterSync(t *testing.T) {
	ctx := context.Background()
	var calls []string
	src := memstore.New(fixtures.Records()...)
	dst := &recorder{calls: &calls}
	box := &outbox{calls: &calls}
	box.append("record.submitted", "GRV-2025-023")
	m := pgstore.Mirror{Store: dst, Source: src}

	cursor, err := m.Prime(ctx, box)
	if err != nil {
		t.Fatalf("prime: %v", err)
	}
	if cursor != 1 || calls[0] != "cursor" {
		t.Fatalf("cursor %d read after copy: %v", cursor, calls)
	}

	late := fixtures.Records()[0]
	late.ID = "GRV-2025-024"
	late.Family = trackid.Grievance
	src.Put(late)
	box.append("record.submitted", late.ID)

	d := &notify.Dispatcher{Source: box, Publisher: m}
	d.StartAt(cursor)
	if n, err := d.Dispatch(ctx); err != nil || n != 1 {
		t.Fatalf("dispatch: %d %v", n, err)
	}
	if last := dst.ids[len(dst.ids)-1]; last != "GRV-2025-024" {
		t.Fatalf("late record not mirrored: %v", dst.ids)
	}
}
