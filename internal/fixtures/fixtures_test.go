package fixtures_test

import (
	"context"
	"testing"

	"civicwater/internal/db"
	"civicwater/internal/fixtures"
	"civicwater/internal/migrate"
	"civicwater/internal/repo"
	"civicwater/internal/timeline"
)

func TestRecordsAreConsistent(t *testing.T) {
	recs := fixtures.Records()
	if len(recs) != 6 {
		t.Fatalf("expected 6 demo records, got %d", len(recs))
	}
	for _, rec := range recs {
		if err := timeline.Check(rec.Timeline, rec.CurrentStep); err != nil {
			t.Fatalf("%s: %v", rec.ID, err)
		}
		if rec.TotalSteps != len(rec.Timeline) {
			t.Fatalf("%s: total steps %d", rec.ID, rec.TotalSteps)
		}
	}
	byID := map[string]int{}
	for _, rec := range recs {
		byID[rec.ID] = rec.CurrentStep
	}
	if byID["GRV-2025-023"] != 3 || byID["APP-2025-001"] != 2 || byID["WNC-2025-180652"] != 1 {
		t.Fatalf("derived steps: %v", byID)
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	n, err := fixtures.Seed(ctx, conn)
	if err != nil || n != 6 {
		t.Fatalf("seed: %v %d", err, n)
	}
	n, err = fixtures.Seed(ctx, conn)
	if err != nil || n != 0 {
		t.Fatalf("reseed: %v %d", err, n)
	}
	r := repo.Repo{DB: conn}
	next, err := r.NextSequence(ctx, nil, "WNC", 2025)
	if err != nil || next != 180653 {
		t.Fatalf("sequence after seed: %v %d", err, next)
	}
	props, err := r.PropertiesByMobile(ctx, "9876543210")
	if err != nil || len(props) != 3 {
		t.Fatalf("properties: %v %d", err, len(props))
	}
	if next, err := r.NextSequence(ctx, nil, "BILL", 2025); err != nil || next != 9 {
		t.Fatalf("bill sequence after seed: %v %d", err, next)
	}
	if _, err := r.PaymentForBill(ctx, "BILL-2025-004"); err != nil {
		t.Fatalf("seeded receipt: %v", err)
	}
}

func TestBillsMatchConnectionDues(t *testing.T) {
	due := map[string]int64{}
	for _, p := range fixtures.Properties() {
		for _, c := range p.Connections {
			due[c.ConsumerNumber] = c.DueAmount
		}
	}
	pending := map[string]int64{}
	for _, b := range fixtures.Bills() {
		if _, ok := due[b.ConsumerNumber]; !ok {
			t.Fatalf("%s: unknown connection %s", b.ID, b.ConsumerNumber)
		}
		if b.Consumption != b.CurrentReading-b.PreviousReading {
			t.Fatalf("%s: consumption %d", b.ID, b.Consumption)
		}
		pending[b.ConsumerNumber] += b.DueAmount
	}
	for consumer, amount := range due {
		if pending[consumer] != amount {
			t.Fatalf("%s: pending bills %d, connection due %d", consumer, pending[consumer], amount)
		}
	}
}
