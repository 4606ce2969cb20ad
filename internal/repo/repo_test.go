package repo_test

import (
	"context"
	"errors"
	"testing"

	"civicwater/internal/db"
	"civicwater/internal/domain"
	"civicwater/internal/migrate"
	"civicwater/internal/repo"
	"civicwater/internal/trackid"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

func sampleRecord(id string) domain.StatusRecord {
	return domain.StatusRecord{
		ID:             id,
		Family:         trackid.Grievance,
		Form:           "grievance",
		Category:       "Billing Issue",
		Subject:        "Incorrect meter reading in bill",
		ApplicantName:  "Rajesh Kumar",
		Mobile:         "9876543210",
		ConsumerNumber: "WC-2025-001",
		Status:         domain.StatusInProgress,
		Priority:       domain.PriorityHigh,
		SubmittedAt:    "2025-12-15T10:30:00Z",
		CurrentStep:    2,
		TotalSteps:     3,
		Timeline: []domain.StageEntry{
			{Label: "Grievance Registered", State: domain.StageCompleted, At: "2025-12-15T10:30:00Z", Officer: "System"},
			{Label: "Under Investigation", State: domain.StageInProgress, At: "2025-12-16T09:00:00Z"},
			{Label: "Resolved", State: domain.StagePending},
		},
		ContactOfficer: &domain.ContactOfficer{Name: "Priya Sharma", Phone: "+91 98765 00001"},
		Fields:         map[string]string{"remark": "reading doubled"},
		UpdatedAt:      "2025-12-16T09:00:00Z",
	}
}

func TestRecordRoundTrip(t *testing.T) {
	r, ctx := newTestRepo(t)
	rec := sampleRecord("GRV-2025-001")
	if err := r.InsertRecord(ctx, nil, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusInProgress || got.Priority != domain.PriorityHigh {
		t.Fatalf("status/priority: %s %s", got.Status, got.Priority)
	}
	if len(got.Timeline) != 3 || got.Timeline[1].State != domain.StageInProgress || got.Timeline[0].Officer != "System" {
		t.Fatalf("timeline: %+v", got.Timeline)
	}
	if got.ContactOfficer == nil || got.ContactOfficer.Name != "Priya Sharma" {
		t.Fatalf("contact officer: %+v", got.ContactOfficer)
	}
	if got.Fields["remark"] != "reading doubled" {
		t.Fatalf("fields: %+v", got.Fields)
	}
	if got.ResolvedAt != nil {
		t.Fatalf("resolved_at should be nil")
	}

	resolved := "2025-12-20T12:00:00Z"
	got.Status = domain.StatusResolved
	got.ResolvedAt = &resolved
	got.Timeline = got.Timeline[:2]
	if err := r.UpdateRecord(ctx, nil, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, err := r.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if again.ResolvedAt == nil || *again.ResolvedAt != resolved || len(again.Timeline) != 2 {
		t.Fatalf("update not persisted: %+v", again)
	}
}

func TestGetUnknownRecord(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.Get(ctx, "APP-2025-999"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := r.UpdateRecord(ctx, nil, sampleRecord("GRV-2025-404")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("update unknown: %v", err)
	}
}

func TestListFilters(t *testing.T) {
	r, ctx := newTestRepo(t)
	open := sampleRecord("GRV-2025-001")
	closed := sampleRecord("GRV-2025-002")
	closed.Status = domain.StatusResolved
	closed.SubmittedAt = "2025-12-01T08:00:00Z"
	app := sampleRecord("APP-2025-001")
	app.Family = trackid.Application
	app.Status = domain.StatusUnderReview
	app.Mobile = "9876543211"
	for _, rec := range []domain.StatusRecord{open, closed, app} {
		if err := r.InsertRecord(ctx, nil, rec); err != nil {
			t.Fatalf("insert %s: %v", rec.ID, err)
		}
	}
	grv, err := r.List(ctx, repo.RecordFilter{Family: trackid.Grievance})
	if err != nil || len(grv) != 2 {
		t.Fatalf("list grievances: %v %d", err, len(grv))
	}
	if grv[0].ID != "GRV-2025-001" || len(grv[0].Timeline) != 3 {
		t.Fatalf("order or timeline: %+v", grv[0])
	}
	openOnly, err := r.List(ctx, repo.RecordFilter{OpenOnly: true, Mobile: "9876543210"})
	if err != nil || len(openOnly) != 1 || openOnly[0].ID != "GRV-2025-001" {
		t.Fatalf("open only: %v %+v", err, openOnly)
	}
	limited, err := r.List(ctx, repo.RecordFilter{Limit: 1})
	if err != nil || len(limited) != 1 {
		t.Fatalf("limit: %v %d", err, len(limited))
	}
	if !(repo.RecordFilter{Family: trackid.Application}).Matches(app) || (repo.RecordFilter{OpenOnly: true}).Matches(closed) {
		t.Fatalf("filter matches")
	}
}

func TestNextSequenceIsMonotonic(t *testing.T) {
	r, ctx := newTestRepo(t)
	for want := int64(1); want <= 3; want++ {
		got, err := r.NextSequence(ctx, nil, "GRV", 2025)
		if err != nil || got != want {
			t.Fatalf("sequence: got %d want %d (%v)", got, want, err)
		}
	}
	if got, _ := r.NextSequence(ctx, nil, "GRV", 2026); got != 1 {
		t.Fatalf("new year should restart, got %d", got)
	}
	if err := r.BumpSequence(ctx, nil, "GRV", 2025, 23); err != nil {
		t.Fatalf("bump: %v", err)
	}
	if err := r.BumpSequence(ctx, nil, "GRV", 2025, 5); err != nil {
		t.Fatalf("bump lower: %v", err)
	}
	if got, _ := r.NextSequence(ctx, nil, "GRV", 2025); got != 24 {
		t.Fatalf("after bump: %d", got)
	}
}

func TestAttachmentsLinkOnce(t *testing.T) {
	r, ctx := newTestRepo(t)
	rec := sampleRecord("GRV-2025-001")
	other := sampleRecord("GRV-2025-002")
	for _, x := range []domain.StatusRecord{rec, other} {
		if err := r.InsertRecord(ctx, nil, x); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	att := domain.Attachment{ID: "01J0000000000000000000000A", Name: "bill.pdf", ContentType: "application/pdf", Size: 1024, CreatedAt: "2025-12-15T10:00:00Z"}
	if err := r.InsertAttachment(ctx, nil, att, "9876543210"); err != nil {
		t.Fatalf("insert attachment: %v", err)
	}
	if err := r.LinkAttachments(ctx, nil, rec.ID, []string{att.ID}); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := r.LinkAttachments(ctx, nil, other.ID, []string{att.ID}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("relink to other record: %v", err)
	}
	got, err := r.Get(ctx, rec.ID)
	if err != nil || len(got.Attachments) != 1 || got.Attachments[0].Name != "bill.pdf" {
		t.Fatalf("attachments on record: %v %+v", err, got.Attachments)
	}
}

func TestCitizenDirectory(t *testing.T) {
	r, ctx := newTestRepo(t)
	if err := r.UpsertCitizen(ctx, nil, domain.Citizen{Mobile: "9876543210", Name: "Rajesh Kumar"}); err != nil {
		t.Fatalf("citizen: %v", err)
	}
	prop := domain.Property{ID: "A1-1", Mobile: "9876543210", Address: "123, MG Road, Zone A, Ward 5", Connections: []domain.Connection{
		{ConsumerNumber: "WC-2025-001", Category: "Residential", Type: "Metered", Size: "15mm", BillingFrequency: "Monthly", MeterType: "Digital", LastReading: 1200},
	}}
	if err := r.UpsertProperty(ctx, nil, prop); err != nil {
		t.Fatalf("property: %v", err)
	}
	props, err := r.PropertiesByMobile(ctx, "9876543210")
	if err != nil || len(props) != 1 || len(props[0].Connections) != 1 {
		t.Fatalf("properties: %v %+v", err, props)
	}
	conn, err := r.GetConnection(ctx, "wc-2025-001")
	if err != nil || conn.PropertyID != "A1-1" || conn.LastReading != 1200 {
		t.Fatalf("connection: %v %+v", err, conn)
	}
	if _, err := r.GetCitizen(ctx, "9000000000"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown citizen: %v", err)
	}
}

func TestBillsAndReadings(t *testing.T) {
	r, ctx := newTestRepo(t)
	if err := r.UpsertCitizen(ctx, nil, domain.Citizen{Mobile: "9876543210", Name: "Rajesh Kumar"}); err != nil {
		t.Fatalf("citizen: %v", err)
	}
	prop := domain.Property{ID: "A1-1", Mobile: "9876543210", Address: "123, MG Road", Connections: []domain.Connection{
		{ConsumerNumber: "WC-2025-001", Category: "Residential", Type: "Metered", Size: "15mm", BillingFrequency: "Quarterly", MeterType: "meter", LastReading: 1200, DueAmount: 500},
	}}
	if err := r.UpsertProperty(ctx, nil, prop); err != nil {
		t.Fatalf("property: %v", err)
	}

	m := domain.MeterReading{ID: "R1", ConsumerNumber: "WC-2025-001", PreviousReading: 1200, Reading: 1245, Consumption: 45, SubmittedBy: "WC-2025-001", SubmittedAt: "2025-12-26T10:00:00Z"}
	if err := r.InsertReading(ctx, nil, m); err != nil {
		t.Fatalf("reading: %v", err)
	}
	if err := r.SetLastReading(ctx, nil, "WC-2025-001", 1245); err != nil {
		t.Fatalf("last reading: %v", err)
	}
	unbilled, err := r.UnbilledReadings(ctx, nil, "WC-2025-001")
	if err != nil || len(unbilled) != 1 || unbilled[0].Consumption != 45 {
		t.Fatalf("unbilled: %v %+v", err, unbilled)
	}

	b := domain.Bill{ID: "BILL-2025-009", ConsumerNumber: "WC-2025-001", Period: "December 2025", BillDate: "2025-12-31", DueDate: "2026-01-30",
		PreviousReading: 1200, CurrentReading: 1245, Consumption: 45, Amount: 744, DueAmount: 744, Status: domain.BillPending}
	if err := r.InsertBill(ctx, nil, b); err != nil {
		t.Fatalf("bill: %v", err)
	}
	if err := r.MarkReadingsBilled(ctx, nil, b.ID, []string{m.ID}); err != nil {
		t.Fatalf("mark billed: %v", err)
	}
	if unbilled, _ := r.UnbilledReadings(ctx, nil, "WC-2025-001"); len(unbilled) != 0 {
		t.Fatalf("still unbilled: %+v", unbilled)
	}
	if err := r.AdjustDue(ctx, nil, "WC-2025-001", b.Amount); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	conn, err := r.GetConnection(ctx, "WC-2025-001")
	if err != nil || conn.LastReading != 1245 || conn.DueAmount != 1244 {
		t.Fatalf("connection: %v %+v", err, conn)
	}

	b.Status, b.DueAmount, b.PaidAt, b.TransactionID = domain.BillPaid, 0, "2025-12-31T12:00:00Z", "TXN01"
	if err := r.UpdateBill(ctx, nil, b); err != nil {
		t.Fatalf("update bill: %v", err)
	}
	pay := domain.Payment{TransactionID: "TXN01", ReceiptNumber: "RCPT-2025-000001", BillID: b.ID, ConsumerNumber: b.ConsumerNumber, Amount: 744, Method: "upi", PaidBy: "WC-2025-001", PaidAt: b.PaidAt}
	if err := r.InsertPayment(ctx, nil, pay); err != nil {
		t.Fatalf("payment: %v", err)
	}
	if err := r.AdjustDue(ctx, nil, "WC-2025-001", -5000); err != nil {
		t.Fatalf("adjust below zero: %v", err)
	}
	if conn, _ := r.GetConnection(ctx, "WC-2025-001"); conn.DueAmount != 0 {
		t.Fatalf("due %d, want 0", conn.DueAmount)
	}
	bills, err := r.BillsByConnection(ctx, "WC-2025-001")
	if err != nil || len(bills) != 1 || bills[0].Status != domain.BillPaid || bills[0].TransactionID != "TXN01" {
		t.Fatalf("bills: %v %+v", err, bills)
	}
	got, err := r.PaymentForBill(ctx, b.ID)
	if err != nil || got != pay {
		t.Fatalf("payment: %v %+v", err, got)
	}
	if _, err := r.GetBill(ctx, nil, "BILL-2025-999"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown bill: %v", err)
	}
	if err := r.SetLastReading(ctx, nil, "WC-2025-999", 1); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown connection: %v", err)
	}
}

func TestOTPChallengeLifecycle(t *testing.T) {
	r, ctx := newTestRepo(t)
	c := repo.OTPChallenge{Identifier: "9876543210", CodeHash: "abc", SentAt: "2025-12-15T10:00:00Z", ExpiresAt: "2025-12-15T10:05:00Z"}
	if err := r.PutChallenge(ctx, c); err != nil {
		t.Fatalf("put: %v", err)
	}
	n, err := r.IncrementAttempts(ctx, c.Identifier)
	if err != nil || n != 1 {
		t.Fatalf("attempts: %v %d", err, n)
	}
	c.CodeHash = "def"
	if err := r.PutChallenge(ctx, c); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, err := r.GetChallenge(ctx, c.Identifier)
	if err != nil || got.CodeHash != "def" || got.Attempts != 0 {
		t.Fatalf("replaced challenge: %v %+v", err, got)
	}
	if err := r.DeleteChallenge(ctx, c.Identifier); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetChallenge(ctx, c.Identifier); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("after delete: %v", err)
	}
}

func TestAPIKeysAndRoles(t *testing.T) {
	r, ctx := newTestRepo(t)
	key := domain.APIKey{ID: "key-1", ActorID: "officer-7", Name: "desk", KeyHash: repo.HashAPIKey(" secret ")}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("secret"))
	if err != nil || got.ActorID != "officer-7" || got.Name != "desk" {
		t.Fatalf("lookup key: %v %+v", err, got)
	}
	if err := r.GrantRole(ctx, nil, "officer-7", "officer", "2025-12-15T10:00:00Z"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := r.GrantRole(ctx, nil, "officer-7", "officer", "2025-12-15T10:00:00Z"); err != nil {
		t.Fatalf("grant twice: %v", err)
	}
	roles, err := r.ActorRoles(ctx, "officer-7")
	if err != nil || len(roles) != 1 || roles[0] != "officer" {
		t.Fatalf("roles: %v %v", err, roles)
	}
	if err := r.DeleteAPIKey(ctx, "key-1"); err != nil {
		t.Fatalf("delete key: %v", err)
	}
	if err := r.DeleteAPIKey(ctx, "key-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("delete twice: %v", err)
	}
}
