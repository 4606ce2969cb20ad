package fixtures

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"civicwater/internal/domain"
	"civicwater/internal/repo"
	"civicwater/internal/timeline"
	"civicwater/internal/trackid"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func at(month time.Month, day, hour, min int) string {
	return time.Date(2025, month, day, hour, min, 0, 0, ist).Format(time.RFC3339)
}

func ptr(s string) *string { return &s }

func done(label, when, officer, note string) domain.StageEntry {
	return domain.StageEntry{Label: label, State: domain.StageCompleted, At: when, Officer: officer, Note: note}
}

func active(label, when, officer, note string) domain.StageEntry {
	return domain.StageEntry{Label: label, State: domain.StageInProgress, At: when, Officer: officer, Note: note}
}

func pending(label, note string) domain.StageEntry {
	return domain.StageEntry{Label: label, State: domain.StagePending, Note: note}
}

// Records returns fresh copies of the demo status records. CurrentStep and
// TotalSteps are derived from each timeline.
func Records() []domain.StatusRecord {
	recs := []domain.StatusRecord{
		{
			ID: "APP-2025-001", Family: trackid.Application, Form: "new-connection", Category: "New Water Connection",
			ApplicantName: "Rajesh Kumar", Mobile: "9876543210", PropertyID: "A1-1",
			Status: domain.StatusUnderReview, SubmittedAt: at(time.November, 20, 10, 30),
			EstimatedCompletion: "2025-12-05",
			Timeline: []domain.StageEntry{
				done("Application Submitted", at(time.November, 20, 10, 30), "System", "Application received successfully"),
				active("Document Verification", at(time.November, 22, 14, 15), "Priya Sharma - Document Officer", "Documents under verification. All documents found valid."),
				pending("Site Inspection", "Field officer will visit the site"),
				pending("Fee Assessment", "Connection fee will be calculated"),
				pending("Approval & Consumer ID", "Final approval and ID generation"),
			},
			ContactOfficer: &domain.ContactOfficer{Name: "Priya Sharma", Designation: "Water Tax Officer - Ward 5", Phone: "9876543210", Email: "priya.sharma@municipal.gov.in"},
		},
		{
			ID: "APP-2025-002", Family: trackid.Application, Form: "new-connection", Category: "New Water Connection",
			ApplicantName: "Amit Patel", Mobile: "9876543210", PropertyID: "B2-5", ConsumerNumber: "WC-2025-101",
			Status: domain.StatusApproved, SubmittedAt: at(time.November, 10, 9, 15), ApprovedAt: ptr(at(time.November, 24, 16, 30)),
			Timeline: []domain.StageEntry{
				done("Application Submitted", at(time.November, 10, 9, 15), "System", "Application received successfully"),
				done("Document Verification", at(time.November, 12, 11, 30), "Priya Sharma - Document Officer", "All documents verified and approved"),
				done("Site Inspection", at(time.November, 15, 15, 45), "Rajesh Verma - Field Officer", "Site inspection completed. Connection feasible."),
				done("Fee Assessment", at(time.November, 18, 10, 0), "Anjali Desai - Accounts Officer", "Connection fee: ₹1,500. Payment received."),
				done("Approval & Consumer ID", at(time.November, 24, 16, 30), "Suresh Kumar - Approving Authority", "Application approved. Consumer ID: WC-2025-101"),
			},
			ContactOfficer: &domain.ContactOfficer{Name: "Suresh Kumar", Designation: "Senior Water Tax Officer", Phone: "9876543211", Email: "suresh.kumar@municipal.gov.in"},
		},
		{
			ID: "WNC-2025-180652", Family: trackid.FirstConnection, Form: "first-connection", Category: "First Water Connection",
			ApplicantName: "Sneha Deshmukh", PropertyID: "C3-12",
			Status: domain.StatusUnderReview, SubmittedAt: at(time.November, 25, 15, 45),
			EstimatedCompletion: "2025-12-10",
			Timeline: []domain.StageEntry{
				done("Application Submitted", at(time.November, 25, 15, 45), "System", "First water connection application received successfully"),
				pending("Document Verification", "Documents will be verified by our team"),
				pending("Site Inspection", "Field officer will visit the property"),
				pending("Fee Payment", "Connection fee will be calculated and payment required"),
				pending("Connection Installation", "Water connection will be installed and Consumer ID generated"),
			},
			ContactOfficer: &domain.ContactOfficer{Name: "Vikram Singh", Designation: "New Connection Officer - Ward 3", Phone: "9876543215", Email: "vikram.singh@municipal.gov.in"},
		},
		{
			ID: "WNC-2025-180651", Family: trackid.FirstConnection, Form: "first-connection", Category: "First Water Connection",
			ApplicantName: "Rahul Mehta", PropertyID: "D4-8", ConsumerNumber: "WC-2025-125",
			Status: domain.StatusApproved, SubmittedAt: at(time.November, 15, 10, 20), ApprovedAt: ptr(at(time.November, 28, 16, 0)),
			Timeline: []domain.StageEntry{
				done("Application Submitted", at(time.November, 15, 10, 20), "System", "First water connection application received successfully"),
				done("Document Verification", at(time.November, 18, 14, 30), "Priya Sharma - Document Officer", "All documents verified and approved"),
				done("Site Inspection", at(time.November, 20, 11, 15), "Rajesh Verma - Field Officer", "Site inspection completed. Property is eligible for water connection."),
				done("Fee Payment", at(time.November, 22, 9, 0), "Payment System", "Connection fee: ₹2,500. Payment received successfully via UPI."),
				done("Connection Installation", at(time.November, 28, 16, 0), "Installation Team - Team Leader: Amit Kumar", "Water connection installed successfully. Consumer ID: WC-2025-125."),
			},
			ContactOfficer: &domain.ContactOfficer{Name: "Vikram Singh", Designation: "New Connection Officer - Ward 3", Phone: "9876543215", Email: "vikram.singh@municipal.gov.in"},
		},
		{
			ID: "GRV-2025-023", Family: trackid.Grievance, Form: "grievance", Category: "Billing Issue",
			Subject: "Incorrect meter reading in bill", ApplicantName: "Rajesh Kumar", Mobile: "9876543210",
			ConsumerNumber: "WC-2025-001", PropertyID: "A1-1",
			Status: domain.StatusInProgress, Priority: domain.PriorityHigh, SubmittedAt: at(time.December, 15, 11, 20),
			EstimatedCompletion: "2025-12-25",
			Timeline: []domain.StageEntry{
				done("Grievance Submitted", at(time.December, 15, 11, 20), "System", "Your grievance has been registered successfully"),
				done("Assigned to Officer", at(time.December, 16, 9, 45), "Auto-Assignment System", "Assigned to Priya Sharma - Water Tax Officer"),
				active("Investigation in Progress", at(time.December, 18, 14, 30), "Priya Sharma", "We have verified your complaint and found the discrepancy. A field officer will visit your property for meter verification within 2 days."),
				pending("Resolution & Closure", "Grievance will be resolved and closed"),
			},
			ContactOfficer: &domain.ContactOfficer{Name: "Priya Sharma", Designation: "Water Tax Officer - Ward 5", Phone: "9876543210", Email: "priya.sharma@municipal.gov.in"},
		},
		{
			ID: "GRV-2025-018", Family: trackid.Grievance, Form: "grievance", Category: "Water Supply",
			Subject: "Low water pressure", ApplicantName: "Rajesh Kumar", Mobile: "9876543210",
			ConsumerNumber: "WC-2025-002", PropertyID: "A1-1",
			Status: domain.StatusResolved, Priority: domain.PriorityMedium, SubmittedAt: at(time.December, 10, 8, 15),
			ResolvedAt: ptr(at(time.December, 14, 17, 45)),
			Timeline: []domain.StageEntry{
				done("Grievance Submitted", at(time.December, 10, 8, 15), "System", "Your grievance has been registered successfully"),
				done("Assigned to Officer", at(time.December, 10, 10, 30), "Auto-Assignment System", "Assigned to Amit Patel - Water Supply Officer"),
				done("Investigation Completed", at(time.December, 12, 15, 0), "Amit Patel", "Field inspection completed. Issue identified in main pipeline pressure. Maintenance scheduled for Dec 14."),
				done("Resolution & Closure", at(time.December, 14, 17, 45), "Amit Patel", "Issue resolved. Main pipeline pressure adjusted. Please check and confirm."),
			},
			Resolution:     "Main pipeline pressure issue was identified and fixed. Water pressure has been restored to normal levels.",
			ContactOfficer: &domain.ContactOfficer{Name: "Amit Patel", Designation: "Water Supply Officer - Ward 8", Phone: "9876543212", Email: "amit.patel@municipal.gov.in"},
		},
	}
	for i := range recs {
		recs[i].CurrentStep = timeline.CurrentStep(recs[i].Timeline)
		recs[i].TotalSteps = len(recs[i].Timeline)
		recs[i].CreatedBy = "seed"
		recs[i].UpdatedAt = recs[i].SubmittedAt
		for _, s := range recs[i].Timeline {
			if s.At > recs[i].UpdatedAt {
				recs[i].UpdatedAt = s.At
			}
		}
	}
	return recs
}

func Citizens() []domain.Citizen {
	return []domain.Citizen{
		{Mobile: "9876543210", Name: "Rajesh Kumar"},
		{Mobile: "9876543211", Name: "Priya Deshmukh"},
	}
}

func metered(consumer, category, size string, lastReading, due int64) domain.Connection {
	return domain.Connection{ConsumerNumber: consumer, Category: category, Type: "Metered", Size: size,
		BillingFrequency: "Quarterly", MeterType: "meter", LastReading: lastReading, DueAmount: due}
}

func flatRate(consumer, category, size string, due int64) domain.Connection {
	return domain.Connection{ConsumerNumber: consumer, Category: category, Type: "Non-Metered", Size: size,
		BillingFrequency: "Annual", MeterType: "non-meter", DueAmount: due}
}

// Properties returns the citizen directory's properties with connections.
func Properties() []domain.Property {
	return []domain.Property{
		{ID: "A1-1", Mobile: "9876543210", Address: "123, MG Road, Zone A, Ward 5", Connections: []domain.Connection{
			metered("WC-2025-001", "Residential", "15mm", 1250, 1850),
			metered("WC-2025-002", "Residential", "20mm", 890, 1200),
		}},
		{ID: "B2-5", Mobile: "9876543210", Address: "456, Park Street, Zone B, Ward 8", Connections: []domain.Connection{
			metered("WC-2025-003", "Commercial", "25mm", 4500, 3250),
			flatRate("WC-2025-004", "Commercial", "20mm", 0),
			metered("WC-2025-005", "Commercial", "15mm", 670, 980),
		}},
		{ID: "C3-12", Mobile: "9876543210", Address: "789, Lake View, Zone A, Ward 5", Connections: []domain.Connection{
			flatRate("WC-2025-006", "Residential", "15mm", 1420),
		}},
		{ID: "D1-8", Mobile: "9876543211", Address: "321, Green Valley, Zone C, Ward 12", Connections: []domain.Connection{
			metered("WC-2025-007", "Industrial", "40mm", 8900, 5600),
			metered("WC-2025-008", "Industrial", "25mm", 3400, 0),
		}},
	}
}

func pendingBill(seq int, consumer, dueDate string, current, consumption, amount int64) domain.Bill {
	return domain.Bill{ID: fmt.Sprintf("BILL-2025-%03d", seq), ConsumerNumber: consumer, Period: "December 2025",
		BillDate: "2025-12-01", DueDate: dueDate, PreviousReading: current - consumption, CurrentReading: current,
		Consumption: consumption, Amount: amount, DueAmount: amount, Status: domain.BillPending}
}

// Bills returns the December demo bills. Pending amounts add up to each
// connection's due amount.
func Bills() []domain.Bill {
	paid := func(b domain.Bill, paidAt, txn string) domain.Bill {
		b.DueAmount, b.Status, b.PaidAt, b.TransactionID = 0, domain.BillPaid, paidAt, txn
		return b
	}
	return []domain.Bill{
		pendingBill(1, "WC-2025-001", "2025-12-30", 1250, 45, 1850),
		pendingBill(2, "WC-2025-002", "2026-01-05", 890, 34, 1200),
		pendingBill(3, "WC-2025-003", "2025-12-28", 4500, 60, 3250),
		paid(pendingBill(4, "WC-2025-004", "2026-01-10", 0, 0, 2079), at(time.December, 5, 11, 20), "TXN2025001234"),
		pendingBill(5, "WC-2025-005", "2025-12-31", 670, 30, 980),
		pendingBill(6, "WC-2025-006", "2026-01-02", 0, 0, 1420),
		pendingBill(7, "WC-2025-007", "2025-12-27", 8900, 140, 5600),
		paid(pendingBill(8, "WC-2025-008", "2026-01-08", 3400, 100, 6930), at(time.November, 28, 16, 45), "TXN2025005678"),
	}
}

// Payments returns the receipts of the paid demo bills.
func Payments() []domain.Payment {
	return []domain.Payment{
		{TransactionID: "TXN2025001234", ReceiptNumber: "RCPT-2025-000001", BillID: "BILL-2025-004", ConsumerNumber: "WC-2025-004",
			Amount: 2079, Method: "upi", PaidBy: "9876543210", PaidAt: at(time.December, 5, 11, 20)},
		{TransactionID: "TXN2025005678", ReceiptNumber: "RCPT-2025-000002", BillID: "BILL-2025-008", ConsumerNumber: "WC-2025-008",
			Amount: 6930, Method: "card", PaidBy: "9876543211", PaidAt: at(time.November, 28, 16, 45)},
	}
}

func seedBills(ctx context.Context, r repo.Repo, tx *sql.Tx) error {
	for _, b := range Bills() {
		if _, err := r.GetBill(ctx, tx, b.ID); err == nil {
			continue
		} else if err != repo.ErrNotFound {
			return err
		}
		if err := r.InsertBill(ctx, tx, b); err != nil {
			return fmt.Errorf("seed bill %s: %w", b.ID, err)
		}
	}
	for _, p := range Payments() {
		if _, err := r.PaymentForBillTx(ctx, tx, p.BillID); err == nil {
			continue
		} else if err != repo.ErrNotFound {
			return err
		}
		if err := r.InsertPayment(ctx, tx, p); err != nil {
			return fmt.Errorf("seed payment %s: %w", p.TransactionID, err)
		}
	}
	if err := r.BumpSequence(ctx, tx, "BILL", 2025, int64(len(Bills()))); err != nil {
		return err
	}
	return r.BumpSequence(ctx, tx, "RCPT", 2025, int64(len(Payments())))
}

// Seed writes the demo data in one transaction. Records that already exist
// are left alone; identifier counters are raised past the seeded numbers.
func Seed(ctx context.Context, conn *sql.DB) (int, error) {
	r := repo.Repo{DB: conn}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	for _, c := range Citizens() {
		if err := r.UpsertCitizen(ctx, tx, c); err != nil {
			return 0, fmt.Errorf("seed citizen %s: %w", c.Mobile, err)
		}
	}
	for _, p := range Properties() {
		if err := r.UpsertProperty(ctx, tx, p); err != nil {
			return 0, fmt.Errorf("seed property %s: %w", p.ID, err)
		}
	}
	if err := seedBills(ctx, r, tx); err != nil {
		return 0, err
	}
	inserted := 0
	for _, rec := range Records() {
		if _, err := r.GetTx(ctx, tx, rec.ID); err == nil {
			continue
		} else if err != repo.ErrNotFound {
			return 0, err
		}
		if err := r.InsertRecord(ctx, tx, rec); err != nil {
			return 0, fmt.Errorf("seed record %s: %w", rec.ID, err)
		}
		id := trackid.MustParse(rec.ID)
		seq, err := strconv.ParseInt(id.Seq, 10, 64)
		if err != nil {
			return 0, err
		}
		if err := r.BumpSequence(ctx, tx, id.Family.Prefix(), id.Year, seq); err != nil {
			return 0, err
		}
		inserted++
	}
	return inserted, tx.Commit()
}
