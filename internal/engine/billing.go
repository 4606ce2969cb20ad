package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"civicwater/internal/billing"
	"civicwater/internal/domain"
	"civicwater/internal/events"
	"civicwater/internal/repo"
)

var (
	ErrReadingWindowClosed = errors.New("meter reading window is closed")
	ErrNotMetered          = errors.New("connection is not metered")
	ErrNothingToBill       = errors.New("no unbilled meter readings")
	ErrBillPaid            = errors.New("bill already paid")
	ErrPaymentMethod       = errors.New("unsupported payment method")
)

// PaymentMethods are the accepted online payment channels.
var PaymentMethods = []string{"upi", "card", "netbanking"}

const defaultDueDays = 30

// Connections lists the connections on the given properties in property
// order.
func (e Engine) Connections(ctx context.Context, propertyIDs ...string) ([]domain.Connection, error) {
	var out []domain.Connection
	for _, id := range propertyIDs {
		conns, err := e.Repo.ConnectionsByProperty(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, conns...)
	}
	return out, nil
}

// Bills returns a connection's bills, newest first.
func (e Engine) Bills(ctx context.Context, consumerNumber string) ([]domain.Bill, error) {
	conn, err := e.Repo.GetConnection(ctx, consumerNumber)
	if err != nil {
		return nil, err
	}
	return e.Repo.BillsByConnection(ctx, conn.ConsumerNumber)
}

func (e Engine) Bill(ctx context.Context, id string) (domain.Bill, error) {
	return e.Repo.GetBill(ctx, nil, strings.ToUpper(strings.TrimSpace(id)))
}

// SubmitReading records a meter reading inside the monthly window and moves
// the connection's last reading forward. The estimate prices the new
// consumption.
func (e Engine) SubmitReading(ctx context.Context, consumerNumber string, reading int64, actorID string) (domain.MeterReading, billing.Estimate, error) {
	now := e.now()
	if !billing.SubmissionWindowOpen(now.Day(), e.Config.Billing) {
		return domain.MeterReading{}, billing.Estimate{}, fmt.Errorf("%w: readings are accepted from day %d to %d",
			ErrReadingWindowClosed, e.Config.Billing.WindowStartDay, e.Config.Billing.WindowEndDay)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MeterReading{}, billing.Estimate{}, err
	}
	defer tx.Rollback()
	conn, err := e.Repo.GetConnectionTx(ctx, tx, consumerNumber)
	if err != nil {
		return domain.MeterReading{}, billing.Estimate{}, err
	}
	if conn.MeterType != "meter" {
		return domain.MeterReading{}, billing.Estimate{}, fmt.Errorf("%w: %s", ErrNotMetered, conn.ConsumerNumber)
	}
	est, err := billing.EstimateReading(conn.LastReading, reading, e.Config.Billing)
	if err != nil {
		return domain.MeterReading{}, billing.Estimate{}, err
	}
	m := domain.MeterReading{
		ID:              ulid.Make().String(),
		ConsumerNumber:  conn.ConsumerNumber,
		PreviousReading: est.PreviousReading,
		Reading:         est.CurrentReading,
		Consumption:     est.Consumption,
		SubmittedBy:     actorID,
		SubmittedAt:     now.UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertReading(ctx, tx, m); err != nil {
		return domain.MeterReading{}, billing.Estimate{}, err
	}
	if err := e.Repo.SetLastReading(ctx, tx, conn.ConsumerNumber, m.Reading); err != nil {
		return domain.MeterReading{}, billing.Estimate{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ReadingSubmitted, "connection", conn.ConsumerNumber, actorID, events.EventPayload{
		"reading_id": m.ID, "reading": m.Reading, "consumption": m.Consumption, "estimate": est.Total,
	}); err != nil {
		return domain.MeterReading{}, billing.Estimate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.MeterReading{}, billing.Estimate{}, err
	}
	e.Log.Info().Str("consumer_number", conn.ConsumerNumber).Int64("reading", m.Reading).Int64("consumption", m.Consumption).Msg("meter reading submitted")
	return m, est, nil
}

// GenerateBill issues one bill covering every unbilled reading of the
// connection and adds it to the connection's dues.
func (e Engine) GenerateBill(ctx context.Context, consumerNumber, actorID string) (domain.Bill, error) {
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Bill{}, err
	}
	defer tx.Rollback()
	conn, err := e.Repo.GetConnectionTx(ctx, tx, consumerNumber)
	if err != nil {
		return domain.Bill{}, err
	}
	readings, err := e.Repo.UnbilledReadings(ctx, tx, conn.ConsumerNumber)
	if err != nil {
		return domain.Bill{}, err
	}
	if len(readings) == 0 {
		return domain.Bill{}, fmt.Errorf("%w: %s", ErrNothingToBill, conn.ConsumerNumber)
	}
	first, last := readings[0], readings[len(readings)-1]
	est, err := billing.EstimateReading(first.PreviousReading, last.Reading, e.Config.Billing)
	if err != nil {
		return domain.Bill{}, err
	}
	seq, err := e.Repo.NextSequence(ctx, tx, "BILL", now.Year())
	if err != nil {
		return domain.Bill{}, err
	}
	dueDays := e.Config.Billing.DueDays
	if dueDays <= 0 {
		dueDays = defaultDueDays
	}
	b := domain.Bill{
		ID:              fmt.Sprintf("BILL-%d-%03d", now.Year(), seq),
		ConsumerNumber:  conn.ConsumerNumber,
		Period:          now.Format("January 2006"),
		BillDate:        now.Format(time.DateOnly),
		DueDate:         now.AddDate(0, 0, dueDays).Format(time.DateOnly),
		PreviousReading: est.PreviousReading,
		CurrentReading:  est.CurrentReading,
		Consumption:     est.Consumption,
		Amount:          est.Total,
		DueAmount:       est.Total,
		Status:          domain.BillPending,
	}
	if err := e.Repo.InsertBill(ctx, tx, b); err != nil {
		return domain.Bill{}, err
	}
	ids := make([]string, 0, len(readings))
	for _, m := range readings {
		ids = append(ids, m.ID)
	}
	if err := e.Repo.MarkReadingsBilled(ctx, tx, b.ID, ids); err != nil {
		return domain.Bill{}, err
	}
	if err := e.Repo.AdjustDue(ctx, tx, conn.ConsumerNumber, b.Amount); err != nil {
		return domain.Bill{}, err
	}
	if err := e.Events.Append(ctx, tx, events.BillGenerated, "bill", b.ID, actorID, events.EventPayload{
		"consumer_number": b.ConsumerNumber, "amount": b.Amount, "due_date": b.DueDate, "readings": len(ids),
	}); err != nil {
		return domain.Bill{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Bill{}, err
	}
	e.Log.Info().Str("bill_id", b.ID).Str("consumer_number", b.ConsumerNumber).Int64("amount", b.Amount).Msg("bill generated")
	return b, nil
}

// PayBill settles the full due amount of a pending bill and issues a receipt.
func (e Engine) PayBill(ctx context.Context, id, method, actorID string) (domain.Payment, domain.Bill, error) {
	method = strings.ToLower(strings.TrimSpace(method))
	if !slices.Contains(PaymentMethods, method) {
		return domain.Payment{}, domain.Bill{}, fmt.Errorf("%w: %q", ErrPaymentMethod, method)
	}
	now := e.now().UTC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Payment{}, domain.Bill{}, err
	}
	defer tx.Rollback()
	b, err := e.Repo.GetBill(ctx, tx, strings.ToUpper(strings.TrimSpace(id)))
	if err != nil {
		return domain.Payment{}, domain.Bill{}, err
	}
	if b.Status == domain.BillPaid {
		return domain.Payment{}, domain.Bill{}, fmt.Errorf("%w: %s", ErrBillPaid, b.ID)
	}
	seq, err := e.Repo.NextSequence(ctx, tx, "RCPT", now.Year())
	if err != nil {
		return domain.Payment{}, domain.Bill{}, err
	}
	p := domain.Payment{
		TransactionID:  "TXN" + ulid.Make().String(),
		ReceiptNumber:  fmt.Sprintf("RCPT-%d-%06d", now.Year(), seq),
		BillID:         b.ID,
		ConsumerNumber: b.ConsumerNumber,
		Amount:         b.DueAmount,
		Method:         method,
		PaidBy:         actorID,
		PaidAt:         now.Format(time.RFC3339),
	}
	b.Status, b.DueAmount, b.PaidAt, b.TransactionID = domain.BillPaid, 0, p.PaidAt, p.TransactionID
	if err := e.Repo.UpdateBill(ctx, tx, b); err != nil {
		return domain.Payment{}, domain.Bill{}, err
	}
	if err := e.Repo.InsertPayment(ctx, tx, p); err != nil {
		return domain.Payment{}, domain.Bill{}, err
	}
	if err := e.Repo.AdjustDue(ctx, tx, b.ConsumerNumber, -p.Amount); err != nil {
		return domain.Payment{}, domain.Bill{}, err
	}
	if err := e.Events.Append(ctx, tx, events.BillPaid, "bill", b.ID, actorID, events.EventPayload{
		"consumer_number": b.ConsumerNumber, "amount": p.Amount, "method": p.Method,
		"transaction_id": p.TransactionID, "receipt_number": p.ReceiptNumber,
	}); err != nil {
		return domain.Payment{}, domain.Bill{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Payment{}, domain.Bill{}, err
	}
	e.Log.Info().Str("bill_id", b.ID).Str("receipt", p.ReceiptNumber).Int64("amount", p.Amount).Msg("bill paid")
	return p, b, nil
}

// Receipt returns the payment that settled a bill. Unpaid bills have none.
func (e Engine) Receipt(ctx context.Context, billID string) (domain.Payment, error) {
	p, err := e.Repo.PaymentForBill(ctx, strings.ToUpper(strings.TrimSpace(billID)))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Payment{}, fmt.Errorf("%w: no receipt for %s", repo.ErrNotFound, billID)
	}
	return p, err
}
