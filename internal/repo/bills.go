package repo

import (
	"context"
	"database/sql"

	"civicwater/internal/domain"
)

const billColumns = `id,consumer_number,period,bill_date,due_date,previous_reading,current_reading,consumption,amount,due_amount,status,COALESCE(paid_at,''),COALESCE(transaction_id,'')`

func scanBill(row rowScanner) (domain.Bill, error) {
	var b domain.Bill
	var status string
	err := row.Scan(&b.ID, &b.ConsumerNumber, &b.Period, &b.BillDate, &b.DueDate, &b.PreviousReading, &b.CurrentReading,
		&b.Consumption, &b.Amount, &b.DueAmount, &status, &b.PaidAt, &b.TransactionID)
	b.Status = domain.BillStatus(status)
	return b, err
}

func (r Repo) InsertBill(ctx context.Context, tx *sql.Tx, b domain.Bill) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO bills(id,consumer_number,period,bill_date,due_date,previous_reading,current_reading,consumption,amount,due_amount,status,paid_at,transaction_id)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.ConsumerNumber, b.Period, b.BillDate, b.DueDate, b.PreviousReading, b.CurrentReading, b.Consumption,
		b.Amount, b.DueAmount, string(b.Status), nullable(b.PaidAt), nullable(b.TransactionID))
	return err
}

// UpdateBill stores the payment side of a bill.
func (r Repo) UpdateBill(ctx context.Context, tx *sql.Tx, b domain.Bill) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE bills SET due_amount=?, status=?, paid_at=?, transaction_id=? WHERE id=?`,
		b.DueAmount, string(b.Status), nullable(b.PaidAt), nullable(b.TransactionID), b.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetBill(ctx context.Context, tx *sql.Tx, id string) (domain.Bill, error) {
	b, err := scanBill(r.q(tx).QueryRowContext(ctx, `SELECT `+billColumns+` FROM bills WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return domain.Bill{}, ErrNotFound
	}
	return b, err
}

// BillsByConnection returns the newest bill first.
func (r Repo) BillsByConnection(ctx context.Context, consumerNumber string) ([]domain.Bill, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+billColumns+` FROM bills WHERE consumer_number=? ORDER BY bill_date DESC, id DESC`, consumerNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r Repo) InsertPayment(ctx context.Context, tx *sql.Tx, p domain.Payment) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO payments(transaction_id,receipt_number,bill_id,consumer_number,amount,method,paid_by,paid_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.TransactionID, p.ReceiptNumber, p.BillID, p.ConsumerNumber, p.Amount, p.Method, p.PaidBy, p.PaidAt)
	return err
}

func (r Repo) PaymentForBill(ctx context.Context, billID string) (domain.Payment, error) {
	return r.PaymentForBillTx(ctx, nil, billID)
}

func (r Repo) PaymentForBillTx(ctx context.Context, tx *sql.Tx, billID string) (domain.Payment, error) {
	var p domain.Payment
	err := r.q(tx).QueryRowContext(ctx, `SELECT transaction_id,receipt_number,bill_id,consumer_number,amount,method,paid_by,paid_at FROM payments WHERE bill_id=?`, billID).
		Scan(&p.TransactionID, &p.ReceiptNumber, &p.BillID, &p.ConsumerNumber, &p.Amount, &p.Method, &p.PaidBy, &p.PaidAt)
	if err == sql.ErrNoRows {
		return domain.Payment{}, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertReading(ctx context.Context, tx *sql.Tx, m domain.MeterReading) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO meter_readings(id,consumer_number,previous_reading,reading,consumption,submitted_by,submitted_at,bill_id) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.ConsumerNumber, m.PreviousReading, m.Reading, m.Consumption, m.SubmittedBy, m.SubmittedAt, nullable(m.BillID))
	return err
}

// UnbilledReadings returns readings no bill covers yet, oldest first.
func (r Repo) UnbilledReadings(ctx context.Context, tx *sql.Tx, consumerNumber string) ([]domain.MeterReading, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,consumer_number,previous_reading,reading,consumption,submitted_by,submitted_at
FROM meter_readings WHERE consumer_number=? AND bill_id IS NULL ORDER BY submitted_at, id`, consumerNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.MeterReading
	for rows.Next() {
		var m domain.MeterReading
		if err := rows.Scan(&m.ID, &m.ConsumerNumber, &m.PreviousReading, &m.Reading, &m.Consumption, &m.SubmittedBy, &m.SubmittedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r Repo) MarkReadingsBilled(ctx context.Context, tx *sql.Tx, billID string, ids []string) error {
	for _, id := range ids {
		if _, err := r.q(tx).ExecContext(ctx, `UPDATE meter_readings SET bill_id=? WHERE id=? AND bill_id IS NULL`, billID, id); err != nil {
			return err
		}
	}
	return nil
}
