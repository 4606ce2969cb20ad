package repo

import (
	"context"
	"database/sql"
	"strings"

	"civicwater/internal/domain"
)

func (r Repo) UpsertCitizen(ctx context.Context, tx *sql.Tx, c domain.Citizen) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO citizens(mobile,name) VALUES (?,?) ON CONFLICT(mobile) DO UPDATE SET name=excluded.name`, c.Mobile, c.Name)
	return err
}

// UpsertProperty stores the property and its connections. Readings and dues
// of an existing connection are kept; billing owns them after the first
// insert.
func (r Repo) UpsertProperty(ctx context.Context, tx *sql.Tx, p domain.Property) error {
	if _, err := r.q(tx).ExecContext(ctx, `INSERT INTO properties(id,mobile,address) VALUES (?,?,?) ON CONFLICT(id) DO UPDATE SET mobile=excluded.mobile, address=excluded.address`,
		p.ID, p.Mobile, p.Address); err != nil {
		return err
	}
	for _, c := range p.Connections {
		c.PropertyID = p.ID
		if _, err := r.q(tx).ExecContext(ctx, `INSERT INTO connections(consumer_number,property_id,category,type,size,billing_frequency,meter_type,last_reading,due_amount)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(consumer_number) DO UPDATE SET property_id=excluded.property_id, category=excluded.category, type=excluded.type, size=excluded.size,
  billing_frequency=excluded.billing_frequency, meter_type=excluded.meter_type`,
			c.ConsumerNumber, c.PropertyID, c.Category, c.Type, c.Size, c.BillingFrequency, c.MeterType, c.LastReading, c.DueAmount); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetCitizen(ctx context.Context, mobile string) (domain.Citizen, error) {
	var c domain.Citizen
	err := r.DB.QueryRowContext(ctx, `SELECT mobile,name FROM citizens WHERE mobile=?`, strings.TrimSpace(mobile)).Scan(&c.Mobile, &c.Name)
	if err == sql.ErrNoRows {
		return domain.Citizen{}, ErrNotFound
	}
	return c, err
}

// PropertiesByMobile returns the citizen's properties with their connections.
func (r Repo) PropertiesByMobile(ctx context.Context, mobile string) ([]domain.Property, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,mobile,address FROM properties WHERE mobile=? ORDER BY id`, mobile)
	if err != nil {
		return nil, err
	}
	var props []domain.Property
	for rows.Next() {
		var p domain.Property
		if err := rows.Scan(&p.ID, &p.Mobile, &p.Address); err != nil {
			rows.Close()
			return nil, err
		}
		props = append(props, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range props {
		if props[i].Connections, err = r.ConnectionsByProperty(ctx, props[i].ID); err != nil {
			return nil, err
		}
	}
	return props, nil
}

func (r Repo) GetProperty(ctx context.Context, id string) (domain.Property, error) {
	var p domain.Property
	err := r.DB.QueryRowContext(ctx, `SELECT id,mobile,address FROM properties WHERE id=?`, id).Scan(&p.ID, &p.Mobile, &p.Address)
	if err == sql.ErrNoRows {
		return domain.Property{}, ErrNotFound
	}
	if err != nil {
		return domain.Property{}, err
	}
	p.Connections, err = r.ConnectionsByProperty(ctx, p.ID)
	return p, err
}

const connectionColumns = `consumer_number,property_id,category,type,size,billing_frequency,meter_type,COALESCE(last_reading,0),due_amount`

func scanConnection(row rowScanner) (domain.Connection, error) {
	var c domain.Connection
	err := row.Scan(&c.ConsumerNumber, &c.PropertyID, &c.Category, &c.Type, &c.Size, &c.BillingFrequency, &c.MeterType, &c.LastReading, &c.DueAmount)
	return c, err
}

func (r Repo) ConnectionsByProperty(ctx context.Context, propertyID string) ([]domain.Connection, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE property_id=? ORDER BY consumer_number`, propertyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetConnection looks a connection up by consumer number (WC-YYYY-NNN).
func (r Repo) GetConnection(ctx context.Context, consumerNumber string) (domain.Connection, error) {
	return r.GetConnectionTx(ctx, nil, consumerNumber)
}

func (r Repo) GetConnectionTx(ctx context.Context, tx *sql.Tx, consumerNumber string) (domain.Connection, error) {
	c, err := scanConnection(r.q(tx).QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE consumer_number=?`,
		strings.ToUpper(strings.TrimSpace(consumerNumber))))
	if err == sql.ErrNoRows {
		return domain.Connection{}, ErrNotFound
	}
	return c, err
}

// SetLastReading records the meter reading the next bill starts from.
func (r Repo) SetLastReading(ctx context.Context, tx *sql.Tx, consumerNumber string, reading int64) error {
	return r.updateConnection(ctx, tx, `UPDATE connections SET last_reading=? WHERE consumer_number=?`, reading, consumerNumber)
}

// AdjustDue adds delta to the outstanding amount, never going below zero.
func (r Repo) AdjustDue(ctx context.Context, tx *sql.Tx, consumerNumber string, delta int64) error {
	return r.updateConnection(ctx, tx, `UPDATE connections SET due_amount=MAX(due_amount+?, 0) WHERE consumer_number=?`, delta, consumerNumber)
}

func (r Repo) updateConnection(ctx context.Context, tx *sql.Tx, query string, v int64, consumerNumber string) error {
	res, err := r.q(tx).ExecContext(ctx, query, v, consumerNumber)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
