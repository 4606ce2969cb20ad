package repo

import (
	"context"
	"database/sql"
)

// OTPChallenge is the pending one-time code for a login identifier.
type OTPChallenge struct {
	Identifier string
	CodeHash   string
	SentAt     string
	ExpiresAt  string
	Attempts   int
}

// PutChallenge replaces any pending challenge for the identifier.
func (r Repo) PutChallenge(ctx context.Context, c OTPChallenge) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO otp_challenges(identifier,code_hash,sent_at,expires_at,attempts) VALUES (?,?,?,?,?)
ON CONFLICT(identifier) DO UPDATE SET code_hash=excluded.code_hash, sent_at=excluded.sent_at, expires_at=excluded.expires_at, attempts=excluded.attempts`,
		c.Identifier, c.CodeHash, c.SentAt, c.ExpiresAt, c.Attempts)
	return err
}

func (r Repo) GetChallenge(ctx context.Context, identifier string) (OTPChallenge, error) {
	var c OTPChallenge
	err := r.DB.QueryRowContext(ctx, `SELECT identifier,code_hash,sent_at,expires_at,attempts FROM otp_challenges WHERE identifier=?`, identifier).
		Scan(&c.Identifier, &c.CodeHash, &c.SentAt, &c.ExpiresAt, &c.Attempts)
	if err == sql.ErrNoRows {
		return OTPChallenge{}, ErrNotFound
	}
	return c, err
}

// IncrementAttempts returns the attempt count after the increment.
func (r Repo) IncrementAttempts(ctx context.Context, identifier string) (int, error) {
	if _, err := r.DB.ExecContext(ctx, `UPDATE otp_challenges SET attempts=attempts+1 WHERE identifier=?`, identifier); err != nil {
		return 0, err
	}
	c, err := r.GetChallenge(ctx, identifier)
	if err != nil {
		return 0, err
	}
	return c.Attempts, nil
}

func (r Repo) DeleteChallenge(ctx context.Context, identifier string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM otp_challenges WHERE identifier=?`, identifier)
	return err
}
