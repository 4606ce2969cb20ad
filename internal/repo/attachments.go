package repo

import (
	"context"
	"database/sql"

	"civicwater/internal/domain"
)

// InsertAttachment records uploaded attachment metadata. RecordID may be empty
// until the submission that references it is accepted.
func (r Repo) InsertAttachment(ctx context.Context, tx *sql.Tx, a domain.Attachment, createdBy string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO attachments(id,record_id,name,content_type,size,url,created_by,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, nullable(a.RecordID), a.Name, a.ContentType, a.Size, nullable(a.URL), nullable(createdBy), a.CreatedAt)
	return err
}

const attachmentColumns = `id,COALESCE(record_id,''),name,content_type,size,COALESCE(url,''),COALESCE(created_by,''),created_at`

func (r Repo) GetAttachment(ctx context.Context, id string) (domain.Attachment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE id=?`, id)
	var a domain.Attachment
	err := row.Scan(&a.ID, &a.RecordID, &a.Name, &a.ContentType, &a.Size, &a.URL, &a.CreatedBy, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Attachment{}, ErrNotFound
	}
	return a, err
}

// LinkAttachments binds unlinked attachments to recordID. An id that does not
// exist or already belongs to another record yields ErrNotFound.
func (r Repo) LinkAttachments(ctx context.Context, tx *sql.Tx, recordID string, ids []string) error {
	for _, id := range ids {
		res, err := r.q(tx).ExecContext(ctx, `UPDATE attachments SET record_id=? WHERE id=? AND (record_id IS NULL OR record_id=?)`, recordID, id, recordID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
	}
	return nil
}

func (r Repo) attachmentsFor(ctx context.Context, q queryer, recordID string) ([]domain.Attachment, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE record_id=? ORDER BY created_at, id`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Attachment
	for rows.Next() {
		var a domain.Attachment
		if err := rows.Scan(&a.ID, &a.RecordID, &a.Name, &a.ContentType, &a.Size, &a.URL, &a.CreatedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
