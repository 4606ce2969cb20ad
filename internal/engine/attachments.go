package engine

import (
	"context"
	"fmt"
	"io"

	"civicwater/internal/domain"
	"civicwater/internal/events"
	"civicwater/internal/workflow"
)

// StoreAttachment saves an upload under the named form's policy and records
// it unlinked. Submit links it to the issued record.
func (e Engine) StoreAttachment(ctx context.Context, form, name, contentType string, r io.Reader, actorID string) (domain.Attachment, error) {
	defs, err := e.Forms()
	if err != nil {
		return domain.Attachment{}, err
	}
	def, ok := defs[form]
	if !ok {
		return domain.Attachment{}, fmt.Errorf("%w: %s", workflow.ErrUnknownForm, form)
	}
	if e.Files.Dir == "" {
		return domain.Attachment{}, fmt.Errorf("file store not configured")
	}
	a, err := e.Files.Save(ctx, name, contentType, r, def.Attachments)
	if err != nil {
		return domain.Attachment{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		_ = e.Files.Remove(a.ID)
		return domain.Attachment{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAttachment(ctx, tx, a, actorID); err != nil {
		_ = e.Files.Remove(a.ID)
		return domain.Attachment{}, err
	}
	if err := e.Events.Append(ctx, tx, events.AttachmentStored, "attachment", a.ID, actorID, events.EventPayload{
		"form": form, "name": a.Name, "content_type": a.ContentType, "size": a.Size,
	}); err != nil {
		_ = e.Files.Remove(a.ID)
		return domain.Attachment{}, err
	}
	if err := tx.Commit(); err != nil {
		_ = e.Files.Remove(a.ID)
		return domain.Attachment{}, err
	}
	a.CreatedBy = actorID
	e.Log.Debug().Str("attachment_id", a.ID).Str("form", form).Int64("size", a.Size).Msg("attachment stored")
	return a, nil
}

// Attachment returns stored metadata for id.
func (e Engine) Attachment(ctx context.Context, id string) (domain.Attachment, error) {
	return e.Repo.GetAttachment(ctx, id)
}
