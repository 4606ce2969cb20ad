package files

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"civicwater/internal/domain"
	"civicwater/internal/workflow"
)

var ErrNotFound = errors.New("file not found")

// Store writes one file per attachment id under Dir.
type Store struct {
	Dir string
	// URLPrefix is the download route blobs are served under.
	URLPrefix string
	Now       func() time.Time
}

func (s Store) url(id string) string {
	prefix := s.URLPrefix
	if prefix == "" {
		prefix = "/v1/files"
	}
	return path.Join(prefix, id)
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Save copies r to disk when it satisfies policy. The declared content type
// is ignored in favour of the sniffed one unless sniffing is inconclusive.
// At most MaxBytes+1 bytes are read.
func (s Store) Save(ctx context.Context, name, contentType string, r io.Reader, policy workflow.AttachmentPolicy) (domain.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Attachment{}, err
	}
	if name == "" {
		return domain.Attachment{}, fmt.Errorf("%w: file name required", workflow.ErrAttachmentRejected)
	}
	if policy.MaxFiles == 0 && policy.MaxBytes == 0 && len(policy.AllowedTypes) == 0 {
		return domain.Attachment{}, errors.New("attachments are not accepted for this form")
	}
	src := r
	if policy.MaxBytes > 0 {
		src = io.LimitReader(r, policy.MaxBytes+1)
	}
	head := make([]byte, 512)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return domain.Attachment{}, err
	}
	head = head[:n]
	ct := workflow.NormalizeContentType(http.DetectContentType(head))
	if ct == "application/octet-stream" {
		if declared := workflow.NormalizeContentType(contentType); declared != "" {
			ct = declared
		}
	}
	if err := policy.Check(name, ct, 0); err != nil {
		return domain.Attachment{}, err
	}

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return domain.Attachment{}, err
	}
	id := ulid.Make().String()
	blob := filepath.Join(s.Dir, id)
	f, err := os.OpenFile(blob, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return domain.Attachment{}, err
	}
	size, err := io.Copy(f, io.MultiReader(bytes.NewReader(head), src))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = policy.Check(name, ct, size)
	}
	if err != nil {
		_ = os.Remove(blob)
		return domain.Attachment{}, err
	}
	return domain.Attachment{
		ID:          id,
		Name:        filepath.Base(name),
		ContentType: ct,
		Size:        size,
		URL:         s.url(id),
		CreatedAt:   s.now().UTC().Format(time.RFC3339),
	}, nil
}

// Open returns the blob for id. The caller closes it.
func (s Store) Open(id string) (*os.File, error) {
	if _, err := ulid.ParseStrict(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	f, err := os.Open(filepath.Join(s.Dir, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return f, err
}

// Remove deletes a blob. Removing a missing blob is not an error.
func (s Store) Remove(id string) error {
	if _, err := ulid.ParseStrict(id); err != nil {
		return nil
	}
	err := os.Remove(filepath.Join(s.Dir, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
