package workflow

import (
	"fmt"
	"mime"
	"strings"

	"civicwater/internal/domain"
)

// Rejection names a dropped file and why.
type Rejection struct {
	ID   string
	Name string
	Err  error
}

func (r Rejection) Error() string { return r.Name + ": " + r.Err.Error() }

func (r Rejection) Unwrap() error { return r.Err }

// NormalizeContentType strips parameters and lower-cases the media type.
func NormalizeContentType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mt
}

// Check reports why a single file would be refused by the policy, ignoring
// the file count.
func (p AttachmentPolicy) Check(name, contentType string, size int64) error {
	ct := NormalizeContentType(contentType)
	if len(p.AllowedTypes) > 0 && !contains(p.AllowedTypes, ct) {
		return fmt.Errorf("%w: type %s not allowed", ErrAttachmentRejected, ct)
	}
	if p.MaxBytes > 0 && size > p.MaxBytes {
		return fmt.Errorf("%w: %s exceeds %d MB", ErrAttachmentRejected, name, p.MaxBytes/(1024*1024))
	}
	return nil
}

// AddAttachments appends the files that satisfy the policy and reports the
// rest. Files past the cap are rejected, never kept.
func (s *Session) AddAttachments(files ...domain.Attachment) []Rejection {
	var rejected []Rejection
	if s.State != StateEditing {
		for _, f := range files {
			rejected = append(rejected, Rejection{ID: f.ID, Name: f.Name, Err: fmt.Errorf("%w: %w", ErrAttachmentRejected, ErrNotEditable)})
		}
		return rejected
	}
	policy := s.Def.Attachments
	for _, f := range files {
		if err := policy.Check(f.Name, f.ContentType, f.Size); err != nil {
			rejected = append(rejected, Rejection{ID: f.ID, Name: f.Name, Err: err})
			continue
		}
		if policy.MaxFiles > 0 && len(s.Attachments) >= policy.MaxFiles {
			rejected = append(rejected, Rejection{ID: f.ID, Name: f.Name, Err: fmt.Errorf("%w: at most %d files", ErrAttachmentRejected, policy.MaxFiles)})
			continue
		}
		f.ContentType = NormalizeContentType(f.ContentType)
		s.Attachments = append(s.Attachments, f)
	}
	return rejected
}

func (s *Session) RemoveAttachment(id string) bool {
	if s.State != StateEditing {
		return false
	}
	for i, a := range s.Attachments {
		if a.ID == id {
			s.Attachments = append(s.Attachments[:i], s.Attachments[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Session) AttachmentIDs() []string {
	ids := make([]string, len(s.Attachments))
	for i, a := range s.Attachments {
		ids[i] = a.ID
	}
	return ids
}
