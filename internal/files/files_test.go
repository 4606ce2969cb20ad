package files

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"civicwater/internal/workflow"
)

var policy = workflow.AttachmentPolicy{
	MaxFiles:     3,
	MaxBytes:     10 * 1024 * 1024,
	AllowedTypes: []string{"image/jpeg", "image/png", "application/pdf"},
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n")

func TestSaveAndOpen(t *testing.T) {
	s := Store{Dir: t.TempDir()}
	body := append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte("x"), 2048)...)
	a, err := s.Save(context.Background(), "bill.pdf", "application/octet-stream", bytes.NewReader(body), policy)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if a.ContentType != "application/pdf" || a.Size != int64(len(body)) || len(a.ID) != 26 {
		t.Fatalf("attachment: %+v", a)
	}
	if a.URL != "/v1/files/"+a.ID {
		t.Fatalf("url %s", a.URL)
	}
	f, err := s.Open(a.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	got, _ := io.ReadAll(f)
	if !bytes.Equal(got, body) {
		t.Fatalf("content mismatch")
	}
}

func TestSaveUsesURLPrefix(t *testing.T) {
	s := Store{Dir: t.TempDir(), URLPrefix: "/api/files"}
	a, err := s.Save(context.Background(), "meter.png", "image/png", bytes.NewReader(pngHeader), policy)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if a.URL != "/api/files/"+a.ID {
		t.Fatalf("url %s", a.URL)
	}
}

func TestSaveRejectsOversize(t *testing.T) {
	dir := t.TempDir()
	s := Store{Dir: dir}
	body := io.MultiReader(bytes.NewReader(pngHeader), io.LimitReader(zeros{}, 11*1024*1024))
	_, err := s.Save(context.Background(), "meter.png", "image/png", body, policy)
	if !errors.Is(err, workflow.ErrAttachmentRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("rejected blob left on disk: %d", len(entries))
	}
}

func TestSaveRejectsDisallowedType(t *testing.T) {
	s := Store{Dir: t.TempDir()}
	_, err := s.Save(context.Background(), "notes.txt", "image/png", strings.NewReader("plain text"), policy)
	if !errors.Is(err, workflow.ErrAttachmentRejected) {
		t.Fatalf("text labelled as png accepted: %v", err)
	}
	_, err = s.Save(context.Background(), "page.html", "", strings.NewReader("<html><body>hi</body></html>"), policy)
	if !errors.Is(err, workflow.ErrAttachmentRejected) {
		t.Fatalf("html accepted: %v", err)
	}
}

func TestOpenUnknown(t *testing.T) {
	s := Store{Dir: t.TempDir()}
	if _, err := s.Open("../../etc/passwd"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("path escape: %v", err)
	}
	if _, err := s.Open("01JD0000000000000000000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing blob: %v", err)
	}
}

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
