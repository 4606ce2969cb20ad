package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"civicwater/internal/domain"
	"civicwater/internal/repo"
)

type Store struct {
	mu      sync.RWMutex
	records map[string]domain.StatusRecord
	// Delay is applied to every read and aborts early when ctx is done.
	Delay time.Duration
}

var _ repo.StatusRecordRepository = (*Store)(nil)

func New(recs ...domain.StatusRecord) *Store {
	s := &Store{records: map[string]domain.StatusRecord{}}
	for _, r := range recs {
		s.Put(r)
	}
	return s
}

// Put inserts or replaces a record.
func (s *Store) Put(rec domain.StatusRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = clone(rec)
}

func (s *Store) wait(ctx context.Context) error {
	if s.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Store) Get(ctx context.Context, id string) (domain.StatusRecord, error) {
	if err := s.wait(ctx); err != nil {
		return domain.StatusRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.StatusRecord{}, repo.ErrNotFound
	}
	return clone(rec), nil
}

func (s *Store) List(ctx context.Context, f repo.RecordFilter) ([]domain.StatusRecord, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []domain.StatusRecord
	for _, rec := range s.records {
		if f.Matches(rec) {
			out = append(out, clone(rec))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt != out[j].SubmittedAt {
			return out[i].SubmittedAt > out[j].SubmittedAt
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func clone(rec domain.StatusRecord) domain.StatusRecord {
	rec.Timeline = append([]domain.StageEntry(nil), rec.Timeline...)
	rec.Attachments = append([]domain.Attachment(nil), rec.Attachments...)
	if rec.Fields != nil {
		fields := make(map[string]string, len(rec.Fields))
		for k, v := range rec.Fields {
			fields[k] = v
		}
		rec.Fields = fields
	}
	if rec.ContactOfficer != nil {
		co := *rec.ContactOfficer
		rec.ContactOfficer = &co
	}
	return rec
}
