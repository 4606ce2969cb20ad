package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"civicwater/internal/domain"
	"civicwater/internal/repo"
	"civicwater/internal/timeline"
	"civicwater/internal/trackid"
)

// ErrTimeout is returned when the store does not answer before the lookup
// deadline. It is retryable and distinct from repo.ErrNotFound.
var ErrTimeout = errors.New("tracking lookup timed out")

const DefaultTimeout = 30 * time.Second

type Service struct {
	Store   repo.StatusRecordRepository
	Timeout time.Duration
}

type Result struct {
	ID       trackid.ID
	Record   domain.StatusRecord
	Progress float64
}

func New(store repo.StatusRecordRepository, timeout time.Duration) Service {
	return Service{Store: store, Timeout: timeout}
}

// Track normalises raw, parses it and looks the record up. Malformed input
// never reaches the store.
func (s Service) Track(ctx context.Context, raw string) (Result, error) {
	id, err := trackid.Parse(raw)
	if err != nil {
		return Result{}, err
	}
	return s.lookup(ctx, id)
}

// TrackConnection accepts APP and WNC identifiers only.
func (s Service) TrackConnection(ctx context.Context, raw string) (Result, error) {
	return s.trackFamily(ctx, raw, trackid.Application, trackid.FirstConnection)
}

// TrackGrievance accepts GRV identifiers only.
func (s Service) TrackGrievance(ctx context.Context, raw string) (Result, error) {
	return s.trackFamily(ctx, raw, trackid.Grievance)
}

func (s Service) trackFamily(ctx context.Context, raw string, families ...trackid.Family) (Result, error) {
	id, err := trackid.Parse(raw)
	if err != nil {
		return Result{}, err
	}
	for _, f := range families {
		if id.Family == f {
			return s.lookup(ctx, id)
		}
	}
	return Result{}, fmt.Errorf("%w: wrong family %s", trackid.ErrInvalidFormat, id.Family)
}

func (s Service) lookup(ctx context.Context, id trackid.ID) (Result, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	rec, err := s.Store.Get(ctx, id.String())
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return Result{}, fmt.Errorf("%w: %s", ErrTimeout, id)
		case errors.Is(err, repo.ErrNotFound):
			return Result{}, fmt.Errorf("%s: %w", id, repo.ErrNotFound)
		}
		return Result{}, err
	}
	if rec.ID != id.String() {
		return Result{}, fmt.Errorf("%s: %w", id, repo.ErrNotFound)
	}
	return Result{ID: id, Record: rec, Progress: timeline.ProgressOf(rec)}, nil
}
