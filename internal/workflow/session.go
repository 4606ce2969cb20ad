package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"civicwater/internal/domain"
	"civicwater/internal/trackid"
)

var (
	ErrNotEditable        = errors.New("form is not editable")
	ErrFirstStep          = errors.New("already at first step")
	ErrNotLastStep        = errors.New("submit is only allowed from the last step")
	ErrSubmitFailed       = errors.New("submission failed")
	ErrAttachmentRejected = errors.New("attachment rejected")
	ErrUnknownForm        = errors.New("unknown form")
)

type State string

const (
	StateEditing   State = "editing"
	StatePending   State = "pending"
	StateSubmitted State = "submitted"
)

// ValidationError carries one message per failing field.
type ValidationError struct {
	Step   int
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Issuer turns a validated session into a persisted record and returns its
// tracking identifier.
type Issuer interface {
	Issue(ctx context.Context, s *Session) (trackid.ID, error)
}

type IssuerFunc func(ctx context.Context, s *Session) (trackid.ID, error)

func (f IssuerFunc) Issue(ctx context.Context, s *Session) (trackid.ID, error) { return f(ctx, s) }

// Session is one citizen's pass through a form. It is owned by a single
// caller and is not safe for concurrent use.
type Session struct {
	Def         Definition
	Fields      map[string]string
	Attachments []domain.Attachment
	Step        int
	State       State
	Issued      trackid.ID
}

func NewSession(def Definition) *Session {
	return &Session{Def: def, Fields: map[string]string{}, State: StateEditing}
}

func (s *Session) LastStep() int { return len(s.Def.Steps) - 1 }

func (s *Session) Set(key, value string) error {
	if s.State != StateEditing {
		return ErrNotEditable
	}
	s.Fields[key] = value
	return nil
}

// SetAll copies every entry of fields into the session.
func (s *Session) SetAll(fields map[string]string) error {
	for k, v := range fields {
		if err := s.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) Get(key string) string { return s.Fields[key] }

// ValidateStep checks the rules of step i.
func (s *Session) ValidateStep(i int) error {
	if i < 0 || i >= len(s.Def.Steps) {
		return fmt.Errorf("step %d out of range", i)
	}
	st := s.Def.Steps[i]
	errs := map[string]string{}
	for _, rule := range st.Fields {
		if msg := rule.check(s.Fields[rule.Key]); msg != "" {
			errs[rule.Key] = msg
		}
	}
	if st.Check != nil {
		for k, msg := range st.Check(s.Fields) {
			if _, dup := errs[k]; !dup {
				errs[k] = msg
			}
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Step: i, Fields: errs}
	}
	return nil
}

// Validate checks every step and returns the first failing one.
func (s *Session) Validate() error {
	for i := range s.Def.Steps {
		if err := s.ValidateStep(i); err != nil {
			return err
		}
	}
	return nil
}

// Next moves forward when the current step is valid. At the last step it is
// a no-op.
func (s *Session) Next() error {
	if s.State != StateEditing {
		return ErrNotEditable
	}
	if err := s.ValidateStep(s.Step); err != nil {
		return err
	}
	if s.Step < s.LastStep() {
		s.Step++
	}
	return nil
}

// Back never clears entered values.
func (s *Session) Back() error {
	if s.State != StateEditing {
		return ErrNotEditable
	}
	if s.Step == 0 {
		return ErrFirstStep
	}
	s.Step--
	return nil
}

// Submit validates all steps, then asks the issuer for an identifier. While
// the issuer runs the session is pending; on failure it returns to the last
// step with its fields intact.
func (s *Session) Submit(ctx context.Context, issuer Issuer) (trackid.ID, error) {
	if s.State != StateEditing {
		return trackid.ID{}, ErrNotEditable
	}
	if s.Step != s.LastStep() {
		return trackid.ID{}, ErrNotLastStep
	}
	if err := s.Validate(); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			s.Step = ve.Step
		}
		return trackid.ID{}, err
	}
	s.State = StatePending
	id, err := issuer.Issue(ctx, s)
	if err != nil {
		s.State = StateEditing
		s.Step = s.LastStep()
		return trackid.ID{}, fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	}
	s.State = StateSubmitted
	s.Issued = id
	return id, nil
}
