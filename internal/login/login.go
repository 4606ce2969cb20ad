package login

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"civicwater/internal/config"
	"civicwater/internal/domain"
	"civicwater/internal/events"
	"civicwater/internal/repo"
)

var (
	ErrInvalidIdentifier = errors.New("enter a 10-digit mobile or a consumer number")
	ErrNotFound          = errors.New("no account for this identifier")
	ErrInvalidCode       = errors.New("invalid code")
	ErrExpired           = errors.New("code expired")
	ErrTooManyAttempts   = errors.New("too many attempts")
	ErrResendTooSoon     = errors.New("code already sent, wait before requesting another")
	ErrUnauthorized      = errors.New("unauthorized")
)

var (
	mobileRe   = regexp.MustCompile(`^\d{10}$`)
	consumerRe = regexp.MustCompile(`^WC-\d{4}-\d+$`)
)

// Sender delivers a code to the citizen's mobile.
type Sender interface {
	SendCode(ctx context.Context, mobile, code string) error
}

type SenderFunc func(ctx context.Context, mobile, code string) error

func (f SenderFunc) SendCode(ctx context.Context, mobile, code string) error { return f(ctx, mobile, code) }

// LogSender writes codes to the log. It stands in for an SMS gateway in
// development.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) SendCode(_ context.Context, mobile, code string) error {
	s.Log.Info().Str("mobile", maskMobile(mobile)).Str("code", code).Msg("otp issued")
	return nil
}

// Service runs the send/verify/select flow against the citizen directory.
type Service struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	OTP    config.OTPConfig
	Tokens Tokens
	Sender Sender
	Now    func() time.Time
	Log    zerolog.Logger
}

func New(db *sql.DB, cfg *config.Config, secret string) Service {
	return Service{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		OTP:    cfg.OTP,
		Tokens: Tokens{Secret: []byte(secret), TTL: cfg.OTP.TokenTTL.Duration},
		Sender: LogSender{Log: zerolog.Nop()},
		Now:    time.Now,
		Log:    zerolog.Nop(),
	}
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Challenge describes a code that was just sent.
type Challenge struct {
	Identifier  string    `json:"identifier"`
	Kind        Kind      `json:"kind"`
	SentTo      string    `json:"sentTo"`
	ExpiresAt   time.Time `json:"expiresAt"`
	ResendAfter time.Time `json:"resendAfter"`
}

// Result is a verified login.
type Result struct {
	Session                Session           `json:"-"`
	Properties             []domain.Property `json:"properties"`
	NeedsPropertySelection bool              `json:"needsPropertySelection"`
	Token                  string            `json:"token"`
	ExpiresAt              time.Time         `json:"expiresAt"`
}

// Normalize classifies a login identifier.
func Normalize(raw string) (string, Kind, error) {
	id := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case mobileRe.MatchString(id):
		return id, KindMobile, nil
	case consumerRe.MatchString(id):
		return id, KindConsumer, nil
	}
	return "", "", ErrInvalidIdentifier
}

// SendOTP issues a fresh code for a known identifier.
func (s Service) SendOTP(ctx context.Context, raw string) (Challenge, error) {
	id, kind, err := Normalize(raw)
	if err != nil {
		return Challenge{}, err
	}
	mobile, err := s.mobileFor(ctx, id, kind)
	if err != nil {
		return Challenge{}, err
	}
	now := s.now().UTC()
	if prev, err := s.Repo.GetChallenge(ctx, id); err == nil {
		if sent, perr := time.Parse(time.RFC3339, prev.SentAt); perr == nil && now.Before(sent.Add(s.OTP.ResendDelay.Duration)) {
			return Challenge{}, ErrResendTooSoon
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Challenge{}, err
	}
	code, err := randomCode(s.codeLength())
	if err != nil {
		return Challenge{}, err
	}
	expires := now.Add(s.OTP.Expiry.Duration)
	if err := s.Repo.PutChallenge(ctx, repo.OTPChallenge{
		Identifier: id,
		CodeHash:   s.hash(id, code),
		SentAt:     now.Format(time.RFC3339),
		ExpiresAt:  expires.Format(time.RFC3339),
	}); err != nil {
		return Challenge{}, err
	}
	if err := s.Sender.SendCode(ctx, mobile, code); err != nil {
		_ = s.Repo.DeleteChallenge(ctx, id)
		return Challenge{}, fmt.Errorf("deliver code: %w", err)
	}
	return Challenge{
		Identifier:  id,
		Kind:        kind,
		SentTo:      maskMobile(mobile),
		ExpiresAt:   expires,
		ResendAfter: now.Add(s.OTP.ResendDelay.Duration),
	}, nil
}

// VerifyOTP checks a code and opens a session. A mobile login with exactly
// one property selects it; with several the caller must SelectProperty.
func (s Service) VerifyOTP(ctx context.Context, raw, code string) (Result, error) {
	id, kind, err := Normalize(raw)
	if err != nil {
		return Result{}, err
	}
	ch, err := s.Repo.GetChallenge(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return Result{}, ErrInvalidCode
	}
	if err != nil {
		return Result{}, err
	}
	if s.OTP.MaxAttempts > 0 && ch.Attempts >= s.OTP.MaxAttempts {
		_ = s.Repo.DeleteChallenge(ctx, id)
		return Result{}, ErrTooManyAttempts
	}
	if exp, err := time.Parse(time.RFC3339, ch.ExpiresAt); err != nil || !s.now().Before(exp) {
		_ = s.Repo.DeleteChallenge(ctx, id)
		return Result{}, ErrExpired
	}
	if !hmac.Equal([]byte(ch.CodeHash), []byte(s.hash(id, strings.TrimSpace(code)))) {
		n, err := s.Repo.IncrementAttempts(ctx, id)
		if err != nil {
			return Result{}, err
		}
		if s.OTP.MaxAttempts > 0 && n >= s.OTP.MaxAttempts {
			_ = s.Repo.DeleteChallenge(ctx, id)
			return Result{}, ErrTooManyAttempts
		}
		return Result{}, ErrInvalidCode
	}
	if err := s.Repo.DeleteChallenge(ctx, id); err != nil {
		return Result{}, err
	}

	var res Result
	switch kind {
	case KindMobile:
		props, err := s.Repo.PropertiesByMobile(ctx, id)
		if err != nil {
			return Result{}, err
		}
		sess := MobileSession{Mobile: id, Properties: props}
		if len(props) == 1 {
			sess.PropertyID = props[0].ID
		}
		res = Result{Session: sess, Properties: props, NeedsPropertySelection: len(props) > 1}
	case KindConsumer:
		conn, err := s.Repo.GetConnection(ctx, id)
		if err != nil {
			return Result{}, err
		}
		prop, err := s.Repo.GetProperty(ctx, conn.PropertyID)
		if err != nil {
			return Result{}, err
		}
		res = Result{Session: ConsumerSession{ConsumerNumber: id, PropertyID: prop.ID}, Properties: []domain.Property{prop}}
	}
	if res.Token, res.ExpiresAt, err = s.Tokens.Session(res.Session); err != nil {
		return Result{}, err
	}
	if err := s.Events.Append(ctx, nil, events.LoginVerified, "citizen", id, id, events.EventPayload{
		"kind": string(kind), "property": res.Session.Property(),
	}); err != nil {
		return Result{}, err
	}
	s.Log.Info().Str("kind", string(kind)).Str("property", res.Session.Property()).Msg("login verified")
	return res, nil
}

// SelectProperty re-mints a mobile session's token for one of its properties.
func (s Service) SelectProperty(ctx context.Context, token, propertyID string) (Result, error) {
	claims, err := s.Tokens.Parse(token)
	if err != nil {
		return Result{}, err
	}
	if claims.Kind != KindMobile {
		return Result{}, fmt.Errorf("%w: property selection needs a mobile login", ErrUnauthorized)
	}
	props, err := s.Repo.PropertiesByMobile(ctx, claims.Subject)
	if err != nil {
		return Result{}, err
	}
	want := strings.ToUpper(strings.TrimSpace(propertyID))
	for _, p := range props {
		if p.ID != want {
			continue
		}
		sess := MobileSession{Mobile: claims.Subject, Properties: props, PropertyID: p.ID}
		res := Result{Session: sess, Properties: props}
		if res.Token, res.ExpiresAt, err = s.Tokens.Session(sess); err != nil {
			return Result{}, err
		}
		return res, nil
	}
	return Result{}, fmt.Errorf("%w: property %s", ErrNotFound, want)
}

// SessionFromClaims rebuilds a session from a verified citizen token.
func SessionFromClaims(c Claims) (Session, error) {
	switch c.Kind {
	case KindMobile:
		return MobileSession{Mobile: c.Subject, PropertyID: c.Property}, nil
	case KindConsumer:
		return ConsumerSession{ConsumerNumber: c.Subject, PropertyID: c.Property}, nil
	}
	return nil, fmt.Errorf("%w: not a citizen token", ErrUnauthorized)
}

func (s Service) mobileFor(ctx context.Context, id string, kind Kind) (string, error) {
	if kind == KindMobile {
		if _, err := s.Repo.GetCitizen(ctx, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", ErrNotFound
			}
			return "", err
		}
		return id, nil
	}
	conn, err := s.Repo.GetConnection(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	prop, err := s.Repo.GetProperty(ctx, conn.PropertyID)
	if err != nil {
		return "", err
	}
	return prop.Mobile, nil
}

func (s Service) codeLength() int {
	if s.OTP.Length > 0 {
		return s.OTP.Length
	}
	return 6
}

func (s Service) hash(id, code string) string {
	mac := hmac.New(sha256.New, s.Tokens.Secret)
	mac.Write([]byte(id + ":" + code))
	return hex.EncodeToString(mac.Sum(nil))
}

func randomCode(n int) (string, error) {
	var b strings.Builder
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}

func maskMobile(m string) string {
	if len(m) < 4 {
		return m
	}
	return strings.Repeat("X", len(m)-4) + m[len(m)-4:]
}
