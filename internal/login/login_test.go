package login_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"civicwater/internal/config"
	"civicwater/internal/db"
	"civicwater/internal/fixtures"
	"civicwater/internal/login"
	"civicwater/internal/migrate"
)

type testEnv struct {
	Svc   login.Service
	Ctx   context.Context
	Codes map[string]string
	Clock *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	if _, err := fixtures.Seed(ctx, conn); err != nil {
		t.Fatalf("seed: %v", err)
	}
	env := &testEnv{Ctx: ctx, Codes: map[string]string{}}
	clock := time.Date(2025, 12, 20, 9, 0, 0, 0, time.UTC)
	env.Clock = &clock
	svc := login.New(conn, config.Default(), "test-secret")
	svc.Now = func() time.Time { return *env.Clock }
	svc.Tokens.Now = svc.Now
	svc.Sender = login.SenderFunc(func(_ context.Context, mobile, code string) error {
		env.Codes[mobile] = code
		return nil
	})
	env.Svc = svc
	return env
}

func (env *testEnv) advance(d time.Duration) {
	*env.Clock = env.Clock.Add(d)
}

func TestMobileLoginWithSeveralProperties(t *testing.T) {
	env := newTestEnv(t)
	ch, err := env.Svc.SendOTP(env.Ctx, " 9876543210 ")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ch.Kind != login.KindMobile || ch.SentTo != "XXXXXX3210" {
		t.Fatalf("challenge: %+v", ch)
	}
	res, err := env.Svc.VerifyOTP(env.Ctx, "9876543210", env.Codes["9876543210"])
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.NeedsPropertySelection || len(res.Properties) != 3 || res.Session.Property() != "" {
		t.Fatalf("expected property selection: %+v", res)
	}
	sel, err := env.Svc.SelectProperty(env.Ctx, res.Token, "b2-5")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	claims, err := env.Svc.Tokens.Parse(sel.Token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "9876543210" || claims.Kind != login.KindMobile || claims.Property != "B2-5" {
		t.Fatalf("claims: %+v", claims)
	}
	if _, err := env.Svc.SelectProperty(env.Ctx, res.Token, "D1-8"); !errors.Is(err, login.ErrNotFound) {
		t.Fatalf("foreign property selected: %v", err)
	}
}

func TestSinglePropertyIsSelected(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Svc.SendOTP(env.Ctx, "9876543211"); err != nil {
		t.Fatalf("send: %v", err)
	}
	res, err := env.Svc.VerifyOTP(env.Ctx, "9876543211", env.Codes["9876543211"])
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.NeedsPropertySelection || res.Session.Property() != "D1-8" {
		t.Fatalf("single property not selected: %+v", res)
	}
}

func TestConsumerLogin(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Svc.SendOTP(env.Ctx, "wc-2025-007"); err != nil {
		t.Fatalf("send: %v", err)
	}
	res, err := env.Svc.VerifyOTP(env.Ctx, "WC-2025-007", env.Codes["9876543211"])
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	sess, ok := res.Session.(login.ConsumerSession)
	if !ok || sess.ConsumerNumber != "WC-2025-007" || sess.PropertyID != "D1-8" {
		t.Fatalf("session: %#v", res.Session)
	}
	if _, err := env.Svc.SelectProperty(env.Ctx, res.Token, "D1-8"); !errors.Is(err, login.ErrUnauthorized) {
		t.Fatalf("consumer token should not select: %v", err)
	}
}

func TestUnknownIdentifierHasNoFallback(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Svc.SendOTP(env.Ctx, "9000000000"); !errors.Is(err, login.ErrNotFound) {
		t.Fatalf("unknown mobile: %v", err)
	}
	if _, err := env.Svc.SendOTP(env.Ctx, "WC-2025-999"); !errors.Is(err, login.ErrNotFound) {
		t.Fatalf("unknown consumer: %v", err)
	}
	if _, err := env.Svc.SendOTP(env.Ctx, "12345"); !errors.Is(err, login.ErrInvalidIdentifier) {
		t.Fatalf("malformed: %v", err)
	}
}

func TestResendDelayAndExpiry(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Svc.SendOTP(env.Ctx, "9876543210"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := env.Svc.SendOTP(env.Ctx, "9876543210"); !errors.Is(err, login.ErrResendTooSoon) {
		t.Fatalf("expected resend delay: %v", err)
	}
	env.advance(61 * time.Second)
	if _, err := env.Svc.SendOTP(env.Ctx, "9876543210"); err != nil {
		t.Fatalf("resend: %v", err)
	}
	code := env.Codes["9876543210"]
	env.advance(5 * time.Minute)
	if _, err := env.Svc.VerifyOTP(env.Ctx, "9876543210", code); !errors.Is(err, login.ErrExpired) {
		t.Fatalf("expected expiry: %v", err)
	}
}

func TestAttemptsAreBounded(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Svc.SendOTP(env.Ctx, "9876543210"); err != nil {
		t.Fatalf("send: %v", err)
	}
	code := env.Codes["9876543210"]
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	for i := 0; i < 2; i++ {
		if _, err := env.Svc.VerifyOTP(env.Ctx, "9876543210", wrong); !errors.Is(err, login.ErrInvalidCode) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if _, err := env.Svc.VerifyOTP(env.Ctx, "9876543210", wrong); !errors.Is(err, login.ErrTooManyAttempts) {
		t.Fatalf("third attempt: %v", err)
	}
	if _, err := env.Svc.VerifyOTP(env.Ctx, "9876543210", code); !errors.Is(err, login.ErrInvalidCode) {
		t.Fatalf("challenge should be gone: %v", err)
	}
}

func TestTokenRejectsTamperingAndExpiry(t *testing.T) {
	now := time.Date(2025, 12, 20, 9, 0, 0, 0, time.UTC)
	tokens := login.Tokens{Secret: []byte("s1"), TTL: time.Hour, Now: func() time.Time { return now }}
	tok, _, err := tokens.Officer("officer-1", []string{"officer"})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	claims, err := tokens.Parse(tok)
	if err != nil || len(claims.Roles) != 1 {
		t.Fatalf("parse: %v %+v", err, claims)
	}
	other := login.Tokens{Secret: []byte("s2"), Now: tokens.Now}
	if _, err := other.Parse(tok); !errors.Is(err, login.ErrUnauthorized) {
		t.Fatalf("wrong secret accepted: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if _, err := tokens.Parse(tok); !errors.Is(err, login.ErrUnauthorized) {
		t.Fatalf("expired token accepted: %v", err)
	}
	if _, err := login.SessionFromClaims(claims); !errors.Is(err, login.ErrUnauthorized) {
		t.Fatalf("officer claims as citizen: %v", err)
	}
}
