package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"

	"civicwater/internal/domain"
	"civicwater/internal/engine/auth"
	"civicwater/internal/login"
	"civicwater/internal/repo"
)

// Principal is the caller behind a request: a citizen session or an officer.
type Principal struct {
	ActorID string
	Roles   []string
	// Session is set for citizen tokens only.
	Session login.Session
	Source  string
	token   string
}

func (p Principal) Officer() bool { return p.Session == nil }

func (p Principal) authPrincipal() auth.Principal {
	return auth.Principal{ActorID: p.ActorID, Roles: p.Roles}
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// principalFromRequest returns the caller or a 401.
func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func citizenFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	p, err := principalFromRequest(ctx)
	if err != nil {
		return Principal{}, err
	}
	if p.Session == nil {
		return Principal{}, newAPIError(http.StatusForbidden, "forbidden", "citizen login required", nil)
	}
	return p, nil
}

// ownedProperties lists the properties a citizen session may act on: the
// selected property, or every property of the mobile before one is selected.
func ownedProperties(ctx context.Context, r repo.Repo, sess login.Session) ([]string, error) {
	if id := sess.Property(); id != "" {
		return []string{id}, nil
	}
	ms, ok := sess.(login.MobileSession)
	if !ok {
		return nil, nil
	}
	props, err := r.PropertiesByMobile(ctx, ms.Mobile)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(props))
	for _, p := range props {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func ownsConnection(ctx context.Context, r repo.Repo, sess login.Session, conn domain.Connection) (bool, error) {
	ids, err := ownedProperties(ctx, r, sess)
	if err != nil {
		return false, err
	}
	return slices.Contains(ids, conn.PropertyID), nil
}

// ownsRecord uses the same scope as the citizen record listing.
func ownsRecord(sess login.Session, rec domain.StatusRecord) bool {
	return citizenFilter(sess).Matches(rec)
}

func authenticateJWT(tokens login.Tokens, token string) (Principal, error) {
	claims, err := tokens.Parse(token)
	if err != nil {
		return Principal{}, err
	}
	p := Principal{ActorID: claims.Subject, Roles: claims.Roles, Source: "jwt", token: token}
	if claims.Kind != "" {
		sess, err := login.SessionFromClaims(claims)
		if err != nil {
			return Principal{}, err
		}
		p.Session = sess
		p.Roles = nil
	}
	return p, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if apiKey.ActorID == "" {
		return Principal{}, errors.New("api key missing actor")
	}
	return Principal{ActorID: apiKey.ActorID, Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware attaches a Principal when credentials are present.
// Anonymous requests pass through; routes that need a caller reject them.
// Bad credentials are always a 401.
func newAuthMiddleware(tokens login.Tokens, r repo.Repo, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKey := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			var (
				p   Principal
				err error
			)
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", nil))
					return
				}
				p, err = authenticateJWT(tokens, token)
			case apiKey != "":
				p, err = authenticateAPIKey(req.Context(), r, apiKey)
			default:
				next.ServeHTTP(w, req)
				return
			}
			if err != nil {
				log.Debug().Err(err).Str("path", req.URL.Path).Msg("authentication failed")
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
