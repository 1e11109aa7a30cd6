// Package auth adapts the external identity provider. It only extracts an
// already-authenticated actor from a request; it never issues credentials to
// end users.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrMissingIdentity = errors.New("missing identity")
	ErrInvalidToken    = errors.New("invalid token")
	ErrUnknownRole     = errors.New("unknown role")
)

const (
	HeaderUserID = "X-User-ID"
	HeaderRole   = "X-User-Role"
)

type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator resolves the actor of a request. With a secret it verifies
// HMAC-signed bearer tokens; without one it trusts gateway headers.
type Authenticator struct {
	secret []byte
}

func New(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

func (a *Authenticator) verifying() bool { return len(a.secret) > 0 }

// Sign issues a token for actor. Used by tooling and tests.
func (a *Authenticator) Sign(actor models.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: actor.ID,
		Role:   actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "ride-dispatch",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) Verify(token string) (models.Actor, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return models.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return models.Actor{}, ErrInvalidToken
	}
	return actorFrom(claims.Role, claims.UserID)
}

// Identify extracts the actor of r. Tokens come from the Authorization
// header or, for websocket upgrades, the token query parameter.
func (a *Authenticator) Identify(r *http.Request) (models.Actor, error) {
	if !a.verifying() {
		return actorFrom(r.Header.Get(HeaderRole), r.Header.Get(HeaderUserID))
	}
	token := ""
	if h := r.Header.Get("Authorization"); h != "" {
		if parts := strings.SplitN(h, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			token = parts[1]
		}
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return models.Actor{}, ErrMissingIdentity
	}
	return a.Verify(token)
}

// Middleware rejects unidentified requests with 401 and stores the actor on
// the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.Identify(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

type ctxKey struct{}

func WithActor(ctx context.Context, actor models.Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, actor)
}

func FromContext(ctx context.Context) (models.Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(models.Actor)
	return a, ok
}

func actorFrom(role, id string) (models.Actor, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	id = strings.TrimSpace(id)
	if role == "" || id == "" {
		return models.Actor{}, ErrMissingIdentity
	}
	switch role {
	case models.RoleRider, models.RoleDriver, models.RoleAdmin:
		return models.Actor{Role: role, ID: id}, nil
	}
	return models.Actor{}, fmt.Errorf("%w: %s", ErrUnknownRole, role)
}
