/*
auth.go - Bearer token identity and role guards

PURPOSE:
  Tokens are issued by the external auth service and signed with a shared
  HS256 secret. This layer only verifies them and turns the claims into a
  points.Actor on the request context. Handlers never look at headers.

CLAIMS:
  sub         user id (becomes changed_by on ledger entries)
  role        driver | sponsor | admin
  driver_id   set for drivers
  sponsor_id  set for sponsors

SEE ALSO:
  - server.go: Route groups guarded by RequireRole
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/points-engine/points"
)

// Claims is the token payload.
type Claims struct {
	Role      string `json:"role"`
	DriverID  string `json:"driver_id,omitempty"`
	SponsorID string `json:"sponsor_id,omitempty"`
	jwt.RegisteredClaims
}

type actorKey struct{}

// Authenticator verifies bearer tokens.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Issue signs a token for the actor. Used by the demo scenarios and tests;
// production tokens come from the auth service.
func (a *Authenticator) Issue(actor points.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:      string(actor.Role),
		DriverID:  string(actor.DriverID),
		SponsorID: string(actor.SponsorID),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(actor.UserID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses a token and returns the actor it identifies.
func (a *Authenticator) Verify(tokenString string) (points.Actor, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return points.Actor{}, err
	}
	if !token.Valid {
		return points.Actor{}, errors.New("invalid token")
	}

	actor := points.Actor{
		UserID:    points.UserID(claims.Subject),
		Role:      points.Role(claims.Role),
		DriverID:  points.DriverID(claims.DriverID),
		SponsorID: points.SponsorID(claims.SponsorID),
	}
	switch {
	case actor.UserID == "":
		return points.Actor{}, errors.New("token has no subject")
	case !actor.Role.Valid():
		return points.Actor{}, fmt.Errorf("unknown role %q", claims.Role)
	case actor.Role == points.RoleDriver && actor.DriverID == "":
		return points.Actor{}, errors.New("driver token has no driver_id")
	case actor.Role == points.RoleSponsor && actor.SponsorID == "":
		return points.Actor{}, errors.New("sponsor token has no sponsor_id")
	}
	return actor, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Missing or malformed Authorization header", nil)
			return
		}
		actor, err := a.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// RequireRole admits only the given roles.
func RequireRole(roles ...points.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFrom(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated", nil)
				return
			}
			for _, role := range roles {
				if actor.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "forbidden", "Insufficient role", nil)
		})
	}
}

func WithActor(ctx context.Context, actor points.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFrom(ctx context.Context) (points.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(points.Actor)
	return actor, ok
}

// actor is for handlers behind Middleware, where the actor is always set.
func actor(r *http.Request) points.Actor {
	a, _ := ActorFrom(r.Context())
	return a
}
