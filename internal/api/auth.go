package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/caresync-rtc/internal/types"
)

const (
	tokenCookieKey = "token"
	tokenQueryKey  = "token"

	idClaim    = "id"
	emailClaim = "email"
	roleClaim  = "role"
	expClaim   = "exp"
)

var errNoToken = errors.New("no token in request")

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, id types.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFrom(ctx context.Context) (types.Identity, bool) {
	id, ok := ctx.Value(identityKey).(types.Identity)
	return id, ok
}

// tokenFromRequest looks for a token in the Authorization header, then the
// token cookie, then the token query parameter.
func tokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", errors.New("malformed authorization header")
		}
		return token, nil
	}

	if c, err := r.Cookie(tokenCookieKey); err == nil && c.Value != "" {
		return c.Value, nil
	}

	if t := r.URL.Query().Get(tokenQueryKey); t != "" {
		return t, nil
	}

	return "", errNoToken
}

func (s *App) verifyToken(tokenString string) (types.Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return types.Identity{}, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return types.Identity{}, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.Identity{}, errors.New("invalid token claims")
	}

	userId, _ := claims[idClaim].(string)
	userId = types.NormalizeId(userId)
	if !types.ValidId(userId) {
		return types.Identity{}, errors.New("invalid id claim")
	}

	role := types.Role(fmt.Sprint(claims[roleClaim]))
	if !role.IsParticipant() && role != types.RoleAdmin {
		return types.Identity{}, fmt.Errorf("invalid role claim %q", role)
	}

	return types.Identity{UserId: userId, Role: role}, nil
}

// SignToken issues a token in the format the hospital's auth service uses.
// The realtime service only verifies tokens; this exists for tooling and tests.
func SignToken(key []byte, id types.Identity, email string, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		idClaim:    id.UserId,
		emailClaim: email,
		roleClaim:  string(id.Role),
		expClaim:   time.Now().Add(exp).Unix(),
	})

	return token.SignedString(key)
}
