package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"luminova/backend/internal/models"
)

type contextKey string

const claimsKey contextKey = "claims"

// Claims is the JWT payload carried by bearer tokens.
type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

func (a *API) issueToken(u *models.User) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *API) parseToken(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// requireAuth wraps a handler with bearer-token authentication. When
// roles are given the caller's role must be one of them.
func (a *API) requireAuth(next http.HandlerFunc, roles ...models.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			a.writeError(w, http.StatusUnauthorized, "Missing bearer token", "unauthorized")
			return
		}
		claims, err := a.parseToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, "Invalid or expired token", "unauthorized")
			return
		}
		if len(roles) > 0 {
			allowed := false
			for _, role := range roles {
				if claims.Role == role {
					allowed = true
					break
				}
			}
			if !allowed {
				a.writeError(w, http.StatusForbidden, "Insufficient permissions", "forbidden")
				return
			}
		}
		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	}
}

func claimsFrom(r *http.Request) *Claims {
	claims, _ := r.Context().Value(claimsKey).(*Claims)
	return claims
}
