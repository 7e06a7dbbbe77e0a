// Package auth guards the operational endpoints (metrics, cache
// administration) behind a single admin principal.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const tokenLifetime = time.Hour

type adminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type Service struct {
	secret       []byte
	passwordHash []byte
}

// NewService takes the token signing secret and the bcrypt hash of the
// admin password.
func NewService(secret, passwordHash string) *Service {
	return &Service{secret: []byte(secret), passwordHash: []byte(passwordHash)}
}

// Login checks the admin password and issues a short-lived token.
func (s *Service) Login(password string) (string, error) {
	if len(s.passwordHash) == 0 {
		return "", errors.New("admin access not configured")
	}
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
		return "", errors.New("invalid credentials")
	}
	now := time.Now()
	claims := adminClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Service) parseToken(tokenStr string) error {
	token, err := jwt.ParseWithClaims(tokenStr, &adminClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("invalid token")
	}
	claims, ok := token.Claims.(*adminClaims)
	if !ok || claims.Role != "admin" {
		return errors.New("invalid claims")
	}
	return nil
}

// RequireAdmin rejects requests without a valid bearer token.
func (s *Service) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		if authz == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			http.Error(w, "invalid auth header", http.StatusUnauthorized)
			return
		}
		if err := s.parseToken(parts[1]); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
