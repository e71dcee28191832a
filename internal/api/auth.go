package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// ErrInvalidToken is returned by an Authenticator for a rejected token.
var ErrInvalidToken = errors.New("invalid or expired token")

// Authenticator verifies bearer tokens. Token issuance lives outside this
// service; implementations only validate.
type Authenticator interface {
	ValidateToken(token string) error
}

// StaticToken accepts a single shared token.
type StaticToken string

// ValidateToken compares in constant time.
func (s StaticToken) ValidateToken(token string) error {
	if s == "" || subtle.ConstantTimeCompare([]byte(s), []byte(token)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// AuthMiddleware requires a valid bearer token.
func (s *Server) AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.auth == nil {
			return c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error: "authentication service not available",
			})
		}

		parts := strings.SplitN(c.Request().Header.Get("Authorization"), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error: "missing bearer token, use 'Authorization: Bearer {token}'",
			})
		}
		if err := s.auth.ValidateToken(strings.TrimSpace(parts[1])); err != nil {
			s.log.With("ip", c.RealIP()).Warn("Rejected API token for %s", c.Request().URL.Path)
			return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: err.Error()})
		}
		return next(c)
	}
}
