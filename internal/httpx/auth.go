package httpx

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/ariefcatur/go-checkout-payments/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
)

// RoleService marks tokens minted for trusted backends.
const RoleService = "service_role"

// Claims is what checkout reads from a bearer token. Subject is the user id.
type Claims struct {
	Role  string `json:"role,omitempty"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	jwt.RegisteredClaims
}

type Auth struct {
	JWTSecret []byte
	// ServiceKey, when set, is also accepted verbatim as a service credential.
	ServiceKey string
}

type claimsKey struct{}

func claimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

func bearer(r *http.Request) (string, bool) {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func (a Auth) parse(tokenStr string) (*Claims, error) {
	if len(a.JWTSecret) == 0 {
		return nil, fmt.Errorf("jwt secret not configured")
	}
	c := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.JWTSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return c, nil
}

var (
	errAuthRequired = apperr.New(apperr.CodeAuthRequired, "Authentication required", http.StatusUnauthorized)
	errForbidden    = apperr.New(apperr.CodeForbidden, "Service credential required", http.StatusForbidden)
)

// RequireUser admits any valid bearer token that names a user.
func (a Auth) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := bearer(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errAuthRequired.ToHTTPError())
			return
		}
		c, err := a.parse(tok)
		if err != nil || c.Subject == "" {
			writeJSON(w, http.StatusUnauthorized, errAuthRequired.ToHTTPError())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, c)))
	})
}

// RequireService admits the service key or a token with the service role.
func (a Auth) RequireService(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := bearer(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errAuthRequired.ToHTTPError())
			return
		}
		if a.ServiceKey != "" && subtle.ConstantTimeCompare([]byte(tok), []byte(a.ServiceKey)) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		c, err := a.parse(tok)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errAuthRequired.ToHTTPError())
			return
		}
		if c.Role != RoleService {
			writeJSON(w, http.StatusForbidden, errForbidden.ToHTTPError())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, c)))
	})
}
