package httpadapter

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// Authenticator verifies the bearer token of /v1 requests. A request passes
// when the token equals the static API key or is an HS256 JWT signed with
// the configured secret. With neither configured every request passes.
type Authenticator struct {
	apiKey    string
	jwtSecret []byte
	parser    *jwt.Parser
}

func NewAuthenticator(apiKey, jwtSecret string) *Authenticator {
	a := &Authenticator{apiKey: strings.TrimSpace(apiKey)}
	if secret := strings.TrimSpace(jwtSecret); secret != "" {
		a.jwtSecret = []byte(secret)
		a.parser = jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		)
	}
	return a
}

func (a *Authenticator) Enabled() bool {
	return a.apiKey != "" || a.parser != nil
}

func (a *Authenticator) Authenticate(headerValue string) error {
	if !a.Enabled() {
		return nil
	}
	token, ok := bearerToken(headerValue)
	if !ok {
		return domain.WrapError(domain.ErrUnauthorized, "authenticate", errors.New("bearer token is required"))
	}
	if a.apiKey != "" && token == a.apiKey {
		return nil
	}
	if a.parser != nil {
		parsed, err := a.parser.Parse(token, func(*jwt.Token) (any, error) {
			return a.jwtSecret, nil
		})
		if err == nil && parsed.Valid {
			return nil
		}
	}
	return domain.WrapError(domain.ErrUnauthorized, "authenticate", errors.New("invalid token"))
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.Authenticate(r.Header.Get("Authorization")); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="invoices"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(headerValue string) (string, bool) {
	headerValue = strings.TrimSpace(headerValue)
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(headerValue, bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(headerValue, bearerPrefix))
	return token, token != ""
}
