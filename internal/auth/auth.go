package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"venue_go/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier resolves a bearer token to a user id.
type Verifier interface {
	Verify(token string) (string, error)
}

// AccessClaims are the claims carried by access tokens.
type AccessClaims struct {
	Email     string `json:"email,omitempty"`
	TokenType string `json:"tokenType"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 access tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify returns the token subject. Any failure wraps domain.ErrUnauthorized.
func (v *JWTVerifier) Verify(token string) (string, error) {
	if len(v.secret) == 0 {
		return "", fmt.Errorf("no signing secret configured: %w", domain.ErrUnauthorized)
	}

	claims := &AccessClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, domain.ErrUnauthorized)
	}
	if claims.TokenType != "access" {
		return "", fmt.Errorf("token type %q: %w", claims.TokenType, domain.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("missing subject: %w", domain.ErrUnauthorized)
	}
	return claims.Subject, nil
}

type ctxKey struct{}

// WithUser returns a context carrying userID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserFrom returns the authenticated user attached by Optional.
func UserFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("missing authorization header")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}

// Optional attaches the user to the request context when a valid bearer token is present.
// Requests without one pass through anonymous; handlers decide whether that is allowed.
func Optional(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := BearerToken(r)
			if err == nil {
				if userID, err := v.Verify(token); err == nil {
					r = r.WithContext(WithUser(r.Context(), userID))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
