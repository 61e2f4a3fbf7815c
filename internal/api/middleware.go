package api

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey int

const claimsKey contextKey = 0

// JWTConfig configures JWTMiddleware.
type JWTConfig struct {
	// PublicKey verifies RS256 signatures. A nil key disables authentication
	// in NewRouter.
	PublicKey *rsa.PublicKey
	// Issuer, when set, must match the "iss" claim.
	Issuer string
	// Audience, when set, must appear in the "aud" claim.
	Audience string
	// Logger records rejected requests. Defaults to slog.Default().
	Logger *slog.Logger
}

// LoadPublicKey reads a PEM-encoded RSA public key (PKIX or PKCS#1) from path.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("api: read public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("api: parse public key %q: %w", path, err)
	}
	return key, nil
}

// ClaimsFromContext returns the claims stored by JWTMiddleware.
func ClaimsFromContext(ctx context.Context) (*jwt.RegisteredClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*jwt.RegisteredClaims)
	return c, ok
}

// JWTMiddleware rejects requests that do not carry a valid RS256 bearer
// token with HTTP 401 and {"error":"unauthorized"}. Verified claims are
// stored in the request context.
func JWTMiddleware(cfg JWTConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	keyFunc := func(*jwt.Token) (any, error) {
		if cfg.PublicKey == nil {
			return nil, errors.New("no verification key configured")
		}
		return cfg.PublicKey, nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := authenticate(r, parser, keyFunc)
			if err != nil {
				logger.Warn("api: authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.Any("error", err),
				)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(r *http.Request, parser *jwt.Parser, keyFunc jwt.Keyfunc) (*jwt.RegisteredClaims, error) {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return nil, errors.New("missing or malformed Authorization header")
	}

	claims := &jwt.RegisteredClaims{}
	if _, err := parser.ParseWithClaims(raw, claims, keyFunc); err != nil {
		return nil, err
	}
	return claims, nil
}
