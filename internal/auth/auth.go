// Package auth guards the HTTP API with static API keys (stored as bcrypt
// hashes in config) and HS256 JWTs. Disabled by default so local runs work
// without credentials.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/loomworks/loom/internal/faults"
)

const issuer = "loom"

// Config holds the auth settings. APIKeys maps a caller name to the bcrypt
// hash of its key; JWTSecret enables bearer-token validation.
type Config struct {
	Enabled   bool              `mapstructure:"enabled"`
	JWTSecret string            `mapstructure:"jwt_secret"`
	APIKeys   map[string]string `mapstructure:"api_keys"`
}

// Principal identifies an authenticated caller.
type Principal struct {
	Name   string
	Method string // "api_key" or "jwt"
}

type contextKey struct{}

// FromContext returns the principal stored by the middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

// WithPrincipal returns a context carrying the principal.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

type claims struct {
	jwt.RegisteredClaims
	Name string `json:"name"`
}

// Authenticator validates API keys and JWTs.
type Authenticator struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Enabled && cfg.JWTSecret == "" && len(cfg.APIKeys) == 0 {
		return nil, faults.New(faults.Configuration, "auth enabled but no jwt secret or api keys configured")
	}
	for name, hash := range cfg.APIKeys {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, faults.Errorf(faults.Configuration, "api key for %q is not a bcrypt hash", name)
		}
	}
	return &Authenticator{cfg: cfg, logger: logger}, nil
}

// Enabled reports whether requests must authenticate.
func (a *Authenticator) Enabled() bool { return a.cfg.Enabled }

// Authenticate resolves a bearer credential to a principal. JWTs are tried
// first (they are self-describing); anything else is matched against the
// configured API key hashes.
func (a *Authenticator) Authenticate(token string) (Principal, error) {
	if token == "" {
		return Principal{}, faults.New(faults.Auth, "missing credentials")
	}
	if a.cfg.JWTSecret != "" && strings.Count(token, ".") == 2 {
		return a.validateJWT(token)
	}
	return a.validateAPIKey(token)
}

// ExtractBearer pulls the credential out of an Authorization header value.
func ExtractBearer(header string) (string, error) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", faults.New(faults.Auth, "authorization header is not a bearer credential")
	}
	return strings.TrimSpace(header[len(prefix):]), nil
}

// IssueToken mints an HS256 JWT for the named caller. Used by operators to
// hand out short-lived credentials.
func (a *Authenticator) IssueToken(name string, ttl time.Duration) (string, error) {
	if a.cfg.JWTSecret == "" {
		return "", faults.New(faults.Configuration, "jwt secret is not configured")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   name,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: name,
	})
	signed, err := token.SignedString([]byte(a.cfg.JWTSecret))
	if err != nil {
		return "", faults.Wrap(faults.Internal, "signing token", err)
	}
	return signed, nil
}

func (a *Authenticator) validateJWT(token string) (Principal, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, faults.Errorf(faults.Auth, "unexpected signing method %v", t.Header["alg"])
		}
		return []byte(a.cfg.JWTSecret), nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return Principal{}, faults.Wrap(faults.Auth, "invalid token", err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return Principal{}, faults.New(faults.Auth, "invalid token claims")
	}
	name := c.Name
	if name == "" {
		name = c.Subject
	}
	return Principal{Name: name, Method: "jwt"}, nil
}

func (a *Authenticator) validateAPIKey(key string) (Principal, error) {
	for name, hash := range a.cfg.APIKeys {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil {
			return Principal{Name: name, Method: "api_key"}, nil
		}
	}
	return Principal{}, faults.New(faults.Auth, "unknown api key")
}

// HashAPIKey produces the bcrypt hash to store in config for a raw key.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", faults.Wrap(faults.Internal, "hashing api key", err)
	}
	return string(hash), nil
}
