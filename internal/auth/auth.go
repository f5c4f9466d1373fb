// Package auth verifies bearer tokens issued by the identity provider and
// answers plan-based permission questions.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
)

type Claims struct {
	UserID   string
	Plan     string
	Features []string
}

func (c Claims) HasPlan(plan string) bool {
	return c.Plan == plan
}

func (c Claims) HasFeature(feature string) bool {
	return slices.Contains(c.Features, feature)
}

type Authenticator interface {
	Authenticate(r *http.Request) (Claims, error)
}

// sessionClaims is the token payload. pla carries the active plan as
// "<scope>:<plan>" and fea a comma-separated feature list, each entry
// optionally scoped the same way.
type sessionClaims struct {
	Plan     string `json:"pla,omitempty"`
	Features string `json:"fea,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256-signed session tokens.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

func (v *Verifier) Authenticate(r *http.Request) (Claims, error) {
	bearer, err := extractBearer(r)
	if err != nil {
		return Claims{}, err
	}
	return v.Verify(bearer)
}

func (v *Verifier) Verify(token string) (Claims, error) {
	if len(v.secret) == 0 {
		return Claims{}, ErrInvalidToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var sc sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &sc, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(sc.Subject) == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return Claims{
		UserID:   sc.Subject,
		Plan:     unscope(sc.Plan),
		Features: splitFeatures(sc.Features),
	}, nil
}

// Sign issues a token for claims. It is used by tests and local tooling.
func (v *Verifier) Sign(c Claims) (string, error) {
	sc := sessionClaims{
		Plan:     c.Plan,
		Features: strings.Join(c.Features, ","),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: c.UserID,
			Issuer:  v.issuer,
		},
	}
	if sc.Plan != "" && !strings.Contains(sc.Plan, ":") {
		sc.Plan = "u:" + sc.Plan
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, sc).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func extractBearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingBearer
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}

func unscope(v string) string {
	if _, after, ok := strings.Cut(v, ":"); ok {
		return after
	}
	return v
}

func splitFeatures(raw string) []string {
	var out []string
	for _, f := range strings.Split(raw, ",") {
		if f = unscope(strings.TrimSpace(f)); f != "" {
			out = append(out, f)
		}
	}
	return out
}

type claimsKey struct{}

func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

func ClaimsFrom(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(Claims)
	return c, ok
}
