// Package storage issues and verifies tenant-bound download capabilities.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jnst/tenantkit/internal/clock"
	"github.com/jnst/tenantkit/internal/model"
)

// ErrInvalidToken is returned when a capability token fails verification.
var ErrInvalidToken = errors.New("storage: invalid token")

const keyRoot = "tenants"

// KeyFor builds an object key inside the tenant's namespace.
func KeyFor(tc model.TenantContext, parts ...string) string {
	elems := make([]string, 0, len(parts)+2)
	elems = append(elems, keyRoot, tc.TenantID())

	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			elems = append(elems, p)
		}
	}

	return strings.Join(elems, "/")
}

// TenantPrefix is the key prefix owned by tenantID.
func TenantPrefix(tenantID string) string {
	return keyRoot + "/" + tenantID + "/"
}

// Claims is the payload of a signed download token.
type Claims struct {
	TenantID string `json:"tid"`
	Key      string `json:"key"`
	jwt.RegisteredClaims
}

// Signer signs and verifies object download URLs.
type Signer struct {
	secret  []byte
	baseURL string
	clock   clock.Clock
}

// NewSigner creates a Signer. baseURL is the public prefix files are served under.
func NewSigner(secret, baseURL string, clk clock.Clock) (*Signer, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("%w: signing secret must be at least 16 bytes", model.ErrInvalidArgument)
	}

	if clk == nil {
		clk = clock.Real{}
	}

	return &Signer{secret: []byte(secret), baseURL: strings.TrimRight(baseURL, "/"), clock: clk}, nil
}

// SignURL returns a time-limited URL for key. The key must live under the caller's
// tenant prefix; any other key is refused, never rewritten.
func (s *Signer) SignURL(_ context.Context, tc model.TenantContext, key string, ttl time.Duration) (string, error) {
	if !tc.Valid() {
		return "", model.ErrAccessDenied
	}

	if !ownsKey(tc.TenantID(), key) {
		return "", fmt.Errorf("%w: key outside tenant namespace", model.ErrAccessDenied)
	}

	if ttl <= 0 {
		return "", fmt.Errorf("%w: ttl must be positive", model.ErrInvalidArgument)
	}

	now := s.clock.Now()
	claims := Claims{
		TenantID: tc.TenantID(),
		Key:      key,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tc.ActorID(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("storage: sign token: %w", err)
	}

	return s.baseURL + "/" + key + "?token=" + url.QueryEscape(token), nil
}

// Verify checks token's signature and expiry and that it was issued for key.
func (s *Signer) Verify(token, key string) (*Claims, error) {
	claims := &Claims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}

		return s.secret, nil
	}, jwt.WithTimeFunc(s.clock.Now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if !parsed.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Key != key || !ownsKey(claims.TenantID, key) {
		return nil, fmt.Errorf("%w: token not issued for this key", ErrInvalidToken)
	}

	return claims, nil
}

func ownsKey(tenantID, key string) bool {
	if tenantID == "" || key == "" {
		return false
	}

	// Reject traversal such as tenants/a/../b/x.
	if path.Clean(key) != key {
		return false
	}

	return strings.HasPrefix(key, TenantPrefix(tenantID))
}
