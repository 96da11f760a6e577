package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultIssuer is the issuer expected when none is configured.
const DefaultIssuer = "agentbank"

var (
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrMissingSecret means the verifier was built without a key.
	ErrMissingSecret = errors.New("auth secret is not configured")
)

// Claims carries the operator identity issued by the upstream session service.
type Claims struct {
	Roles    []string `json:"roles,omitempty"`
	BranchID string   `json:"branch_id,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 bearer tokens. Tokens are issued elsewhere.
type Verifier struct {
	secret []byte
	issuer string
	skew   time.Duration
	now    func() time.Time
}

// NewVerifier builds a verifier for the shared secret. An empty issuer accepts DefaultIssuer.
func NewVerifier(secret, issuer string) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Verifier{
		secret: []byte(secret),
		issuer: issuer,
		skew:   5 * time.Second,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Verify parses token and validates signature, issuer, subject and timestamps.
func (v *Verifier) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithLeeway(v.skew))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := v.validateClaims(claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims.Roles = dedupeRoles(claims.Roles)
	return claims, nil
}

func (v *Verifier) validateClaims(claims *Claims) error {
	if claims.Issuer != v.issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil {
		return errors.New("expiry missing")
	}
	return nil
}

func dedupeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}
