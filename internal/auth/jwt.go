package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/rickgao/collabhub/internal/model"
)

var (
	// ErrMissingToken is returned when no token was presented.
	ErrMissingToken = errors.New("missing token")

	// ErrInvalidToken is returned for tokens that fail parsing, signature or
	// claim validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrNoKey is returned when a verifier or signer has no key material.
	ErrNoKey = errors.New("no signing key configured")
)

// Claims are the token claims mapped onto model.User. The subject is the
// user id.
type Claims struct {
	Email       string   `json:"email,omitempty"`
	WorkspaceID string   `json:"workspace_id"`
	Roles       []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// VerifierConfig configures a JWTVerifier. Exactly one of Secret and
// PublicKey is used; PublicKey wins when both are set.
type VerifierConfig struct {
	Secret    string
	PublicKey *rsa.PublicKey
	Issuer    string
	Leeway    time.Duration
}

// JWTVerifier authenticates handshake tokens.
type JWTVerifier struct {
	key    any
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier. clk may be nil.
func NewJWTVerifier(cfg VerifierConfig, clk clockwork.Clock) (*JWTVerifier, error) {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}

	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(clk.Now),
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	v := &JWTVerifier{}
	switch {
	case cfg.PublicKey != nil:
		v.key = cfg.PublicKey
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	case cfg.Secret != "":
		v.key = []byte(cfg.Secret)
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	default:
		return nil, ErrNoKey
	}
	v.parser = jwt.NewParser(opts...)
	return v, nil
}

// Verify parses token and returns the user it names.
func (v *JWTVerifier) Verify(_ context.Context, token string) (model.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return model.User{}, ErrMissingToken
	}

	var claims Claims
	parsed, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return model.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return model.User{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return model.User{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if claims.WorkspaceID == "" {
		return model.User{}, fmt.Errorf("%w: missing workspace_id", ErrInvalidToken)
	}

	return model.User{
		ID:          claims.Subject,
		Email:       strings.TrimSpace(claims.Email),
		WorkspaceID: claims.WorkspaceID,
		Roles:       claims.Roles,
	}, nil
}

// Signer issues tokens for users. Used by tooling and tests; the server only
// verifies.
type Signer struct {
	method jwt.SigningMethod
	key    any
	issuer string
	clock  clockwork.Clock
}

// NewHMACSigner signs HS256 tokens with secret.
func NewHMACSigner(secret, issuer string, clk clockwork.Clock) (*Signer, error) {
	if secret == "" {
		return nil, ErrNoKey
	}
	return newSigner(jwt.SigningMethodHS256, []byte(secret), issuer, clk), nil
}

// NewRSASigner signs RS256 tokens with key.
func NewRSASigner(key *rsa.PrivateKey, issuer string, clk clockwork.Clock) (*Signer, error) {
	if key == nil {
		return nil, ErrNoKey
	}
	return newSigner(jwt.SigningMethodRS256, key, issuer, clk), nil
}

func newSigner(m jwt.SigningMethod, key any, issuer string, clk clockwork.Clock) *Signer {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Signer{method: m, key: key, issuer: issuer, clock: clk}
}

// Issue returns a signed token for user valid for ttl.
func (s *Signer) Issue(user model.User, ttl time.Duration) (string, error) {
	if strings.TrimSpace(user.ID) == "" {
		return "", errors.New("user id required")
	}

	now := s.clock.Now()
	claims := Claims{
		Email:       user.Email,
		WorkspaceID: user.WorkspaceID,
		Roles:       user.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
