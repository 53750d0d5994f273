package util

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Operator roles. A viewer reads insights and metrics; an operator may also
// change insight status.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"

	// AllOrgs in the orgs claim grants every org.
	AllOrgs = "*"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// OperatorClaims are the claims of an operator bearer token.
type OperatorClaims struct {
	Role    string   `json:"role"`
	Orgs    []string `json:"orgs"`
	TokenID string   `json:"jti"`

	jwt.RegisteredClaims
}

// CanAccess reports whether the token is scoped to orgID.
func (c *OperatorClaims) CanAccess(orgID string) bool {
	for _, o := range c.Orgs {
		if o == orgID || o == AllOrgs {
			return true
		}
	}
	return false
}

// CanTransition reports whether the token may change insight status.
func (c *OperatorClaims) CanTransition() bool {
	return c.Role == RoleOperator
}

type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
	TokenTTL time.Duration
}

// JWTManager issues and validates HS256 operator tokens.
type JWTManager struct {
	config JWTConfig
	now    func() time.Time
}

func NewJWTManager(config JWTConfig) (*JWTManager, error) {
	if len(config.Secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	if config.TokenTTL == 0 {
		config.TokenTTL = time.Hour
	}
	return &JWTManager{config: config, now: time.Now}, nil
}

// WithClock returns a copy of j that reads time from now.
func (j *JWTManager) WithClock(now func() time.Time) *JWTManager {
	cp := *j
	cp.now = now
	return &cp
}

// Issue signs a token for subject. Tokens are minted by tooling and tests; the
// service only validates them.
func (j *JWTManager) Issue(subject, role string, orgs []string) (string, error) {
	tokenID, err := generateSecureTokenID()
	if err != nil {
		return "", fmt.Errorf("failed to generate token ID: %w", err)
	}
	now := j.now()
	claims := OperatorClaims{
		Role:    role,
		Orgs:    orgs,
		TokenID: tokenID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   subject,
			Issuer:    j.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.config.TokenTTL)),
		},
	}
	if j.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{j.config.Audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(j.config.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return s, nil
}

// ValidateToken parses and checks a token. Time claims are checked here
// against the manager clock so leeway applies to both exp and nbf.
func (j *JWTManager) ValidateToken(tokenString string) (*OperatorClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	token, err := parser.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(j.config.Secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	now := j.now()
	if !claims.VerifyExpiresAt(now.Add(-j.config.Leeway), true) {
		return nil, ErrTokenExpired
	}
	if !claims.VerifyNotBefore(now.Add(j.config.Leeway), false) {
		return nil, fmt.Errorf("%w: not yet valid", ErrInvalidToken)
	}
	if j.config.Issuer != "" && !claims.VerifyIssuer(j.config.Issuer, true) {
		return nil, fmt.Errorf("%w: issuer", ErrInvalidToken)
	}
	if j.config.Audience != "" && !claims.VerifyAudience(j.config.Audience, true) {
		return nil, fmt.Errorf("%w: audience", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if claims.Role != RoleViewer && claims.Role != RoleOperator {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return claims, nil
}

// generateSecureTokenID generates a cryptographically secure token ID
func generateSecureTokenID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}
