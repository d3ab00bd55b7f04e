package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Operator tokens are minted out of band (ops tooling, CI for the
// integration suite) and presented as bearer tokens on the operator API.
// There is no login flow and no stored credentials.

// ErrInvalidToken is returned for malformed, expired or foreign tokens.
var ErrInvalidToken = errors.New("invalid token")

// Scopes carried by service tokens
const (
	// ScopeOperator may read state and drive lifecycle transitions
	ScopeOperator = "operator"
	// ScopeViewer may only read state
	ScopeViewer = "viewer"
)

// Claims are the claims of an operator service token.
type Claims struct {
	OperatorID string `json:"operator_id"`
	Scope      string `json:"scope"`
	jwt.RegisteredClaims
}

// SignServiceToken mints a token for the given operator subject.
func SignServiceToken(secret []byte, operatorID, scope string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		OperatorID: operatorID,
		Scope:      scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseServiceToken validates a bearer token and returns its claims.
func ParseServiceToken(secret []byte, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateScope reports whether a known scope value was supplied.
func ValidateScope(scope string) error {
	switch scope {
	case ScopeOperator, ScopeViewer:
		return nil
	default:
		return errors.New("invalid scope")
	}
}

// ScopeAllows reports whether the token scope covers the required one.
// Operator tokens cover viewer-level access.
func ScopeAllows(tokenScope, required string) bool {
	if tokenScope == required {
		return true
	}
	return tokenScope == ScopeOperator && required == ScopeViewer
}
