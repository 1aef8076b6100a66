package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in tokens.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Claims represents JWT payload. An empty OrgID on an admin token grants every
// organization.
type Claims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
	OrgID   string `json:"org,omitempty"`
	jwt.RegisteredClaims
}

// Privileged reports whether the claims may act on other subjects.
func (c Claims) Privileged() bool { return c.Role == RoleAdmin }

// CanAccess reports whether the claims are scoped to orgID.
func (c Claims) CanAccess(orgID string) bool {
	if c.OrgID == "" {
		return c.Privileged()
	}
	return c.OrgID == orgID
}

// Token is a signed access token.
type Token struct {
	AccessToken string
	AccessExp   time.Time
}

// Issue signs an access token for subject.
func Issue(subject, role, orgID, issuer, key string, ttl time.Duration) (Token, error) {
	if subject == "" {
		return Token{}, errors.New("subject required")
	}
	if role != RoleAdmin && role != RoleMember {
		return Token{}, errors.New("unknown role")
	}
	now := time.Now()
	exp := now.Add(ttl)

	claims := Claims{
		Subject: subject,
		Role:    role,
		OrgID:   orgID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		return Token{}, err
	}
	return Token{AccessToken: signed, AccessExp: exp}, nil
}

// Parse validates a token and returns claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(key), nil
	})
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if issuer != "" && claims.Issuer != issuer {
		return Claims{}, errors.New("issuer mismatch")
	}
	return *claims, nil
}
