// internal/agents/token.go
package agents

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "covernexus"

// Claims identify the caller: an agent, or with RoleMember a member who
// signed in by phone.
type Claims struct {
	AgentID  uuid.UUID `json:"aid"`
	MemberID uuid.UUID `json:"mid"`
	Code     string    `json:"code"`
	Role     string    `json:"role"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies HS256 agent tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &TokenManager{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for a.
func (tm *TokenManager) Issue(a *Agent) (string, time.Time, error) {
	return tm.sign(Claims{AgentID: a.ID, Code: a.Code, Role: a.Role}, a.Code)
}

// IssueMember signs a RoleMember token scoped to one member.
func (tm *TokenManager) IssueMember(memberID uuid.UUID, publicID string) (string, time.Time, error) {
	if memberID == uuid.Nil {
		return "", time.Time{}, fmt.Errorf("%w: missing member id", ErrInvalidInput)
	}
	return tm.sign(Claims{MemberID: memberID, Role: RoleMember}, publicID)
}

func (tm *TokenManager) sign(claims Claims, subject string) (string, time.Time, error) {
	now := tm.now()
	exp := now.Add(tm.ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies signature, issuer and expiry.
func (tm *TokenManager) Parse(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return tm.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(tm.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", ErrInvalidToken)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
