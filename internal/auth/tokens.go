package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/vigia-civic/vigia-api/internal/models"
	"github.com/vigia-civic/vigia-api/internal/utils"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer mints session access tokens
type TokenIssuer interface {
	Issue(user models.User, issuedAt, expiresAt time.Time) (string, error)
}

// TokenVerifier is implemented by issuers whose tokens can be checked offline
type TokenVerifier interface {
	Verify(token string) error
}

// OpaqueTokens issues random identifiers with no embedded meaning
type OpaqueTokens struct {
	IDs utils.IDGenerator
}

func (o OpaqueTokens) Issue(models.User, time.Time, time.Time) (string, error) {
	return o.IDs.NewID(), nil
}

// Claims are carried by signed session tokens
type Claims struct {
	Email string      `json:"email"`
	Role  models.Role `json:"role"`
	jwt.RegisteredClaims
}

// JWTTokens issues HS256 signed tokens. The stored session remains the
// authority; the signature only lets forged tokens be rejected early.
type JWTTokens struct {
	secret []byte
	issuer string
	ids    utils.IDGenerator
	clock  utils.Clock
}

func NewJWTTokens(secret, issuer string, ids utils.IDGenerator, clock utils.Clock) (*JWTTokens, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	if ids == nil {
		ids = utils.UUIDGenerator{}
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &JWTTokens{secret: []byte(secret), issuer: issuer, ids: ids, clock: clock}, nil
}

func (j *JWTTokens) Issue(user models.User, issuedAt, expiresAt time.Time) (string, error) {
	claims := Claims{
		Email: user.Email,
		Role:  user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    j.issuer,
			ID:        j.ids.NewID(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (j *JWTTokens) Verify(token string) error {
	_, err := j.Parse(token)
	return err
}

// Parse validates the signature, issuer and expiry and returns the claims
func (j *JWTTokens) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return j.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(j.issuer),
		jwt.WithTimeFunc(j.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}
