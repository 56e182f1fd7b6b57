package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is stamped into and required on every access token.
const Issuer = "concord"

var ErrInvalidToken = errors.New("invalid token")

// Claims defines the JWT payload for access tokens. Subject carries the
// user's snowflake as a decimal string.
type Claims struct {
	UserID int64 `json:"user_id,string"`
	jwt.RegisteredClaims
}

// TokenService signs and validates HS256 access tokens. Token issuance for
// end users lives outside this service; the CLI mints tokens for operators.
type TokenService struct {
	secret       []byte
	accessExpiry time.Duration
}

// NewTokenService creates a TokenService with the given HMAC secret and a
// one hour access token lifetime.
func NewTokenService(secret string) *TokenService {
	return &TokenService{
		secret:       []byte(secret),
		accessExpiry: time.Hour,
	}
}

// WithAccessExpiry returns a copy of ts that issues tokens valid for d.
func (ts *TokenService) WithAccessExpiry(d time.Duration) *TokenService {
	cp := *ts
	cp.accessExpiry = d
	return &cp
}

// GenerateAccessToken creates a signed JWT with the given user ID.
func (ts *TokenService) GenerateAccessToken(userID int64) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.accessExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ts.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken parses and validates a JWT, returning the claims.
// Tokens from another issuer or whose subject disagrees with user_id are
// rejected.
func (ts *TokenService) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return ts.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject != strconv.FormatInt(claims.UserID, 10) {
		return nil, fmt.Errorf("%w: subject mismatch", ErrInvalidToken)
	}
	return claims, nil
}
