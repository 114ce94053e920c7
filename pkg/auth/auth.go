// Package auth validates the HMAC-signed JWTs callers present and turns
// them into the collaborator identity the registry works with.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"

	"github.com/developer-mesh/collabcore/pkg/models"
)

// Common errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrNoToken      = errors.New("no token provided")
	ErrNoSecret     = errors.New("JWT secret not configured")
)

// Claims are the JWT claims of a collaborator token. The subject is the
// user id.
type Claims struct {
	jwt.RegisteredClaims
	FullName string `json:"full_name,omitempty"`
	Image    string `json:"image,omitempty"`
}

// Config configures a Validator
type Config struct {
	Secret     string
	Issuer     string
	Expiration time.Duration
}

// Validator checks and issues collaborator tokens
type Validator struct {
	config Config
	now    func() time.Time
}

// NewValidator creates a validator. Tokens are signed with HS256.
func NewValidator(config Config) *Validator {
	if config.Expiration <= 0 {
		config.Expiration = 24 * time.Hour
	}
	return &Validator{config: config, now: time.Now}
}

// Validate parses tokenString and returns the identity it carries
func (v *Validator) Validate(tokenString string) (*models.UserInfo, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}
	if v.config.Secret == "" {
		return nil, ErrNoSecret
	}

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.config.Secret), nil
	})
	if err != nil {
		return nil, errors.Wrap(ErrInvalidToken, err.Error())
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	// registered claims are checked against our clock so tests can move it
	now := v.now()
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return nil, ErrTokenExpired
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return nil, errors.Wrap(ErrInvalidToken, "token not valid yet")
	}
	if v.config.Issuer != "" && claims.Issuer != v.config.Issuer {
		return nil, errors.Wrapf(ErrInvalidToken, "unexpected issuer %q", claims.Issuer)
	}
	if claims.Subject == "" {
		return nil, errors.Wrap(ErrInvalidToken, "token has no subject")
	}

	return &models.UserInfo{
		ID:       claims.Subject,
		FullName: claims.FullName,
		Image:    claims.Image,
	}, nil
}

// Generate issues a token for user
func (v *Validator) Generate(user models.UserInfo) (string, error) {
	if v.config.Secret == "" {
		return "", ErrNoSecret
	}

	now := v.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    v.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.config.Expiration)),
		},
		FullName: user.FullName,
		Image:    user.Image,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(v.config.Secret))
}
