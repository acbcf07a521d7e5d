// Package auth covers both halves of the jarvis credential flow: HS256
// access/refresh token minting and verification on the server, and the
// bearer-token HTTP client used by front ends, which doubles as the chat
// session's credential source.
package auth

import (
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// ErrInvalidToken covers bad signatures, expiry, and kind mismatches.
var ErrInvalidToken = errors.New("invalid token")

// TokenKind distinguishes access tokens from refresh tokens. A refresh token
// must never authenticate a request, and vice versa.
type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

// Claims is the decoded payload of a jarvis token.
type Claims struct {
	UserID int64
	Role   string
	Kind   TokenKind
}

// TokenPair is the login/refresh response body.
type TokenPair struct {
	AccessToken  string `json:"access_token" yaml:"access_token"`
	RefreshToken string `json:"refresh_token" yaml:"refresh_token"`
	TokenType    string `json:"token_type,omitempty" yaml:"-"`
}

// Signer mints and verifies HS256 tokens.
type Signer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewSigner(secret string, accessTTL, refreshTTL time.Duration) *Signer {
	return &Signer{secret: []byte(secret), accessTTL: accessTTL, refreshTTL: refreshTTL}
}

// Mint creates a token of the given kind for the user.
func (s *Signer) Mint(userID int64, role string, kind TokenKind) (string, error) {
	ttl := s.accessTTL
	if kind == TokenRefresh {
		ttl = s.refreshTTL
	}
	claims := jwt.MapClaims{
		"sub":  strconv.FormatInt(userID, 10),
		"role": role,
		"type": string(kind),
		"exp":  jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return token, nil
}

// MintPair creates a fresh access + refresh pair.
func (s *Signer) MintPair(userID int64, role string) (TokenPair, error) {
	access, err := s.Mint(userID, role, TokenAccess)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.Mint(userID, role, TokenRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, TokenType: "bearer"}, nil
}

// Parse checks signature and expiry and returns the claims regardless of
// kind. All failures come back as ErrInvalidToken.
func (s *Signer) Parse(token string) (Claims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Claims{}, errors.Wrap(ErrInvalidToken, "parse")
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, errors.Wrap(ErrInvalidToken, "claims shape")
	}
	sub, _ := mc["sub"].(string)
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return Claims{}, errors.Wrap(ErrInvalidToken, "subject")
	}
	role, _ := mc["role"].(string)
	tokenKind, _ := mc["type"].(string)
	return Claims{UserID: userID, Role: role, Kind: TokenKind(tokenKind)}, nil
}

// Verify is Parse plus a kind requirement.
func (s *Signer) Verify(token string, kind TokenKind) (Claims, error) {
	claims, err := s.Parse(token)
	if err != nil {
		return Claims{}, err
	}
	if claims.Kind != kind {
		return Claims{}, errors.Wrapf(ErrInvalidToken, "kind %q, want %q", claims.Kind, kind)
	}
	return claims, nil
}
