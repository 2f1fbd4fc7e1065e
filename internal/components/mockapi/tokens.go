package mockapi

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var errStaleToken = errors.New("token was issued before the last expiry")

// accessClaims are the claims carried by issued access tokens.
type accessClaims struct {
	Role       string `json:"role"`
	Generation int64  `json:"gen"`
	jwt.RegisteredClaims
}

type tokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// issue creates an access token and a fresh refresh token for user.
// Caller holds s.mu.
func (s *Server) issue(user User) (tokenPair, error) {
	now := s.opts.Now()
	claims := accessClaims{
		Role:       user.Role,
		Generation: s.generation,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.AccessTTL)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.opts.Secret)
	if err != nil {
		return tokenPair{}, fmt.Errorf("sign access token: %w", err)
	}

	refreshToken := uuid.NewString()
	s.refresh[refreshToken] = user.ID

	return tokenPair{
		AccessToken:  signed,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.opts.AccessTTL.Seconds()),
	}, nil
}

// verify checks signature, expiry and generation of an access token.
func (s *Server) verify(raw string) (*accessClaims, error) {
	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.opts.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.opts.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	if claims.Generation != gen {
		return nil, errStaleToken
	}
	return claims, nil
}
