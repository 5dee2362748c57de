package auth

import (
	"context"
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"
)

// AuthService checks the single configured admin credential and issues/
// validates access tokens. The admin surface treats auth as an opaque
// bearer-token gate — there is no user store, no OIDC, no refresh tokens.
type AuthService struct {
	username     string
	passwordHash []byte
	jwtManager   *JWTManager
}

// NewAuthService returns an AuthService for the given admin username and
// bcrypt-hashed password.
func NewAuthService(username string, passwordHash []byte, jwtManager *JWTManager) *AuthService {
	return &AuthService{
		username:     username,
		passwordHash: passwordHash,
		jwtManager:   jwtManager,
	}
}

// Login checks username/password against the configured credential and
// issues an access token on success.
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	if subtle.ConstantTimeCompare([]byte(username), []byte(s.username)) != 1 {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.jwtManager.GenerateAccessToken(s.username)
}

// ValidateAccessToken parses and verifies a JWT access token. Used by the
// HTTP middleware to authenticate incoming admin-surface requests.
func (s *AuthService) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.jwtManager.ValidateAccessToken(tokenString)
}

// JWTManager exposes the underlying manager so the HTTP router can build
// its Authenticate middleware without duplicating token validation.
func (s *AuthService) JWTManager() *JWTManager {
	return s.jwtManager
}
