package services

import (
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Admin is an administrator allowed to manage links.
type Admin struct {
	ID       string
	Email    string
	PassHash []byte
}

type AuthStore interface {
	FindAdminByEmail(email string) (*Admin, error)
}

type TokenSigner func(uid, email string, ttl time.Duration) (string, error)

type AuthService struct {
	store     AuthStore
	now       func() time.Time
	signToken TokenSigner
	tokenTTL  time.Duration
}

type AuthResult struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

func NewAuthService(store AuthStore, signer TokenSigner, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuthService{
		store:     store,
		now:       func() time.Time { return time.Now().UTC() },
		signToken: signer,
		tokenTTL:  ttl,
	}
}

func (s *AuthService) Login(email, password string) (*AuthResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || strings.TrimSpace(password) == "" {
		return nil, NewInvalidError("email/password required")
	}
	a, err := s.store.FindAdminByEmail(email)
	if err != nil {
		return nil, err
	}
	if a == nil || len(a.PassHash) == 0 {
		return nil, NewUnauthorizedError("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword(a.PassHash, []byte(password)); err != nil {
		return nil, NewUnauthorizedError("invalid credentials")
	}
	if s.signToken == nil {
		return nil, NewInvalidError("token signer not configured")
	}
	token, err := s.signToken(a.ID, a.Email, s.tokenTTL)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, UserID: a.ID, ExpiresAt: s.now().Add(s.tokenTTL)}, nil
}

func (s *AuthService) TokenTTL() time.Duration {
	return s.tokenTTL
}
