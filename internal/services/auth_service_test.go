package services

import (
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type authStubStore struct {
	admins map[string]*Admin
}

func (s *authStubStore) FindAdminByEmail(email string) (*Admin, error) {
	if a, ok := s.admins[email]; ok {
		copy := *a
		return &copy, nil
	}
	return nil, nil
}

func TestAuthLogin(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("Secret123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	store := &authStubStore{admins: map[string]*Admin{
		"admin@example.com": {ID: "admin:admin@example.com", Email: "admin@example.com", PassHash: hash},
	}}
	svc := NewAuthService(store, func(uid, email string, ttl time.Duration) (string, error) {
		return "token:" + uid, nil
	}, time.Hour)
	svc.now = func() time.Time { return time.Unix(0, 0) }

	res, err := svc.Login("admin@example.com", "Secret123")
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if res.Token != "token:admin:admin@example.com" || !res.ExpiresAt.Equal(time.Unix(0, 0).Add(time.Hour)) {
		t.Fatalf("unexpected result %+v", res)
	}

	if _, err := svc.Login("admin@example.com", "wrong"); !IsCode(err, ErrorUnauthorized) {
		t.Fatalf("expected unauthorized for wrong password, got %v", err)
	}
	if _, err := svc.Login("missing@example.com", "Secret123"); !IsCode(err, ErrorUnauthorized) {
		t.Fatalf("expected unauthorized for missing admin, got %v", err)
	}
}

func TestAuthValidation(t *testing.T) {
	svc := NewAuthService(&authStubStore{}, func(uid, email string, ttl time.Duration) (string, error) {
		return "tok", nil
	}, 0)
	if _, err := svc.Login("", ""); !IsCode(err, ErrorInvalid) {
		t.Fatalf("expected validation error on login")
	}
	if svc.TokenTTL() != 24*time.Hour {
		t.Fatalf("default ttl %v", svc.TokenTTL())
	}
}
