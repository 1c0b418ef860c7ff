package api

import (
	"strings"

	"github.com/lobby-research/lobby/internal/services"
)

// AdminCredential is an administrator account supplied through config.
type AdminCredential struct {
	Email        string
	PasswordHash string
}

type authStoreAdapter struct {
	admins map[string]AdminCredential
}

func newAuthStoreAdapter(admins []AdminCredential) services.AuthStore {
	m := make(map[string]AdminCredential, len(admins))
	for _, a := range admins {
		email := strings.ToLower(strings.TrimSpace(a.Email))
		if email == "" || a.PasswordHash == "" {
			continue
		}
		m[email] = a
	}
	return &authStoreAdapter{admins: m}
}

func (a *authStoreAdapter) FindAdminByEmail(email string) (*services.Admin, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	cred, ok := a.admins[key]
	if !ok {
		return nil, nil
	}
	return &services.Admin{ID: "admin:" + key, Email: strings.TrimSpace(cred.Email), PassHash: []byte(cred.PasswordHash)}, nil
}

var _ services.AuthStore = (*authStoreAdapter)(nil)
