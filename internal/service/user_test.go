package service

import (
	"context"
	"errors"
	"testing"

	"demeet/internal/auth"
	"demeet/internal/config"
	"demeet/internal/models"
)

func newUserService(t *testing.T) *UserService {
	t.Helper()
	cfg := config.Config{JWTSecret: "secret", AccessTokenTTLMinutes: 15, RefreshTokenTTLDays: 15}
	return NewUserService(newTestDB(t), cfg)
}

func TestUserService_RegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	s := newUserService(t)

	u, err := s.Register(ctx, RegisterInput{Name: " Alice ", Email: "Alice@Example.com", Password: "secret1", PhoneNumber: "123"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if u.Name != "Alice" || u.Email != "alice@example.com" {
		t.Errorf("Register() = %+v", u)
	}

	tests := []struct {
		name string
		in   RegisterInput
	}{
		{"duplicate email", RegisterInput{Name: "A2", Email: "alice@example.com", Password: "secret1", PhoneNumber: "456"}},
		{"duplicate phone", RegisterInput{Name: "A3", Email: "other@example.com", Password: "secret1", PhoneNumber: "123"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Register(ctx, tt.in); !errors.Is(err, ErrConflict) {
				t.Errorf("Register() error = %v, want ErrConflict", err)
			}
		})
	}

	res, err := s.Login(ctx, "ALICE@example.com", "secret1")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	claims, err := auth.ParseAccessToken(res.AccessToken, "secret")
	if err != nil || claims.UserID != u.ID {
		t.Errorf("Login() access token claims = %+v, err = %v", claims, err)
	}
	if len(res.RefreshToken) != 64 {
		t.Errorf("Login() refresh token = %q", res.RefreshToken)
	}

	if _, err := s.Login(ctx, "alice@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login(wrong password) error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := s.Login(ctx, "nobody@example.com", "secret1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login(unknown) error = %v, want ErrInvalidCredentials", err)
	}
}

func TestUserService_RefreshIsSingleUse(t *testing.T) {
	ctx := context.Background()
	s := newUserService(t)
	if _, err := s.Register(ctx, RegisterInput{Name: "Bob", Email: "bob@example.com", Password: "secret1", PhoneNumber: "1"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	login, err := s.Login(ctx, "bob@example.com", "secret1")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	rotated, err := s.RefreshTokens(ctx, login.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshTokens() error = %v", err)
	}
	if rotated.RefreshToken == login.RefreshToken {
		t.Error("RefreshTokens() did not rotate the refresh token")
	}
	if _, err := s.RefreshTokens(ctx, login.RefreshToken); !errors.Is(err, ErrInvalidRefresh) {
		t.Errorf("RefreshTokens(reused) error = %v, want ErrInvalidRefresh", err)
	}
	if _, err := s.RefreshTokens(ctx, ""); !errors.Is(err, ErrInvalidRefresh) {
		t.Errorf("RefreshTokens(empty) error = %v, want ErrInvalidRefresh", err)
	}
	if _, err := s.RefreshTokens(ctx, rotated.RefreshToken); err != nil {
		t.Errorf("RefreshTokens(rotated) error = %v", err)
	}
}

func TestUserService_RefreshExpired(t *testing.T) {
	ctx := context.Background()
	s := newUserService(t)
	u := mustUser(t, s.db, "carol")
	if err := s.db.Model(&models.User{}).Where("id = ?", u.ID).
		Updates(map[string]any{"refresh_token": "stale", "refresh_expires_at": u.CreatedAt.AddDate(0, 0, -1)}).Error; err != nil {
		t.Fatalf("seed refresh token: %v", err)
	}
	if _, err := s.RefreshTokens(ctx, "stale"); !errors.Is(err, ErrInvalidRefresh) {
		t.Errorf("RefreshTokens(expired) error = %v, want ErrInvalidRefresh", err)
	}
}

func TestUserService_LogoutAndGet(t *testing.T) {
	ctx := context.Background()
	s := newUserService(t)
	u, err := s.Register(ctx, RegisterInput{Name: "Dan", Email: "dan@example.com", Password: "secret1", PhoneNumber: "2"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	login, err := s.Login(ctx, "dan@example.com", "secret1")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if err := s.Logout(ctx, u.ID); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := s.RefreshTokens(ctx, login.RefreshToken); !errors.Is(err, ErrInvalidRefresh) {
		t.Errorf("RefreshTokens(after logout) error = %v, want ErrInvalidRefresh", err)
	}

	got, err := s.Get(ctx, u.ID)
	if err != nil || got.Email != "dan@example.com" {
		t.Errorf("Get() = %+v, err = %v", got, err)
	}
	if _, err := s.Get(ctx, u.ID+99); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrNotFound", err)
	}
}
