package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/xtrntr/fairlaunch/internal/clock"
)

var (
	testSecret = []byte("test-secret-0123456789")
	t0         = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

func newTestService() (*AuthService, *clock.Manual) {
	clk := clock.NewManual(t0)
	return NewAuthService(NewMemoryStore(clk), testSecret, time.Hour, clk), clk
}

func TestAuthService_Register(t *testing.T) {
	tests := []struct {
		name        string
		signerID    string
		password    string
		expectError bool
	}{
		{
			name:        "Success",
			signerID:    "alice",
			password:    "password123",
			expectError: false,
		},
		{
			name:        "EmptySignerID",
			signerID:    "",
			password:    "password123",
			expectError: true,
		},
		{
			name:        "EmptyPassword",
			signerID:    "bob",
			password:    "",
			expectError: true,
		},
		{
			name:        "DuplicateSigner",
			signerID:    "alice",
			password:    "newpass",
			expectError: true,
		},
		{
			name:        "LongSignerID",
			signerID:    strings.Repeat("a", 1000),
			password:    "password123",
			expectError: true,
		},
		{
			name:        "LongPassword",
			signerID:    "carol",
			password:    strings.Repeat("p", 73),
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestService()
			ctx := context.Background()

			// For duplicate test, ensure the signer exists first
			if tt.name == "DuplicateSigner" {
				if _, err := s.Register(ctx, "alice", "password123"); err != nil {
					t.Fatalf("Failed to create signer for duplicate test: %v", err)
				}
			}

			signer, err := s.Register(ctx, tt.signerID, tt.password)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if signer.ID != tt.signerID {
				t.Errorf("expected signer %q, got %q", tt.signerID, signer.ID)
			}
			stored, err := s.Store.GetSigner(ctx, tt.signerID)
			if err != nil {
				t.Fatalf("signer not stored: %v", err)
			}
			if err := bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte(tt.password)); err != nil {
				t.Errorf("password hash mismatch")
			}
		})
	}
}

func TestAuthService_Login(t *testing.T) {
	s, _ := newTestService()
	if _, err := s.Register(context.Background(), "alice", "password123"); err != nil {
		t.Fatalf("register: %v", err)
	}

	tests := []struct {
		name        string
		signerID    string
		password    string
		expectError bool
	}{
		{
			name:        "Success",
			signerID:    "alice",
			password:    "password123",
			expectError: false,
		},
		{
			name:        "WrongPassword",
			signerID:    "alice",
			password:    "wrongpass",
			expectError: true,
		},
		{
			name:        "UnknownSigner",
			signerID:    "bob",
			password:    "password123",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := s.Login(context.Background(), tt.signerID, tt.password)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			claims, err := s.ParseToken(token)
			if err != nil {
				t.Fatalf("invalid token: %v", err)
			}
			if claims.SignerID() != "alice" {
				t.Errorf("expected signer alice, got %q", claims.SignerID())
			}
			if !claims.ExpiresAt.Time.Equal(t0.Add(time.Hour)) {
				t.Errorf("unexpected expiry %v", claims.ExpiresAt.Time)
			}
		})
	}
}

func TestMemoryStore_UnknownSigner(t *testing.T) {
	s, _ := newTestService()
	if _, err := s.Store.GetSigner(context.Background(), "bob"); !errors.Is(err, ErrSignerNotFound) {
		t.Errorf("expected ErrSignerNotFound, got %v", err)
	}
}

func TestAuthService_ParseToken(t *testing.T) {
	s, clk := newTestService()
	if _, err := s.Register(context.Background(), "alice", "password123"); err != nil {
		t.Fatalf("register: %v", err)
	}
	token, err := s.Login(context.Background(), "alice", "password123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(t0.Add(time.Hour)),
		},
	})
	forgedStr, _ := forged.SignedString([]byte("wrong-key"))

	noSubject := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(t0.Add(time.Hour))},
	})
	noSubjectStr, _ := noSubject.SignedString(testSecret)

	tests := []struct {
		name         string
		token        string
		advance      time.Duration
		expectSigner string
		expectError  bool
	}{
		{
			name:         "Success",
			token:        token,
			expectSigner: "alice",
		},
		{
			name:        "Expired",
			token:       token,
			advance:     2 * time.Hour,
			expectError: true,
		},
		{
			name:        "InvalidSignature",
			token:       forgedStr,
			expectError: true,
		},
		{
			name:        "MissingSubject",
			token:       noSubjectStr,
			expectError: true,
		},
		{
			name:        "EmptyToken",
			token:       "",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk.Set(t0.Add(tt.advance))
			claims, err := s.ParseToken(tt.token)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if claims.SignerID() != tt.expectSigner {
				t.Errorf("expected signer %q, got %q", tt.expectSigner, claims.SignerID())
			}
		})
	}
}
