package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/xtrntr/fairlaunch/internal/clock"
	"github.com/xtrntr/fairlaunch/internal/models"
)

// ErrInvalidCredentials is returned for an unknown signer or a wrong passphrase.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrSignerExists is returned when registering a signer id twice.
var ErrSignerExists = errors.New("signer already registered")

// ErrSignerNotFound is returned by a SignerStore for an unregistered id.
var ErrSignerNotFound = errors.New("signer not registered")

// SignerStore persists signer accounts.
type SignerStore interface {
	CreateSigner(ctx context.Context, id, passwordHash string) (*models.Signer, error)
	GetSigner(ctx context.Context, id string) (*models.Signer, error)
}

// Claims are the JWT claims of a signer session. Subject is the signer id.
type Claims struct {
	jwt.RegisteredClaims
}

// SignerID returns the authenticated signer, so Claims can act as the
// signer context of escrow votes.
func (c *Claims) SignerID() string {
	return c.Subject
}

// AuthService handles signer authentication
type AuthService struct {
	Store  SignerStore
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

// NewAuthService creates a new auth service
func NewAuthService(store SignerStore, secret []byte, ttl time.Duration, clk clock.Clock) *AuthService {
	return &AuthService{Store: store, secret: secret, ttl: ttl, clock: clk}
}

// Register creates a new signer with a hashed passphrase
func (s *AuthService) Register(ctx context.Context, signerID, password string) (*models.Signer, error) {
	if signerID == "" {
		return nil, fmt.Errorf("signer id cannot be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	if len(signerID) > 64 {
		return nil, fmt.Errorf("signer id too long (max 64 characters)")
	}
	if len(password) > 72 {
		return nil, fmt.Errorf("password too long (max 72 bytes)")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	signer, err := s.Store.CreateSigner(ctx, signerID, string(hashedPassword))
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	return signer, nil
}

// Login verifies credentials and issues a signed session token
func (s *AuthService) Login(ctx context.Context, signerID, password string) (string, error) {
	signer, err := s.Store.GetSigner(ctx, signerID)
	if err != nil {
		return "", fmt.Errorf("failed to log in %q: %w", signerID, ErrInvalidCredentials)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(signer.PasswordHash), []byte(password)); err != nil {
		return "", fmt.Errorf("failed to log in %q: %w", signerID, ErrInvalidCredentials)
	}

	now := s.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   signer.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	return token.SignedString(s.secret)
}

// ParseToken validates a session token and returns its claims
func (s *AuthService) ParseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("failed to parse token: %w", ErrInvalidCredentials)
	}
	return claims, nil
}

// MemoryStore keeps signers in memory, for tests and database-less runs.
type MemoryStore struct {
	mu      sync.RWMutex
	signers map[string]models.Signer
	clock   clock.Clock
}

// NewMemoryStore creates an empty signer store.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{signers: make(map[string]models.Signer), clock: clk}
}

func (m *MemoryStore) CreateSigner(ctx context.Context, id, passwordHash string) (*models.Signer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.signers[id]; ok {
		return nil, ErrSignerExists
	}
	signer := models.Signer{ID: id, PasswordHash: passwordHash, CreatedAt: m.clock.Now()}
	m.signers[id] = signer
	return &signer, nil
}

func (m *MemoryStore) GetSigner(ctx context.Context, id string) (*models.Signer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	signer, ok := m.signers[id]
	if !ok {
		return nil, fmt.Errorf("failed to get signer %q: %w", id, ErrSignerNotFound)
	}
	return &signer, nil
}
