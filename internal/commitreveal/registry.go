// Package commitreveal hides launch parameters behind a hash commitment until
// the reveal window opens.
//
//  1. COMMIT: the issuer submits sha256(canonical(params) || salt)
//  2. REVEAL: after the delay, the issuer reveals params and salt, which are
//     checked against the stored hash
//
// A commitment moves Committed -> Revealed exactly once and is never deleted.
package commitreveal

import (
	"crypto/subtle"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xtrntr/fairlaunch/internal/audit"
	"github.com/xtrntr/fairlaunch/internal/clock"
	"github.com/xtrntr/fairlaunch/internal/fault"
	"github.com/xtrntr/fairlaunch/internal/models"
)

// DefaultRevealDelay matches the launchpad's reveal countdown.
const DefaultRevealDelay = 300 * time.Second

// Config controls the reveal window.
type Config struct {
	RevealDelay time.Duration
	// RevealDeadline, when positive, is how long after the commit a reveal
	// is still accepted. Zero disables the deadline.
	RevealDeadline time.Duration
}

// CommitOption overrides Config for a single commitment.
type CommitOption func(*models.Commitment)

// WithRevealDelay sets the delay for one commitment.
func WithRevealDelay(d time.Duration) CommitOption {
	return func(c *models.Commitment) {
		c.RevealDelay = d
	}
}

// WithRevealDeadline sets the deadline for one commitment.
func WithRevealDeadline(d time.Duration) CommitOption {
	return func(c *models.Commitment) {
		c.RevealDeadline = d
	}
}

type entry struct {
	mu sync.Mutex
	c  models.Commitment
}

// Registry stores commitments and verifies reveals.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	cfg   Config
	clock clock.Clock
	audit audit.Recorder
	log   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, clk clock.Clock, rec audit.Recorder, log *zap.Logger) *Registry {
	if cfg.RevealDelay < 0 {
		cfg.RevealDelay = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]*entry),
		cfg:     cfg,
		clock:   clk,
		audit:   rec,
		log:     log,
	}
}

// Commit validates params and stores a new unrevealed commitment.
func (r *Registry) Commit(params models.LaunchParams, salt []byte, opts ...CommitOption) (models.Commitment, error) {
	if err := Validate(params); err != nil {
		return models.Commitment{}, err
	}
	if err := validateSalt(salt); err != nil {
		return models.Commitment{}, err
	}
	hash, err := Hash(params, salt)
	if err != nil {
		return models.Commitment{}, fmt.Errorf("%w: %v", fault.ErrInvalidParams, err)
	}

	c := models.Commitment{
		ID:             uuid.NewString(),
		Hash:           hash,
		CommittedAt:    r.clock.Now(),
		RevealDelay:    r.cfg.RevealDelay,
		RevealDeadline: r.cfg.RevealDeadline,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.RevealDelay < 0 || c.RevealDeadline < 0 {
		return models.Commitment{}, fmt.Errorf("%w: negative reveal window", fault.ErrInvalidParams)
	}
	if c.RevealDeadline > 0 && c.RevealDeadline < c.RevealDelay {
		return models.Commitment{}, fmt.Errorf("%w: reveal deadline precedes reveal delay", fault.ErrInvalidParams)
	}

	if _, err := r.audit.Append(models.EventCommit, c.ID, map[string]string{
		"hash":          c.Hash,
		"revealOpensAt": c.RevealOpensAt().Format(time.RFC3339),
		"description":   "Launch parameters committed",
	}); err != nil {
		return models.Commitment{}, err
	}

	r.mu.Lock()
	r.entries[c.ID] = &entry{c: c}
	r.mu.Unlock()

	r.log.Info("commitment recorded",
		zap.String("commitment", c.ID),
		zap.Time("revealOpensAt", c.RevealOpensAt()),
	)
	return c, nil
}

// Reveal verifies params and salt against the commitment and marks it revealed.
func (r *Registry) Reveal(id string, params models.LaunchParams, salt []byte) (models.Commitment, error) {
	e, err := r.lookup(id)
	if err != nil {
		return models.Commitment{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := r.clock.Now()
	if now.Before(e.c.RevealOpensAt()) {
		return models.Commitment{}, fmt.Errorf("failed to reveal %s, opens at %s: %w",
			id, e.c.RevealOpensAt().Format(time.RFC3339), fault.ErrRevealTooEarly)
	}
	if e.c.Revealed {
		return models.Commitment{}, fmt.Errorf("failed to reveal %s: %w", id, fault.ErrAlreadyRevealed)
	}
	if e.c.RevealDeadline > 0 && now.After(e.c.CommittedAt.Add(e.c.RevealDeadline)) {
		return models.Commitment{}, fmt.Errorf("failed to reveal %s: %w", id, fault.ErrRevealExpired)
	}

	hash, err := Hash(params, salt)
	if err != nil || subtle.ConstantTimeCompare([]byte(hash), []byte(e.c.Hash)) != 1 {
		r.log.Warn("reveal mismatch", zap.String("commitment", id))
		return models.Commitment{}, fmt.Errorf("failed to reveal %s: %w", id, fault.ErrRevealMismatch)
	}

	if _, err := r.audit.Append(models.EventReveal, id, map[string]string{
		"hash":        e.c.Hash,
		"name":        params.Name,
		"symbol":      params.Symbol,
		"totalSupply": params.TotalSupply.String(),
		"launchMode":  params.LaunchMode,
		"description": "Parameters revealed after commitment window",
	}); err != nil {
		return models.Commitment{}, err
	}

	revealed := params
	e.c.Revealed = true
	e.c.RevealedAt = &now
	e.c.RevealedParams = &revealed

	r.log.Info("commitment revealed", zap.String("commitment", id), zap.String("symbol", params.Symbol))
	return e.c, nil
}

// Get returns a copy of the commitment.
func (r *Registry) Get(id string) (models.Commitment, error) {
	e, err := r.lookup(id)
	if err != nil {
		return models.Commitment{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.c, nil
}

// List returns all commitments ordered by commit time.
func (r *Registry) List() []models.Commitment {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]models.Commitment, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.c)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CommittedAt.Equal(out[j].CommittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CommittedAt.Before(out[j].CommittedAt)
	})
	return out
}

// Restore loads persisted commitments, e.g. after a restart.
func (r *Registry) Restore(commitments []models.Commitment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range commitments {
		r.entries[c.ID] = &entry{c: c}
	}
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("failed to find commitment %s: %w", id, fault.ErrUnknownCommitment)
	}
	return e, nil
}
