// Package escrow holds vested allocations and releases them under a
// multisig quorum.
//
// A Ledger tracks each escrow's linear vesting schedule. Releases are only
// reachable through a Quorum: once enough signers approve a proposal the
// quorum releases it against the ledger while holding the escrow's lock, so
// the released amount never exceeds what has vested.
package escrow

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/fairlaunch/internal/audit"
	"github.com/xtrntr/fairlaunch/internal/clock"
	"github.com/xtrntr/fairlaunch/internal/fault"
	"github.com/xtrntr/fairlaunch/internal/models"
)

// EscrowSpec describes an escrow to open.
type EscrowSpec struct {
	ID              string // generated when empty
	TotalAllocation decimal.Decimal
	VestingStart    time.Time
	VestingDuration time.Duration
	Signers         []string
	Quorum          int
}

// account guards one escrow and every proposal against it.
type account struct {
	mu sync.Mutex
	e  models.Escrow
}

// Ledger stores escrows.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*account

	clock clock.Clock
	audit audit.Recorder
	log   *zap.Logger
}

// NewLedger creates an empty ledger.
func NewLedger(clk clock.Clock, rec audit.Recorder, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		accounts: make(map[string]*account),
		clock:    clk,
		audit:    rec,
		log:      log,
	}
}

// Open validates spec and creates a new escrow with nothing released.
func (l *Ledger) Open(spec EscrowSpec) (models.Escrow, error) {
	if !spec.TotalAllocation.IsPositive() {
		return models.Escrow{}, fmt.Errorf("%w: total allocation must be positive", fault.ErrInvalidEscrow)
	}
	if spec.VestingDuration <= 0 {
		return models.Escrow{}, fmt.Errorf("%w: vesting end must be after vesting start", fault.ErrInvalidEscrow)
	}
	signers := slices.Clone(spec.Signers)
	slices.Sort(signers)
	if len(signers) == 0 || slices.Contains(signers, "") {
		return models.Escrow{}, fmt.Errorf("%w: signers must be non-empty", fault.ErrInvalidEscrow)
	}
	if len(slices.Compact(slices.Clone(signers))) != len(signers) {
		return models.Escrow{}, fmt.Errorf("%w: duplicate signer", fault.ErrInvalidEscrow)
	}
	if spec.Quorum < 1 || spec.Quorum > len(signers) {
		return models.Escrow{}, fmt.Errorf("%w: quorum %d outside 1..%d", fault.ErrInvalidEscrow, spec.Quorum, len(signers))
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	e := models.Escrow{
		ID:              id,
		TotalAllocation: spec.TotalAllocation,
		Released:        decimal.Zero,
		VestingStart:    spec.VestingStart,
		VestingEnd:      spec.VestingStart.Add(spec.VestingDuration),
		Signers:         signers,
		Quorum:          spec.Quorum,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.accounts[id]; exists {
		return models.Escrow{}, fmt.Errorf("%w: escrow %s already exists", fault.ErrInvalidEscrow, id)
	}
	if _, err := l.audit.Append(models.EventEscrowCreated, id, map[string]string{
		"totalAllocation": e.TotalAllocation.String(),
		"vestingStart":    e.VestingStart.Format(time.RFC3339),
		"vestingEnd":      e.VestingEnd.Format(time.RFC3339),
		"signers":         strings.Join(signers, ","),
		"quorum":          strconv.Itoa(e.Quorum),
	}); err != nil {
		return models.Escrow{}, err
	}
	l.accounts[id] = &account{e: e}

	l.log.Info("escrow opened",
		zap.String("escrow", id),
		zap.String("totalAllocation", e.TotalAllocation.String()),
		zap.Time("vestingEnd", e.VestingEnd),
		zap.Int("quorum", e.Quorum),
	)
	return cloneEscrow(e), nil
}

// VestedAmount returns how much of the escrow has vested at t.
func (l *Ledger) VestedAmount(id string, t time.Time) (decimal.Decimal, error) {
	acct, err := l.account(id)
	if err != nil {
		return decimal.Zero, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.e.VestedAmount(t), nil
}

// Releasable returns vested minus released at the current time.
func (l *Ledger) Releasable(id string) (decimal.Decimal, error) {
	acct, err := l.account(id)
	if err != nil {
		return decimal.Zero, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.e.VestedAmount(l.clock.Now()).Sub(acct.e.Released), nil
}

// Status reports the vesting progress of an escrow at the current time.
func (l *Ledger) Status(id string) (models.EscrowStatus, error) {
	acct, err := l.account(id)
	if err != nil {
		return models.EscrowStatus{}, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()

	now := l.clock.Now()
	vested := acct.e.VestedAmount(now)
	days := 0
	if left := acct.e.VestingEnd.Sub(now); left > 0 {
		days = int((left + 24*time.Hour - 1) / (24 * time.Hour))
	}
	return models.EscrowStatus{
		Escrow:        cloneEscrow(acct.e),
		At:            now,
		Vested:        vested,
		Releasable:    vested.Sub(acct.e.Released),
		Progress:      vested.Mul(decimal.NewFromInt(100)).Div(acct.e.TotalAllocation).Round(2),
		DaysRemaining: days,
	}, nil
}

// Get returns a copy of the escrow.
func (l *Ledger) Get(id string) (models.Escrow, error) {
	acct, err := l.account(id)
	if err != nil {
		return models.Escrow{}, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return cloneEscrow(acct.e), nil
}

// List returns every escrow ordered by vesting start.
func (l *Ledger) List() []models.Escrow {
	l.mu.RLock()
	accounts := make([]*account, 0, len(l.accounts))
	for _, acct := range l.accounts {
		accounts = append(accounts, acct)
	}
	l.mu.RUnlock()

	out := make([]models.Escrow, 0, len(accounts))
	for _, acct := range accounts {
		acct.mu.Lock()
		out = append(out, cloneEscrow(acct.e))
		acct.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VestingStart.Equal(out[j].VestingStart) {
			return out[i].ID < out[j].ID
		}
		return out[i].VestingStart.Before(out[j].VestingStart)
	})
	return out
}

// Restore loads persisted escrows.
func (l *Ledger) Restore(escrows []models.Escrow) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range escrows {
		e.Signers = slices.Sorted(slices.Values(e.Signers))
		l.accounts[e.ID] = &account{e: e}
	}
}

// release pays out an approved proposal. The caller holds acct.mu.
func (l *Ledger) release(acct *account, p *models.ReleaseProposal) (decimal.Decimal, error) {
	if p.Status != models.ProposalPending {
		return decimal.Zero, fmt.Errorf("failed to release proposal %s: %w", p.ID, fault.ErrAlreadyExecuted)
	}
	if len(p.Approvals) < acct.e.Quorum {
		return decimal.Zero, fmt.Errorf("failed to release proposal %s, %d of %d approvals: %w",
			p.ID, len(p.Approvals), acct.e.Quorum, fault.ErrInsufficientQuorum)
	}

	now := l.clock.Now()
	vested := acct.e.VestedAmount(now)
	released := acct.e.Released.Add(p.Amount)
	if released.GreaterThan(vested) {
		return decimal.Zero, fmt.Errorf("failed to release %s from escrow %s, vested %s, released %s: %w",
			p.Amount, acct.e.ID, vested, acct.e.Released, fault.ErrOverVestedRelease)
	}

	if _, err := l.audit.Append(models.EventEscrowRelease, acct.e.ID, map[string]string{
		"proposal":    p.ID,
		"amount":      p.Amount.String(),
		"released":    released.String(),
		"vested":      vested.String(),
		"approvals":   strings.Join(p.Approvals, ","),
		"description": "Quorum reached, vested tokens released",
	}); err != nil {
		return decimal.Zero, err
	}

	acct.e.Released = released
	p.Status = models.ProposalExecuted
	p.ExecutedAt = &now

	l.log.Info("escrow released",
		zap.String("escrow", acct.e.ID),
		zap.String("proposal", p.ID),
		zap.String("amount", p.Amount.String()),
		zap.String("released", released.String()),
	)
	return p.Amount, nil
}

func (l *Ledger) account(id string) (*account, error) {
	l.mu.RLock()
	acct, ok := l.accounts[id]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("failed to find escrow %s: %w", id, fault.ErrUnknownEscrow)
	}
	return acct, nil
}

func cloneEscrow(e models.Escrow) models.Escrow {
	e.Signers = slices.Clone(e.Signers)
	return e
}
