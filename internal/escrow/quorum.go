package escrow

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/fairlaunch/internal/audit"
	"github.com/xtrntr/fairlaunch/internal/clock"
	"github.com/xtrntr/fairlaunch/internal/fault"
	"github.com/xtrntr/fairlaunch/internal/models"
)

// SignerContext identifies the signer acting on a proposal. It is supplied
// by the caller, typically from an authenticated session.
type SignerContext interface {
	SignerID() string
}

// Signer is a SignerContext for a known signer id.
type Signer string

// SignerID implements SignerContext.
func (s Signer) SignerID() string { return string(s) }

// Quorum collects signer votes on release proposals and executes them
// against the ledger.
type Quorum struct {
	ledger *Ledger

	mu        sync.RWMutex
	proposals map[string]*models.ReleaseProposal

	clock clock.Clock
	audit audit.Recorder
	log   *zap.Logger
}

// NewQuorum creates a quorum over ledger.
func NewQuorum(ledger *Ledger, clk clock.Clock, rec audit.Recorder, log *zap.Logger) *Quorum {
	if log == nil {
		log = zap.NewNop()
	}
	return &Quorum{
		ledger:    ledger,
		proposals: make(map[string]*models.ReleaseProposal),
		clock:     clk,
		audit:     rec,
		log:       log,
	}
}

// Propose creates a pending release proposal. Proposing does not count as
// an approval.
func (q *Quorum) Propose(signer SignerContext, escrowID string, amount decimal.Decimal) (models.ReleaseProposal, error) {
	if !amount.IsPositive() {
		return models.ReleaseProposal{}, fmt.Errorf("%w: release amount must be positive", fault.ErrInvalidAmount)
	}
	acct, err := q.ledger.account(escrowID)
	if err != nil {
		return models.ReleaseProposal{}, err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	id := signerID(signer)
	if !acct.e.HasSigner(id) {
		return models.ReleaseProposal{}, fmt.Errorf("failed to propose on escrow %s as %q: %w", escrowID, id, fault.ErrUnknownSigner)
	}

	p := &models.ReleaseProposal{
		ID:        uuid.NewString(),
		EscrowID:  escrowID,
		Proposer:  id,
		Amount:    amount,
		Status:    models.ProposalPending,
		CreatedAt: q.clock.Now(),
	}
	if _, err := q.audit.Append(models.EventReleaseProposed, escrowID, map[string]string{
		"proposal": p.ID,
		"proposer": id,
		"amount":   amount.String(),
	}); err != nil {
		return models.ReleaseProposal{}, err
	}

	q.mu.Lock()
	q.proposals[p.ID] = p
	q.mu.Unlock()

	q.log.Info("release proposed",
		zap.String("escrow", escrowID),
		zap.String("proposal", p.ID),
		zap.String("proposer", id),
		zap.String("amount", amount.String()),
	)
	return cloneProposal(p), nil
}

// Approve records signer's approval. The approval that brings the proposal
// to quorum releases it. If that release fails the approval is kept, the
// proposal stays pending and the release error is returned.
func (q *Quorum) Approve(proposalID string, signer SignerContext) (models.ReleaseProposal, error) {
	p, acct, err := q.lookup(proposalID)
	if err != nil {
		return models.ReleaseProposal{}, err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	id := signerID(signer)
	if err := q.checkVote(acct, p, id); err != nil {
		return models.ReleaseProposal{}, err
	}

	if _, err := q.audit.Append(models.EventReleaseApproved, p.EscrowID, map[string]string{
		"proposal":  p.ID,
		"signer":    id,
		"approvals": strconv.Itoa(len(p.Approvals) + 1),
		"quorum":    strconv.Itoa(acct.e.Quorum),
	}); err != nil {
		return models.ReleaseProposal{}, err
	}
	p.Approvals = append(p.Approvals, id)
	q.log.Debug("release approved", zap.String("proposal", p.ID), zap.String("signer", id))

	if len(p.Approvals) >= acct.e.Quorum {
		if _, err := q.ledger.release(acct, p); err != nil {
			q.log.Warn("release at quorum failed", zap.String("proposal", p.ID), zap.Error(err))
			return cloneProposal(p), err
		}
	}
	return cloneProposal(p), nil
}

// Reject records signer's rejection. Once the remaining signers can no
// longer reach quorum the proposal becomes rejected.
func (q *Quorum) Reject(proposalID string, signer SignerContext) (models.ReleaseProposal, error) {
	p, acct, err := q.lookup(proposalID)
	if err != nil {
		return models.ReleaseProposal{}, err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	id := signerID(signer)
	if err := q.checkVote(acct, p, id); err != nil {
		return models.ReleaseProposal{}, err
	}

	status := models.ProposalPending
	if len(p.Rejections)+1 > len(acct.e.Signers)-acct.e.Quorum {
		status = models.ProposalRejected
	}
	if _, err := q.audit.Append(models.EventReleaseRejected, p.EscrowID, map[string]string{
		"proposal": p.ID,
		"signer":   id,
		"status":   status,
	}); err != nil {
		return models.ReleaseProposal{}, err
	}
	p.Rejections = append(p.Rejections, id)
	p.Status = status

	q.log.Info("release rejected", zap.String("proposal", p.ID), zap.String("signer", id), zap.String("status", status))
	return cloneProposal(p), nil
}

// Execute retries the release of a pending proposal that already has
// quorum, e.g. after more of the escrow has vested.
func (q *Quorum) Execute(proposalID string) (models.ReleaseProposal, error) {
	p, acct, err := q.lookup(proposalID)
	if err != nil {
		return models.ReleaseProposal{}, err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if _, err := q.ledger.release(acct, p); err != nil {
		return models.ReleaseProposal{}, err
	}
	return cloneProposal(p), nil
}

// Get returns a copy of the proposal.
func (q *Quorum) Get(proposalID string) (models.ReleaseProposal, error) {
	p, acct, err := q.lookup(proposalID)
	if err != nil {
		return models.ReleaseProposal{}, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return cloneProposal(p), nil
}

// List returns the proposals of an escrow, oldest first.
func (q *Quorum) List(escrowID string) ([]models.ReleaseProposal, error) {
	acct, err := q.ledger.account(escrowID)
	if err != nil {
		return nil, err
	}

	q.mu.RLock()
	var matched []*models.ReleaseProposal
	for _, p := range q.proposals {
		if p.EscrowID == escrowID {
			matched = append(matched, p)
		}
	}
	q.mu.RUnlock()

	acct.mu.Lock()
	out := make([]models.ReleaseProposal, 0, len(matched))
	for _, p := range matched {
		out = append(out, cloneProposal(p))
	}
	acct.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Restore loads persisted proposals.
func (q *Quorum) Restore(proposals []models.ReleaseProposal) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range proposals {
		cp := cloneProposal(&proposals[i])
		q.proposals[cp.ID] = &cp
	}
}

// checkVote validates a vote. The caller holds acct.mu.
func (q *Quorum) checkVote(acct *account, p *models.ReleaseProposal, id string) error {
	if !acct.e.HasSigner(id) {
		return fmt.Errorf("failed to vote on proposal %s as %q: %w", p.ID, id, fault.ErrUnknownSigner)
	}
	if p.Status != models.ProposalPending {
		return fmt.Errorf("failed to vote on proposal %s, status %s: %w", p.ID, p.Status, fault.ErrNotPending)
	}
	if p.HasVoted(id) {
		return fmt.Errorf("failed to vote on proposal %s as %q: %w", p.ID, id, fault.ErrDuplicateApproval)
	}
	return nil
}

func (q *Quorum) lookup(proposalID string) (*models.ReleaseProposal, *account, error) {
	q.mu.RLock()
	p, ok := q.proposals[proposalID]
	q.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("failed to find proposal %s: %w", proposalID, fault.ErrUnknownProposal)
	}
	acct, err := q.ledger.account(p.EscrowID)
	if err != nil {
		return nil, nil, err
	}
	return p, acct, nil
}

func signerID(s SignerContext) string {
	if s == nil {
		return ""
	}
	return s.SignerID()
}

func cloneProposal(p *models.ReleaseProposal) models.ReleaseProposal {
	out := *p
	out.Approvals = slices.Clone(p.Approvals)
	out.Rejections = slices.Clone(p.Rejections)
	return out
}
