// Package launch wires the settlement components into one service: each
// operation runs against the in-memory engine, then the resulting entity is
// persisted and counted.
package launch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/fairlaunch/internal/auction"
	"github.com/xtrntr/fairlaunch/internal/audit"
	"github.com/xtrntr/fairlaunch/internal/auth"
	"github.com/xtrntr/fairlaunch/internal/clock"
	"github.com/xtrntr/fairlaunch/internal/commitreveal"
	"github.com/xtrntr/fairlaunch/internal/escrow"
	"github.com/xtrntr/fairlaunch/internal/fault"
	"github.com/xtrntr/fairlaunch/internal/metrics"
	"github.com/xtrntr/fairlaunch/internal/models"
)

// Store persists engine state. Saves happen after the engine accepted the
// operation.
type Store interface {
	SaveCommitment(ctx context.Context, c models.Commitment) error
	SaveOrder(ctx context.Context, o models.SealedOrder) error
	SaveBatch(ctx context.Context, b models.Batch) error
	SaveEscrow(ctx context.Context, e models.Escrow) error
	SaveProposal(ctx context.Context, p models.ReleaseProposal) error
	SaveLaunch(ctx context.Context, l models.Launch) error
	Load(ctx context.Context) (*models.Snapshot, error)
}

// NopStore keeps nothing. Used when no database is configured.
type NopStore struct{}

func (NopStore) SaveCommitment(context.Context, models.Commitment) error    { return nil }
func (NopStore) SaveOrder(context.Context, models.SealedOrder) error        { return nil }
func (NopStore) SaveBatch(context.Context, models.Batch) error              { return nil }
func (NopStore) SaveEscrow(context.Context, models.Escrow) error            { return nil }
func (NopStore) SaveProposal(context.Context, models.ReleaseProposal) error { return nil }
func (NopStore) SaveLaunch(context.Context, models.Launch) error            { return nil }
func (NopStore) Load(context.Context) (*models.Snapshot, error)             { return &models.Snapshot{}, nil }

// devEscrowPrefix prefixes the commitment id to name a launch's dev escrow.
const devEscrowPrefix = "dev-"

// SignerDirectory looks up registered signers. Escrows may only name
// signers that already exist.
type SignerDirectory interface {
	GetSigner(ctx context.Context, id string) (*models.Signer, error)
}

// Config holds the engine settings.
type Config struct {
	CommitReveal commitreveal.Config
	Auction      auction.Config
}

// Service runs launches end to end.
type Service struct {
	Registry *commitreveal.Registry
	Auction  *auction.Auction
	Ledger   *escrow.Ledger
	Quorum   *escrow.Quorum
	Trail    *audit.Trail

	store   Store
	signers SignerDirectory
	metrics *metrics.Metrics
	clock   clock.Clock
	log     *zap.Logger

	mu       sync.Mutex
	launches map[string]models.Launch
	unsaved  map[string]struct{} // launches whose rows failed to persist
}

// NewService builds the engine around trail. signers must not be nil.
func NewService(cfg Config, trail *audit.Trail, store Store, signers SignerDirectory, m *metrics.Metrics, clk clock.Clock, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if store == nil {
		store = NopStore{}
	}
	ledger := escrow.NewLedger(clk, trail, log.Named("escrow"))
	return &Service{
		Registry: commitreveal.NewRegistry(cfg.CommitReveal, clk, trail, log.Named("commitreveal")),
		Auction:  auction.NewAuction(cfg.Auction, clk, trail, log.Named("auction")),
		Ledger:   ledger,
		Quorum:   escrow.NewQuorum(ledger, clk, trail, log.Named("escrow")),
		Trail:    trail,
		store:    store,
		signers:  signers,
		metrics:  m,
		clock:    clk,
		log:      log,
		launches: make(map[string]models.Launch),
		unsaved:  make(map[string]struct{}),
	}
}

// Restore loads persisted state into the engine.
func (s *Service) Restore(ctx context.Context) error {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	s.Registry.Restore(snap.Commitments)
	s.Auction.Restore(snap.Batches)
	s.Ledger.Restore(snap.Escrows)
	s.Quorum.Restore(snap.Proposals)

	s.mu.Lock()
	for _, l := range snap.Launches {
		s.launches[l.CommitmentID] = l
	}
	s.mu.Unlock()

	s.metrics.SetLiveEpoch(s.Auction.LiveEpoch())
	s.metrics.SetAuditSeq(s.Trail.LastSeq())
	s.log.Info("state restored",
		zap.Int("commitments", len(snap.Commitments)),
		zap.Int("batches", len(snap.Batches)),
		zap.Int("escrows", len(snap.Escrows)),
		zap.Int("proposals", len(snap.Proposals)),
		zap.Uint64("liveEpoch", s.Auction.LiveEpoch()),
	)
	return nil
}

// Commit records a launch commitment.
func (s *Service) Commit(ctx context.Context, params models.LaunchParams, salt []byte, opts ...commitreveal.CommitOption) (models.Commitment, error) {
	if params.DevAllocation.IsPositive() {
		if err := s.checkSigners(ctx, params.EscrowSigners, fault.ErrInvalidParams); err != nil {
			s.observe("commit", err)
			return models.Commitment{}, err
		}
	}
	c, err := s.Registry.Commit(params, salt, opts...)
	s.observe("commit", err)
	if err != nil {
		return models.Commitment{}, err
	}
	return c, s.persist("commitment", c.ID, s.store.SaveCommitment(ctx, c))
}

// Reveal opens a commitment.
func (s *Service) Reveal(ctx context.Context, id string, params models.LaunchParams, salt []byte) (models.Commitment, error) {
	c, err := s.Registry.Reveal(id, params, salt)
	s.observe("reveal", err)
	if err != nil {
		return models.Commitment{}, err
	}
	return c, s.persist("commitment", c.ID, s.store.SaveCommitment(ctx, c))
}

// SubmitOrder places a sealed order in the live epoch.
func (s *Service) SubmitOrder(ctx context.Context, wallet string, amount, maxPrice decimal.Decimal) (models.SealedOrder, error) {
	o, err := s.Auction.Submit(wallet, amount, maxPrice)
	s.observe("submit", err)
	if err != nil {
		return models.SealedOrder{}, err
	}
	return o, s.persist("order", o.ID, s.store.SaveOrder(ctx, o))
}

// CloseBatch freezes an epoch.
func (s *Service) CloseBatch(ctx context.Context, epoch uint64) ([]models.SealedReceipt, error) {
	receipts, err := s.Auction.Close(epoch)
	s.observe("close", err)
	if err != nil {
		return nil, err
	}
	b, err := s.Auction.Batch(epoch)
	if err != nil {
		return nil, err
	}
	return receipts, s.persist("batch", fmt.Sprint(epoch), s.store.SaveBatch(ctx, b))
}

// SettleBatch clears an epoch against supply.
func (s *Service) SettleBatch(ctx context.Context, epoch uint64, supply decimal.Decimal) (models.Batch, error) {
	b, err := s.Auction.Settle(epoch, supply)
	s.observe("settle", err)
	if err != nil {
		return models.Batch{}, err
	}
	s.recordSettlement(b)
	return b, s.persist("batch", fmt.Sprint(epoch), s.store.SaveBatch(ctx, b))
}

// SettleLaunch settles epoch for a revealed commitment. The public supply
// is the total supply minus the dev allocation; a positive dev allocation is
// locked in a vesting escrow that starts at settlement.
//
// The launch is recorded before anything is persisted. If a save fails, or
// the escrow could not be opened after clearing, calling SettleLaunch again
// finishes the launch on the already cleared batch.
func (s *Service) SettleLaunch(ctx context.Context, commitmentID string, epoch uint64) (models.Launch, models.Batch, error) {
	c, err := s.Registry.Get(commitmentID)
	if err != nil {
		return models.Launch{}, models.Batch{}, err
	}
	if !c.Revealed || c.RevealedParams == nil {
		return models.Launch{}, models.Batch{}, fmt.Errorf("failed to settle launch %s: %w", commitmentID, fault.ErrNotRevealed)
	}
	params := *c.RevealedParams

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.launches[commitmentID]; ok {
		if _, pending := s.unsaved[commitmentID]; pending {
			b, err := s.Auction.Batch(l.Epoch)
			if err != nil {
				return models.Launch{}, models.Batch{}, err
			}
			return l, b, s.saveLaunch(ctx, l, b)
		}
		return models.Launch{}, models.Batch{}, fmt.Errorf("failed to settle launch %s, settled in epoch %d: %w",
			commitmentID, l.Epoch, fault.ErrAlreadySettled)
	}
	if params.DevAllocation.IsPositive() {
		if err := s.checkSigners(ctx, params.EscrowSigners, fault.ErrInvalidEscrow); err != nil {
			return models.Launch{}, models.Batch{}, fmt.Errorf("failed to settle launch %s: %w", commitmentID, err)
		}
	}

	supply := params.PublicSupply()
	b, err := s.Auction.Settle(epoch, supply)
	s.observe("settle", err)
	switch {
	case err == nil:
		s.recordSettlement(b)
	case errors.Is(err, fault.ErrAlreadySettled):
		if b, err = s.unclaimedBatch(epoch, supply, err); err != nil {
			return models.Launch{}, models.Batch{}, err
		}
	default:
		return models.Launch{}, models.Batch{}, err
	}

	l := models.Launch{
		CommitmentID: commitmentID,
		Symbol:       params.Symbol,
		Epoch:        epoch,
		PublicSupply: supply,
		SettledAt:    *b.SettledAt,
	}
	if params.DevAllocation.IsPositive() {
		e, err := s.devEscrow(commitmentID, params, l.SettledAt)
		if err != nil {
			return models.Launch{}, b, fmt.Errorf("failed to open dev escrow for %s: %w", commitmentID, err)
		}
		l.EscrowID = e.ID
	}

	s.launches[commitmentID] = l
	s.log.Info("launch settled",
		zap.String("commitment", commitmentID),
		zap.String("symbol", l.Symbol),
		zap.Uint64("epoch", epoch),
		zap.String("escrow", l.EscrowID),
	)
	return l, b, s.saveLaunch(ctx, l, b)
}

// unclaimedBatch returns the settled batch of epoch when no launch owns it
// yet and it was cleared against supply, otherwise settleErr. Callers hold
// s.mu.
func (s *Service) unclaimedBatch(epoch uint64, supply decimal.Decimal, settleErr error) (models.Batch, error) {
	b, err := s.Auction.Batch(epoch)
	if err != nil || !b.Settled() || !b.AvailableSupply.Equal(supply) {
		return models.Batch{}, settleErr
	}
	for _, l := range s.launches {
		if l.Epoch == epoch {
			return models.Batch{}, settleErr
		}
	}
	return b, nil
}

// devEscrow opens the dev escrow of a launch, or returns it when an earlier
// attempt already opened it.
func (s *Service) devEscrow(commitmentID string, params models.LaunchParams, start time.Time) (models.Escrow, error) {
	id := devEscrowPrefix + commitmentID
	if e, err := s.Ledger.Get(id); err == nil {
		return e, nil
	}
	e, err := s.Ledger.Open(escrow.EscrowSpec{
		ID:              id,
		TotalAllocation: params.DevAllocation,
		VestingStart:    start,
		VestingDuration: time.Duration(params.VestingDays) * 24 * time.Hour,
		Signers:         params.EscrowSigners,
		Quorum:          params.EscrowQuorum,
	})
	s.observe("escrow_open", err)
	return e, err
}

// saveLaunch persists the batch, the dev escrow and the launch. Callers
// hold s.mu.
func (s *Service) saveLaunch(ctx context.Context, l models.Launch, b models.Batch) error {
	err := s.persist("batch", fmt.Sprint(b.Epoch), s.store.SaveBatch(ctx, b))
	if err == nil && l.EscrowID != "" {
		var e models.Escrow
		if e, err = s.Ledger.Get(l.EscrowID); err == nil {
			err = s.persist("escrow", e.ID, s.store.SaveEscrow(ctx, e))
		}
	}
	if err == nil {
		err = s.persist("launch", l.CommitmentID, s.store.SaveLaunch(ctx, l))
	}
	if err != nil {
		s.unsaved[l.CommitmentID] = struct{}{}
		return err
	}
	delete(s.unsaved, l.CommitmentID)
	return nil
}

// Launches lists settled launches, oldest first.
func (s *Service) Launches() []models.Launch {
	s.mu.Lock()
	out := make([]models.Launch, 0, len(s.launches))
	for _, l := range s.launches {
		out = append(out, l)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Epoch < out[j].Epoch })
	return out
}

// OpenEscrow creates an escrow outside of a launch.
func (s *Service) OpenEscrow(ctx context.Context, spec escrow.EscrowSpec) (models.Escrow, error) {
	err := s.checkSigners(ctx, spec.Signers, fault.ErrInvalidEscrow)
	if err == nil && strings.HasPrefix(spec.ID, devEscrowPrefix) {
		err = fmt.Errorf("%w: id prefix %q is reserved for launches", fault.ErrInvalidEscrow, devEscrowPrefix)
	}
	if err != nil {
		s.observe("escrow_open", err)
		return models.Escrow{}, err
	}
	e, err := s.Ledger.Open(spec)
	s.observe("escrow_open", err)
	if err != nil {
		return models.Escrow{}, err
	}
	return e, s.persist("escrow", e.ID, s.store.SaveEscrow(ctx, e))
}

// Propose creates a release proposal.
func (s *Service) Propose(ctx context.Context, signer escrow.SignerContext, escrowID string, amount decimal.Decimal) (models.ReleaseProposal, error) {
	p, err := s.Quorum.Propose(signer, escrowID, amount)
	s.observe("propose", err)
	if err != nil {
		return models.ReleaseProposal{}, err
	}
	return p, s.persist("proposal", p.ID, s.store.SaveProposal(ctx, p))
}

// Approve votes for a proposal, releasing it at quorum.
func (s *Service) Approve(ctx context.Context, proposalID string, signer escrow.SignerContext) (models.ReleaseProposal, error) {
	p, err := s.Quorum.Approve(proposalID, signer)
	s.observe("approve", err)
	if p.ID == "" {
		return models.ReleaseProposal{}, err
	}
	// A failed release still leaves the approval recorded.
	if perr := s.persistVote(ctx, p); perr != nil && err == nil {
		err = perr
	}
	return p, err
}

// Reject votes against a proposal.
func (s *Service) Reject(ctx context.Context, proposalID string, signer escrow.SignerContext) (models.ReleaseProposal, error) {
	p, err := s.Quorum.Reject(proposalID, signer)
	s.observe("reject", err)
	if err != nil {
		return models.ReleaseProposal{}, err
	}
	return p, s.persist("proposal", p.ID, s.store.SaveProposal(ctx, p))
}

// Execute retries a quorum-approved release.
func (s *Service) Execute(ctx context.Context, proposalID string) (models.ReleaseProposal, error) {
	p, err := s.Quorum.Execute(proposalID)
	s.observe("execute", err)
	if err != nil {
		return models.ReleaseProposal{}, err
	}
	return p, s.persistVote(ctx, p)
}

// RecordTxHash attaches a chain transaction id to a settled entity.
func (s *Service) RecordTxHash(ctx context.Context, refID, txHash string) (models.AuditEvent, error) {
	ev, err := s.Trail.RecordTxHash(refID, txHash)
	s.observe("tx_hash", err)
	return ev, err
}

// persistVote saves the proposal and, once executed, the escrow.
func (s *Service) persistVote(ctx context.Context, p models.ReleaseProposal) error {
	if err := s.persist("proposal", p.ID, s.store.SaveProposal(ctx, p)); err != nil {
		return err
	}
	if p.Status != models.ProposalExecuted {
		return nil
	}
	s.metrics.Released(p.Amount.InexactFloat64())
	e, err := s.Ledger.Get(p.EscrowID)
	if err != nil {
		return err
	}
	return s.persist("escrow", e.ID, s.store.SaveEscrow(ctx, e))
}

// checkSigners fails with invalid when an id is not a registered signer.
func (s *Service) checkSigners(ctx context.Context, ids []string, invalid error) error {
	for _, id := range ids {
		if _, err := s.signers.GetSigner(ctx, id); err != nil {
			if errors.Is(err, auth.ErrSignerNotFound) {
				return fmt.Errorf("%w: signer %q is not registered", invalid, id)
			}
			return fmt.Errorf("failed to look up signer %q: %w", id, err)
		}
	}
	return nil
}

func (s *Service) recordSettlement(b models.Batch) {
	s.metrics.BatchSettled(s.Auction.LiveEpoch(), b.ClearingPrice.InexactFloat64(), b.TotalAllocated.InexactFloat64())
}

func (s *Service) observe(op string, err error) {
	s.metrics.Observe(op, err)
	s.metrics.SetAuditSeq(s.Trail.LastSeq())
	if fault.IsFatal(err) {
		s.log.Error("audit trail failure", zap.String("op", op), zap.Error(err))
	}
}

func (s *Service) persist(kind, id string, err error) error {
	if err != nil {
		s.log.Error("persist failed", zap.String("kind", kind), zap.String("id", id), zap.Error(err))
		return fmt.Errorf("failed to persist %s %s: %w", kind, id, err)
	}
	return nil
}
