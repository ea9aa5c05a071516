package models

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Launch modes offered by the launchpad
const (
	LaunchModeBatch   = "batch"
	LaunchModeLBP     = "lbp"
	LaunchModeDutch   = "dutch"
	LaunchModeBonding = "bonding"
)

// LaunchParams are the token launch parameters hidden behind a commitment
type LaunchParams struct {
	Name            string          `json:"name"`
	Symbol          string          `json:"symbol"`
	TotalSupply     decimal.Decimal `json:"totalSupply"`
	LaunchMode      string          `json:"launchMode"`
	UseCommitReveal bool            `json:"useCommitReveal"`
	DevAllocation   decimal.Decimal `json:"devAllocation"`
	VestingDays     int             `json:"vestingDays"`
	EscrowSigners   []string        `json:"escrowSigners"`
	EscrowQuorum    int             `json:"escrowQuorum"`
}

// PublicSupply is the part of total supply offered to the batch auction
func (p LaunchParams) PublicSupply() decimal.Decimal {
	return p.TotalSupply.Sub(p.DevAllocation)
}

// Commitment binds an issuer to launch parameters until they are revealed
type Commitment struct {
	ID             string        `json:"id"`
	Hash           string        `json:"commitHash"` // hex sha256(canonical(params) || salt)
	CommittedAt    time.Time     `json:"committedAt"`
	RevealDelay    time.Duration `json:"revealDelay"`
	RevealDeadline time.Duration `json:"revealDeadline,omitempty"` // zero means no deadline
	Revealed       bool          `json:"revealed"`
	RevealedAt     *time.Time    `json:"revealedAt,omitempty"`
	RevealedParams *LaunchParams `json:"launchParams,omitempty"`
}

// RevealOpensAt is the earliest instant a reveal is accepted
func (c *Commitment) RevealOpensAt() time.Time {
	return c.CommittedAt.Add(c.RevealDelay)
}

// Commitment states
const (
	CommitmentCommitted = "committed"
	CommitmentRevealed  = "revealed"
	CommitmentExpired   = "expired"
)

// State returns the commitment state at now. A commitment only expires when
// it carries a reveal deadline that passed without a reveal.
func (c *Commitment) State(now time.Time) string {
	switch {
	case c.Revealed:
		return CommitmentRevealed
	case c.RevealDeadline > 0 && now.After(c.CommittedAt.Add(c.RevealDeadline)):
		return CommitmentExpired
	default:
		return CommitmentCommitted
	}
}

// SealedOrder is a bid whose amount and price stay hidden until settlement
type SealedOrder struct {
	ID              string           `json:"id"`
	Epoch           uint64           `json:"epoch"`
	WalletAddress   string           `json:"walletAddress"`
	Amount          decimal.Decimal  `json:"amount"`
	MaxPrice        decimal.Decimal  `json:"maxPrice"`
	SubmittedAt     time.Time        `json:"submittedAt"` // Used for time priority
	Seq             uint64           `json:"seq"`         // Insertion index within the batch
	Settled         bool             `json:"settled"`
	AllocatedAmount decimal.Decimal  `json:"allocatedAmount"`
	ClearingPrice   *decimal.Decimal `json:"clearingPrice,omitempty"`
}

// SealedReceipt is the only view of an order other participants get before settlement
type SealedReceipt struct {
	ID            string    `json:"id"`
	Epoch         uint64    `json:"epoch"`
	WalletAddress string    `json:"walletAddress"`
	SubmittedAt   time.Time `json:"submittedAt"`
	Settled       bool      `json:"settled"`
}

// Receipt strips the sealed fields from an order
func (o *SealedOrder) Receipt() SealedReceipt {
	return SealedReceipt{
		ID:            o.ID,
		Epoch:         o.Epoch,
		WalletAddress: o.WalletAddress,
		SubmittedAt:   o.SubmittedAt,
		Settled:       o.Settled,
	}
}

// Batch is one sealed-order auction epoch
type Batch struct {
	Epoch           uint64           `json:"epoch"`
	Orders          []SealedOrder    `json:"orders"` // insertion order, empty while sealed
	OrderCount      int              `json:"orderCount"`
	Closed          bool             `json:"closed"`
	ClearingPrice   *decimal.Decimal `json:"clearingPrice,omitempty"`
	AvailableSupply decimal.Decimal  `json:"availableSupply"`
	TotalAllocated  decimal.Decimal  `json:"totalAllocated"`
	SettledAt       *time.Time       `json:"settledAt,omitempty"`
}

// Settled reports whether the batch reached its terminal state
func (b *Batch) Settled() bool {
	return b.SettledAt != nil
}

// Escrow holds the dev allocation released under a linear vesting schedule
type Escrow struct {
	ID              string          `json:"id"`
	TotalAllocation decimal.Decimal `json:"totalAllocation"`
	Released        decimal.Decimal `json:"released"`
	VestingStart    time.Time       `json:"vestingStart"`
	VestingEnd      time.Time       `json:"vestingEnd"`
	Signers         []string        `json:"signers"` // sorted, unique
	Quorum          int             `json:"quorum"`
}

// VestedAmount returns totalAllocation * clamp((t-start)/(end-start), 0, 1)
func (e *Escrow) VestedAmount(t time.Time) decimal.Decimal {
	if !t.After(e.VestingStart) {
		return decimal.Zero
	}
	if !t.Before(e.VestingEnd) {
		return e.TotalAllocation
	}
	elapsed := decimal.NewFromInt(int64(t.Sub(e.VestingStart)))
	span := decimal.NewFromInt(int64(e.VestingEnd.Sub(e.VestingStart)))
	vested := e.TotalAllocation.Mul(elapsed).Div(span)
	if vested.GreaterThan(e.TotalAllocation) {
		return e.TotalAllocation
	}
	return vested
}

// EscrowStatus is the dashboard view of an escrow at a point in time
type EscrowStatus struct {
	Escrow
	At            time.Time       `json:"at"`
	Vested        decimal.Decimal `json:"vested"`
	Releasable    decimal.Decimal `json:"releasable"`
	Progress      decimal.Decimal `json:"progress"` // percent vested, 2 places
	DaysRemaining int             `json:"daysRemaining"`
}

// HasSigner reports whether id is one of the escrow signers
func (e *Escrow) HasSigner(id string) bool {
	_, found := slices.BinarySearch(e.Signers, id)
	return found
}

// Proposal statuses
const (
	ProposalPending  = "pending"
	ProposalExecuted = "executed"
	ProposalRejected = "rejected"
)

// ReleaseProposal asks the signers to release part of an escrow
type ReleaseProposal struct {
	ID         string          `json:"id"`
	EscrowID   string          `json:"escrowId"`
	Proposer   string          `json:"proposer"`
	Amount     decimal.Decimal `json:"amount"`
	Approvals  []string        `json:"approvals"`  // in vote order
	Rejections []string        `json:"rejections"` // in vote order
	Status     string          `json:"status"`     // "pending", "executed", "rejected"
	CreatedAt  time.Time       `json:"createdAt"`
	ExecutedAt *time.Time      `json:"executedAt,omitempty"`
}

// HasVoted reports whether signer already approved or rejected
func (p *ReleaseProposal) HasVoted(signer string) bool {
	return slices.Contains(p.Approvals, signer) || slices.Contains(p.Rejections, signer)
}

// Audit event kinds
const (
	EventCommit          = "commit"
	EventReveal          = "reveal"
	EventOrderSubmitted  = "order_submitted"
	EventBatchClosed     = "batch_closed"
	EventBatchSettlement = "batch_settlement"
	EventEscrowCreated   = "escrow_created"
	EventReleaseProposed = "release_proposed"
	EventReleaseApproved = "release_approved"
	EventReleaseRejected = "release_rejected"
	EventEscrowRelease   = "escrow_release"
	EventTxConfirmed     = "tx_confirmed"
)

// AuditEvent is an append-only record of a state transition
type AuditEvent struct {
	Seq       uint64            `json:"seq"`
	Kind      string            `json:"kind"`
	RefID     string            `json:"refId"`
	Timestamp time.Time         `json:"timestamp"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// Launch links a revealed commitment to the batch it settled and the dev
// allocation escrow opened for it
type Launch struct {
	CommitmentID string          `json:"commitmentId"`
	Symbol       string          `json:"symbol"`
	Epoch        uint64          `json:"epoch"`
	EscrowID     string          `json:"escrowId,omitempty"` // empty without a dev allocation
	PublicSupply decimal.Decimal `json:"publicSupply"`
	SettledAt    time.Time       `json:"settledAt"`
}

// Signer is an escrow signer account
type Signer struct {
	ID           string    `json:"id"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Snapshot is the persisted state restored into the engine at startup
type Snapshot struct {
	Commitments []Commitment
	Batches     []Batch // with all orders, sealed or not
	Escrows     []Escrow
	Proposals   []ReleaseProposal
	Launches    []Launch
}
