package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/fairlaunch/internal/auth"
	"github.com/xtrntr/fairlaunch/internal/fault"
	"github.com/xtrntr/fairlaunch/internal/models"
)

const uniqueViolation = "23505"

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// CreateSigner inserts a new signer
func (db *DB) CreateSigner(ctx context.Context, id, passwordHash string) (*models.Signer, error) {
	signer := &models.Signer{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO signers (id, password_hash) VALUES ($1, $2) RETURNING id, password_hash, created_at",
		id, passwordHash).Scan(&signer.ID, &signer.PasswordHash, &signer.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("failed to create signer %q: %w", id, auth.ErrSignerExists)
		}
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	return signer, nil
}

// GetSigner retrieves a signer by id
func (db *DB) GetSigner(ctx context.Context, id string) (*models.Signer, error) {
	signer := &models.Signer{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, password_hash, created_at FROM signers WHERE id = $1",
		id).Scan(&signer.ID, &signer.PasswordHash, &signer.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to get signer %q: %w", id, auth.ErrSignerNotFound)
		}
		return nil, fmt.Errorf("failed to get signer: %w", err)
	}
	return signer, nil
}

// SaveCommitment inserts or updates a commitment
func (db *DB) SaveCommitment(ctx context.Context, c models.Commitment) error {
	var params []byte
	if c.RevealedParams != nil {
		var err error
		if params, err = json.Marshal(c.RevealedParams); err != nil {
			return fmt.Errorf("failed to encode revealed params: %w", err)
		}
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO commitments (id, commit_hash, committed_at, reveal_delay_ms, reveal_deadline_ms, revealed, revealed_at, revealed_params)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET revealed = $6, revealed_at = $7, revealed_params = $8
	`, c.ID, c.Hash, c.CommittedAt, c.RevealDelay.Milliseconds(), c.RevealDeadline.Milliseconds(),
		c.Revealed, c.RevealedAt, params)
	if err != nil {
		return fmt.Errorf("failed to save commitment: %w", err)
	}
	return nil
}

// SaveOrder inserts a sealed order, creating its batch row if needed
func (db *DB) SaveOrder(ctx context.Context, o models.SealedOrder) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "INSERT INTO batches (epoch) VALUES ($1) ON CONFLICT DO NOTHING", int64(o.Epoch)); err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, epoch, wallet_address, amount, max_price, submitted_at, seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, o.ID, int64(o.Epoch), o.WalletAddress, o.Amount.String(), o.MaxPrice.String(), o.SubmittedAt, int64(o.Seq))
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveBatch stores a batch's state. Settling writes every order's
// allocation in the same transaction and fails with ErrAlreadySettled if
// the stored batch is already settled.
func (db *DB) SaveBatch(ctx context.Context, b models.Batch) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "INSERT INTO batches (epoch) VALUES ($1) ON CONFLICT DO NOTHING", int64(b.Epoch)); err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}

	// Lock the row for update to prevent concurrent settlement
	var settledAt *time.Time
	err = tx.QueryRow(ctx, "SELECT settled_at FROM batches WHERE epoch = $1 FOR UPDATE", int64(b.Epoch)).Scan(&settledAt)
	if err != nil {
		return fmt.Errorf("failed to get batch: %w", err)
	}
	if settledAt != nil {
		return fmt.Errorf("failed to save batch %d: %w", b.Epoch, fault.ErrAlreadySettled)
	}

	var price *string
	if b.ClearingPrice != nil {
		p := b.ClearingPrice.String()
		price = &p
	}
	_, err = tx.Exec(ctx, `
		UPDATE batches SET closed = $2, clearing_price = $3, available_supply = $4, total_allocated = $5, settled_at = $6
		WHERE epoch = $1
	`, int64(b.Epoch), b.Closed, price, b.AvailableSupply.String(), b.TotalAllocated.String(), b.SettledAt)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}

	if b.Settled() {
		for _, o := range b.Orders {
			tag, err := tx.Exec(ctx, `
				UPDATE orders SET settled = TRUE, allocated_amount = $2, clearing_price = $3
				WHERE id = $1 AND epoch = $4
			`, o.ID, o.AllocatedAmount.String(), price, int64(b.Epoch))
			if err != nil {
				return fmt.Errorf("failed to settle order %s: %w", o.ID, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("order %s not found in batch %d", o.ID, b.Epoch)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveEscrow inserts or updates an escrow
func (db *DB) SaveEscrow(ctx context.Context, e models.Escrow) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO escrows (id, total_allocation, released, vesting_start, vesting_end, signers, quorum)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET released = $3
	`, e.ID, e.TotalAllocation.String(), e.Released.String(), e.VestingStart, e.VestingEnd, e.Signers, e.Quorum)
	if err != nil {
		return fmt.Errorf("failed to save escrow: %w", err)
	}
	return nil
}

// SaveProposal inserts or updates a release proposal
func (db *DB) SaveProposal(ctx context.Context, p models.ReleaseProposal) error {
	approvals, rejections := p.Approvals, p.Rejections
	if approvals == nil {
		approvals = []string{}
	}
	if rejections == nil {
		rejections = []string{}
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO release_proposals (id, escrow_id, proposer, amount, approvals, rejections, status, created_at, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET approvals = $5, rejections = $6, status = $7, executed_at = $9
	`, p.ID, p.EscrowID, p.Proposer, p.Amount.String(), approvals, rejections, p.Status, p.CreatedAt, p.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to save proposal: %w", err)
	}
	return nil
}

// SaveLaunch records a settled launch
func (db *DB) SaveLaunch(ctx context.Context, l models.Launch) error {
	var escrowID *string
	if l.EscrowID != "" {
		escrowID = &l.EscrowID
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO launches (commitment_id, symbol, epoch, escrow_id, public_supply, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, l.CommitmentID, l.Symbol, int64(l.Epoch), escrowID, l.PublicSupply.String(), l.SettledAt)
	if err != nil {
		return fmt.Errorf("failed to save launch: %w", err)
	}
	return nil
}

// Load reads the full persisted state
func (db *DB) Load(ctx context.Context) (*models.Snapshot, error) {
	snap := &models.Snapshot{}
	var err error
	if snap.Commitments, err = db.loadCommitments(ctx); err != nil {
		return nil, err
	}
	if snap.Batches, err = db.loadBatches(ctx); err != nil {
		return nil, err
	}
	if snap.Escrows, err = db.loadEscrows(ctx); err != nil {
		return nil, err
	}
	if snap.Proposals, err = db.loadProposals(ctx); err != nil {
		return nil, err
	}
	if snap.Launches, err = db.loadLaunches(ctx); err != nil {
		return nil, err
	}
	return snap, nil
}

func (db *DB) loadCommitments(ctx context.Context) ([]models.Commitment, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id::text, commit_hash, committed_at, reveal_delay_ms, reveal_deadline_ms, revealed, revealed_at, revealed_params
		FROM commitments
		ORDER BY committed_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get commitments: %w", err)
	}
	defer rows.Close()

	var commitments []models.Commitment
	for rows.Next() {
		var c models.Commitment
		var delayMs, deadlineMs int64
		var params []byte
		if err := rows.Scan(&c.ID, &c.Hash, &c.CommittedAt, &delayMs, &deadlineMs, &c.Revealed, &c.RevealedAt, &params); err != nil {
			return nil, fmt.Errorf("failed to scan commitment: %w", err)
		}
		c.RevealDelay = time.Duration(delayMs) * time.Millisecond
		c.RevealDeadline = time.Duration(deadlineMs) * time.Millisecond
		if params != nil {
			c.RevealedParams = &models.LaunchParams{}
			if err := json.Unmarshal(params, c.RevealedParams); err != nil {
				return nil, fmt.Errorf("failed to decode params of %s: %w", c.ID, err)
			}
		}
		commitments = append(commitments, c)
	}
	return commitments, rows.Err()
}

func (db *DB) loadBatches(ctx context.Context) ([]models.Batch, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT epoch, closed, clearing_price::text, available_supply::text, total_allocated::text, settled_at
		FROM batches
		ORDER BY epoch ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get batches: %w", err)
	}
	defer rows.Close()

	var batches []models.Batch
	for rows.Next() {
		var b models.Batch
		var epoch int64
		var price *string
		var supply, allocated string
		if err := rows.Scan(&epoch, &b.Closed, &price, &supply, &allocated, &b.SettledAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		b.Epoch = uint64(epoch)
		if b.ClearingPrice, err = parseOptional(price); err != nil {
			return nil, err
		}
		if b.AvailableSupply, err = decimal.NewFromString(supply); err != nil {
			return nil, fmt.Errorf("failed to parse supply of batch %d: %w", epoch, err)
		}
		if b.TotalAllocated, err = decimal.NewFromString(allocated); err != nil {
			return nil, fmt.Errorf("failed to parse allocation of batch %d: %w", epoch, err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range batches {
		if batches[i].Orders, err = db.loadOrders(ctx, batches[i].Epoch); err != nil {
			return nil, err
		}
		batches[i].OrderCount = len(batches[i].Orders)
	}
	return batches, nil
}

func (db *DB) loadOrders(ctx context.Context, epoch uint64) ([]models.SealedOrder, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id::text, wallet_address, amount::text, max_price::text, submitted_at, seq, settled, allocated_amount::text, clearing_price::text
		FROM orders
		WHERE epoch = $1
		ORDER BY seq ASC
	`, int64(epoch))
	if err != nil {
		return nil, fmt.Errorf("failed to get orders: %w", err)
	}
	defer rows.Close()

	var orders []models.SealedOrder
	for rows.Next() {
		o := models.SealedOrder{Epoch: epoch}
		var seq int64
		var amount, maxPrice, allocated string
		var price *string
		if err := rows.Scan(&o.ID, &o.WalletAddress, &amount, &maxPrice, &o.SubmittedAt, &seq, &o.Settled, &allocated, &price); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Seq = uint64(seq)
		if o.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("failed to parse amount of order %s: %w", o.ID, err)
		}
		if o.MaxPrice, err = decimal.NewFromString(maxPrice); err != nil {
			return nil, fmt.Errorf("failed to parse max price of order %s: %w", o.ID, err)
		}
		if o.AllocatedAmount, err = decimal.NewFromString(allocated); err != nil {
			return nil, fmt.Errorf("failed to parse allocation of order %s: %w", o.ID, err)
		}
		if o.ClearingPrice, err = parseOptional(price); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (db *DB) loadEscrows(ctx context.Context) ([]models.Escrow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, total_allocation::text, released::text, vesting_start, vesting_end, signers, quorum
		FROM escrows
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get escrows: %w", err)
	}
	defer rows.Close()

	var escrows []models.Escrow
	for rows.Next() {
		var e models.Escrow
		var total, released string
		if err := rows.Scan(&e.ID, &total, &released, &e.VestingStart, &e.VestingEnd, &e.Signers, &e.Quorum); err != nil {
			return nil, fmt.Errorf("failed to scan escrow: %w", err)
		}
		if e.TotalAllocation, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("failed to parse allocation of escrow %s: %w", e.ID, err)
		}
		if e.Released, err = decimal.NewFromString(released); err != nil {
			return nil, fmt.Errorf("failed to parse released of escrow %s: %w", e.ID, err)
		}
		escrows = append(escrows, e)
	}
	return escrows, rows.Err()
}

func (db *DB) loadProposals(ctx context.Context) ([]models.ReleaseProposal, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id::text, escrow_id, proposer, amount::text, approvals, rejections, status, created_at, executed_at
		FROM release_proposals
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get proposals: %w", err)
	}
	defer rows.Close()

	var proposals []models.ReleaseProposal
	for rows.Next() {
		var p models.ReleaseProposal
		var amount string
		if err := rows.Scan(&p.ID, &p.EscrowID, &p.Proposer, &amount, &p.Approvals, &p.Rejections, &p.Status, &p.CreatedAt, &p.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan proposal: %w", err)
		}
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("failed to parse amount of proposal %s: %w", p.ID, err)
		}
		proposals = append(proposals, p)
	}
	return proposals, rows.Err()
}

func (db *DB) loadLaunches(ctx context.Context) ([]models.Launch, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT commitment_id::text, symbol, epoch, escrow_id, public_supply::text, settled_at
		FROM launches
		ORDER BY settled_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get launches: %w", err)
	}
	defer rows.Close()

	var launches []models.Launch
	for rows.Next() {
		var l models.Launch
		var epoch int64
		var escrowID *string
		var supply string
		if err := rows.Scan(&l.CommitmentID, &l.Symbol, &epoch, &escrowID, &supply, &l.SettledAt); err != nil {
			return nil, fmt.Errorf("failed to scan launch: %w", err)
		}
		l.Epoch = uint64(epoch)
		if escrowID != nil {
			l.EscrowID = *escrowID
		}
		if l.PublicSupply, err = decimal.NewFromString(supply); err != nil {
			return nil, fmt.Errorf("failed to parse supply of launch %s: %w", l.CommitmentID, err)
		}
		launches = append(launches, l)
	}
	return launches, rows.Err()
}

func parseOptional(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("failed to parse decimal %q: %w", *s, err)
	}
	return &d, nil
}
