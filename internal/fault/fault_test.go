package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		expectKind Kind
		expectCode string
	}{
		{
			name:       "Validation",
			err:        ErrInvalidOrder,
			expectKind: KindValidation,
			expectCode: "invalid_order",
		},
		{
			name:       "WrappedTiming",
			err:        fmt.Errorf("failed to reveal commitment abc: %w", ErrRevealTooEarly),
			expectKind: KindTiming,
			expectCode: "reveal_too_early",
		},
		{
			name:       "Settlement",
			err:        fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", ErrOverVestedRelease)),
			expectKind: KindSettlement,
			expectCode: "over_vested_release",
		},
		{
			name:       "Fatal",
			err:        fmt.Errorf("append: %w", ErrStorageExhausted),
			expectKind: KindFatal,
			expectCode: "storage_exhausted",
		},
		{
			name:       "Foreign",
			err:        errors.New("boom"),
			expectKind: KindUnknown,
			expectCode: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectKind, KindOf(tt.err))
			assert.Equal(t, tt.expectCode, CodeOf(tt.err))
		})
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	all := []*Error{
		ErrInvalidParams, ErrInvalidOrder, ErrInvalidSupply, ErrInvalidEscrow, ErrInvalidAmount,
		ErrRevealTooEarly, ErrRevealExpired, ErrAlreadyRevealed, ErrRevealMismatch,
		ErrAlreadySettled, ErrEmptyBatch, ErrBatchClosed, ErrBatchSealed, ErrOverVestedRelease,
		ErrInsufficientQuorum, ErrAlreadyExecuted, ErrNotPending, ErrNotRevealed,
		ErrUnknownSigner, ErrDuplicateApproval,
		ErrUnknownCommitment, ErrUnknownBatch, ErrUnknownEscrow, ErrUnknownProposal,
		ErrStorageExhausted,
	}
	codes := make(map[string]bool)
	for _, e := range all {
		assert.NotEqual(t, KindUnknown, e.Kind, e.Code)
		assert.False(t, codes[e.Code], "duplicate code %s", e.Code)
		codes[e.Code] = true
	}
	assert.True(t, IsFatal(ErrStorageExhausted))
	assert.False(t, IsFatal(ErrEmptyBatch))
}
