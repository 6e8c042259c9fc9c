// Package escrow coordinates payment holds, releases, and refunds
// against an external provider. Provider calls are idempotent by
// construction: every operation carries a key derived from the contract
// id, the operation, and the contract version, so retries and crash
// replays can never duplicate a money movement.
package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	apperrors "github.com/voicepact/voicepact/internal/errors"
)

// Operation identifies a money movement against the provider.
type Operation string

const (
	OpHold    Operation = "hold"
	OpRelease Operation = "release"
	OpRefund  Operation = "refund"
)

// IsValid reports whether the operation is one the coordinator executes.
func (o Operation) IsValid() bool {
	switch o {
	case OpHold, OpRelease, OpRefund:
		return true
	default:
		return false
	}
}

// Config controls the provider retry policy.
type Config struct {
	// MaxAttempts is the total number of provider calls per operation
	// before the operation is declared failed.
	MaxAttempts int `env:"VOICEPACT_ESCROW_MAX_ATTEMPTS" envDefault:"3"`
	// RetryBackoff is the initial delay between provider retries; the
	// delay grows exponentially from there.
	RetryBackoff time.Duration `env:"VOICEPACT_ESCROW_RETRY_BACKOFF" envDefault:"5m"`
}

var (
	// ErrTransient marks a provider failure that is safe to retry.
	ErrTransient = apperrors.New(apperrors.CodeEscrowTransient, "escrow provider temporarily unavailable")
	// ErrFatal marks a provider failure that retrying cannot fix.
	ErrFatal = apperrors.New(apperrors.CodeEscrowFatal, "escrow operation failed")
)

// Transient wraps a provider error so the coordinator retries it.
func Transient(cause error) error {
	return apperrors.Wrap(apperrors.CodeEscrowTransient, "escrow provider temporarily unavailable", cause)
}

// IsTransient reports whether an error is safe to retry. Context
// deadline expiry counts: the provider may have been reachable and slow.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// Request carries everything a provider needs for one money movement.
type Request struct {
	EscrowID       string
	ContractID     string
	IdempotencyKey string
	Amount         int64
	Currency       string
}

// Provider is the payment-provider capability. Implementations must
// treat IdempotencyKey as the dedup boundary: a repeated call with the
// same key must not move money twice. Real mobile-money integrations
// sit behind this interface.
type Provider interface {
	Hold(ctx context.Context, req Request) (providerRef string, err error)
	Release(ctx context.Context, req Request) (providerRef string, err error)
	Refund(ctx context.Context, req Request) (providerRef string, err error)
}

// IdempotencyKey derives the deterministic dedup key for one operation
// at one contract version. The same (contract, operation, version)
// always yields the same key, so a replayed transition reuses the
// provider's original outcome.
func IdempotencyKey(contractID string, op Operation, version int64) string {
	digest := sha256.Sum256([]byte(contractID + "\n" + string(op) + "\n" + strconv.FormatInt(version, 10)))
	return "esc_" + hex.EncodeToString(digest[:])[:32]
}
