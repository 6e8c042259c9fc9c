// Package confirmation aggregates multi-channel party confirmations into
// normalized facts for the contract state machine. Channel-specific
// transport differences stop here.
package confirmation

import (
	"context"
	"log"
	"time"

	"github.com/voicepact/voicepact/internal/contract"
	apperrors "github.com/voicepact/voicepact/internal/errors"
)

// Channel identifies the inbound transport a confirmation arrived on.
type Channel string

const (
	ChannelVoice Channel = "voice"
	ChannelSMS   Channel = "sms"
	ChannelUSSD  Channel = "ussd"
)

// IsValid reports whether the channel is one the engine accepts.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelVoice, ChannelSMS, ChannelUSSD:
		return true
	default:
		return false
	}
}

// Config controls code lifetime and the attempt lockout threshold.
type Config struct {
	// CodeTTL is how long an issued confirmation code stays valid.
	CodeTTL time.Duration `env:"VOICEPACT_CONFIRMATION_CODE_TTL" envDefault:"24h"`
	// MaxAttempts is the failed-presentation count that locks a party.
	MaxAttempts int `env:"VOICEPACT_CONFIRMATION_MAX_ATTEMPTS" envDefault:"3"`
}

var (
	// ErrUnknownParty indicates a confirmation for a party not on the contract.
	ErrUnknownParty = apperrors.New(apperrors.CodeConfirmationUnknownParty, "party is not declared on this contract")
	// ErrNotOpen indicates the contract is not accepting confirmations.
	ErrNotOpen = apperrors.New(apperrors.CodeConfirmationNotOpen, "contract is not accepting confirmations")
	// ErrCodeMismatch indicates the presented code does not match the issued one.
	ErrCodeMismatch = apperrors.New(apperrors.CodeConfirmationCodeMismatch, "confirmation code does not match")
	// ErrCodeExpired indicates the issued code's TTL has elapsed.
	ErrCodeExpired = apperrors.New(apperrors.CodeConfirmationCodeExpired, "confirmation code has expired")
	// ErrLocked indicates the party exceeded the attempt threshold.
	ErrLocked = apperrors.New(apperrors.CodeConfirmationLocked, "party is locked out of confirmation")
)

// CodeSender delivers a plaintext confirmation code to a party over a
// channel. Real SMS/USSD/voice transports sit behind this capability.
type CodeSender interface {
	SendCode(ctx context.Context, contractID string, party contract.Party, channel Channel, code string) error
}

// LogSender logs deliveries instead of sending them. Used when no real
// transport is wired.
type LogSender struct{}

// SendCode implements CodeSender by logging the delivery intent. The code
// itself is not logged.
func (LogSender) SendCode(_ context.Context, contractID string, party contract.Party, channel Channel, _ string) error {
	log.Printf("confirmation code issued contract_id=%s party_id=%s channel=%s", contractID, party.ID, channel)
	return nil
}

// confirmationOpen reports whether a status accepts confirmation activity.
func confirmationOpen(status contract.Status) bool {
	return status == contract.StatusAwaitingConfirmation || status == contract.StatusPartiallyConfirmed
}
