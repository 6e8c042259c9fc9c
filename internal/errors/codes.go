// Package errors provides structured error handling for the contract engine.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeValidation represents malformed input rejected before any
	// contract state was consulted.
	CodeValidation Code = "VALIDATION"

	// Contract validation errors
	CodeContractInvalidType          Code = "CONTRACT_INVALID_TYPE"
	CodeContractPartiesInsufficient  Code = "CONTRACT_PARTIES_INSUFFICIENT"
	CodeContractPartyRoleInvalid     Code = "CONTRACT_PARTY_ROLE_INVALID"
	CodeContractPartyDuplicate       Code = "CONTRACT_PARTY_DUPLICATE"
	CodeContractRolesIncomplete      Code = "CONTRACT_ROLES_INCOMPLETE"
	CodeContractTranscriptEmpty      Code = "CONTRACT_TRANSCRIPT_EMPTY"
	CodeContractTermsEmpty           Code = "CONTRACT_TERMS_EMPTY"
	CodeContractAmountInvalid        Code = "CONTRACT_AMOUNT_INVALID"
	CodeContractCurrencyInvalid      Code = "CONTRACT_CURRENCY_INVALID"
	CodeContractTermsFrozen          Code = "CONTRACT_TERMS_FROZEN"
	CodeContractInvalidTransition    Code = "CONTRACT_INVALID_STATUS_TRANSITION"
	CodeContractStatusDisallowsOp    Code = "CONTRACT_STATUS_DISALLOWS_OPERATION"
	CodeContractStaleVersion         Code = "CONTRACT_STALE_VERSION"
	CodeContractQuarantined          Code = "CONTRACT_QUARANTINED"
	CodeContractCancelRequiresRefund Code = "CONTRACT_CANCEL_REQUIRES_REFUND"

	// Confirmation errors
	CodeConfirmationUnknownParty Code = "CONFIRMATION_UNKNOWN_PARTY"
	CodeConfirmationCodeMismatch Code = "CONFIRMATION_CODE_MISMATCH"
	CodeConfirmationCodeExpired  Code = "CONFIRMATION_CODE_EXPIRED"
	CodeConfirmationLocked       Code = "CONFIRMATION_LOCKED"
	CodeConfirmationNotOpen      Code = "CONFIRMATION_NOT_OPEN"

	// Signature errors
	CodeSignatureKeyMissing Code = "SIGNATURE_KEY_MISSING"
	CodeSignatureMismatch   Code = "SIGNATURE_MISMATCH"

	// Escrow errors
	CodeEscrowTransient Code = "ESCROW_TRANSIENT"
	CodeEscrowFatal     Code = "ESCROW_FATAL"

	// Storage errors
	CodeNotFound  Code = "NOT_FOUND"
	CodeConflict  Code = "CONFLICT"
	CodeIntegrity Code = "EVENT_CHAIN_INTEGRITY"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeValidation,
		CodeContractInvalidType,
		CodeContractPartiesInsufficient,
		CodeContractPartyRoleInvalid,
		CodeContractPartyDuplicate,
		CodeContractRolesIncomplete,
		CodeContractTranscriptEmpty,
		CodeContractTermsEmpty,
		CodeContractAmountInvalid,
		CodeContractCurrencyInvalid,
		CodeConfirmationUnknownParty:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow operation
	case CodeContractTermsFrozen,
		CodeContractInvalidTransition,
		CodeContractStatusDisallowsOp,
		CodeContractQuarantined,
		CodeContractCancelRequiresRefund,
		CodeConfirmationCodeMismatch,
		CodeConfirmationCodeExpired,
		CodeConfirmationLocked,
		CodeConfirmationNotOpen,
		CodeSignatureKeyMissing,
		CodeSignatureMismatch,
		CodeEscrowFatal:
		return codes.FailedPrecondition

	// Aborted - optimistic concurrency losses, retry with fresh state
	case CodeContractStaleVersion,
		CodeConflict:
		return codes.Aborted

	// Unavailable - transient upstream failures, safe to retry
	case CodeEscrowTransient:
		return codes.Unavailable

	// NotFound - resource doesn't exist
	case CodeNotFound:
		return codes.NotFound

	// DataLoss - tamper-evident chain broke
	case CodeIntegrity:
		return codes.DataLoss

	default:
		return codes.Internal
	}
}
