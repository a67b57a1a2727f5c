// Package api is the HTTP surface of the trust core: the response envelope,
// domain error mapping, durable idempotency, request validation, and the
// handlers for ledger, proofs, policies, upgrades, and chain verification.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/meridianhq/trustcore/pkg/audit"
	"github.com/meridianhq/trustcore/pkg/crypto"
	"github.com/meridianhq/trustcore/pkg/governance"
	"github.com/meridianhq/trustcore/pkg/ledger"
	"github.com/meridianhq/trustcore/pkg/proof"
	"github.com/meridianhq/trustcore/pkg/upgrade"
)

// Error codes on the wire.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeUnauthenticated     = "UNAUTHENTICATED"
	CodeForbidden           = "FORBIDDEN"
	CodeNotFound            = "NOT_FOUND"
	CodeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	CodeLedgerImbalance     = "LEDGER_IMBALANCE"
	CodeUpgradeRequired     = "UPGRADE_REQUIRED"
	CodeQuorumNotReached    = "QUORUM_NOT_REACHED"
	CodeSignatureInvalid    = "SIGNATURE_INVALID"
	CodeSignerUnknown       = "SIGNER_UNKNOWN"
	CodeSigningFailure      = "SIGNING_FAILURE"
	CodeChainBroken         = "CHAIN_BROKEN"
	CodeConflict            = "CONFLICT"
	CodeReadOnly            = "READ_ONLY"
	CodeTooLarge            = "RESPONSE_TOO_LARGE"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInternal            = "INTERNAL"
)

// ErrorBody is the error half of the response envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Envelope is the uniform response shape: {ok:true, ...} on success,
// {ok:false, error:{code,message,details?}} on failure.
type Envelope struct {
	OK    bool       `json:"ok"`
	Error *ErrorBody `json:"error,omitempty"`
}

// WriteJSON writes any success payload. The payload carries its own ok:true.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError writes the failure envelope.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, Envelope{OK: false, Error: &ErrorBody{Code: code, Message: message}})
}

// WriteDomainError maps a core error to its transport code and writes the
// envelope. Unrecognized errors become 500 INTERNAL with the detail logged,
// never exposed.
func WriteDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		logger.Error("internal error", "error", err)
		WriteError(w, status, code, "an unexpected error occurred")
		return
	}
	WriteError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrLedgerImbalance):
		return http.StatusBadRequest, CodeLedgerImbalance
	case errors.Is(err, ledger.ErrDuplicateJournal):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, ledger.ErrJournalNotFound),
		errors.Is(err, proof.ErrProofNotFound),
		errors.Is(err, governance.ErrPolicyNotFound),
		errors.Is(err, upgrade.ErrUpgradeNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, governance.ErrUpgradeRequired):
		return http.StatusConflict, CodeUpgradeRequired
	case errors.Is(err, governance.ErrInvalidTransition),
		errors.Is(err, upgrade.ErrWrongState):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, governance.ErrRuleInvalid):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, upgrade.ErrQuorumNotReached):
		return http.StatusConflict, CodeQuorumNotReached
	case errors.Is(err, upgrade.ErrDuplicateApproval),
		errors.Is(err, upgrade.ErrApprovalExpired),
		errors.Is(err, upgrade.ErrNotInPool):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, upgrade.ErrNotPrivileged):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, crypto.ErrSignatureInvalid):
		return http.StatusBadRequest, CodeSignatureInvalid
	case errors.Is(err, crypto.ErrSignerUnknown):
		return http.StatusBadRequest, CodeSignerUnknown
	case errors.Is(err, crypto.ErrSigningFailure):
		return http.StatusInternalServerError, CodeSigningFailure
	case errors.Is(err, audit.ErrChainBroken):
		return http.StatusInternalServerError, CodeChainBroken
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
