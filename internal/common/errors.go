// Package common holds the error taxonomy shared by every layer of the server.
package common

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrConflict           = errors.New("conflict")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrIdentityMismatch   = errors.New("identity mismatch")
	ErrNotFound           = errors.New("not found")
	ErrKeyRecovery        = errors.New("key recovery failed")
	ErrIntegrity          = errors.New("ciphertext integrity check failed")
	ErrFormat             = errors.New("malformed ciphertext envelope")
	ErrAlreadyProvisioned = errors.New("account already provisioned")
	ErrSubmissionFailed   = errors.New("ledger submission failed")
	ErrReconciliation     = errors.New("reconciliation required")
)

// ReconciliationError reports a confirmed ledger transaction whose local record
// could not be written.
type ReconciliationError struct {
	TxRef     string
	AnchorRef string
	AccountID uuid.UUID
	Err       error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation required for tx %s: %v", e.TxRef, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

func (e *ReconciliationError) Is(target error) bool { return target == ErrReconciliation }

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
