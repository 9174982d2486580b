package exception

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrConflict            = errors.New("conflict")
	ErrNotFound            = errors.New("not found")
	ErrExternalService     = errors.New("external service unavailable")
	ErrReconciliationDrift = errors.New("reconciliation drift")
)

// ValidationError carries every failed policy check of a request
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return ErrValidation.Error() + ": " + strings.Join(e.Errors, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidation builds a ValidationError from one or more messages
func NewValidation(msgs ...string) *ValidationError {
	return &ValidationError{Errors: msgs}
}

// InsufficientFundsError is returned when a lock or debit would overdraw a wallet
type InsufficientFundsError struct {
	WalletID  string
	Currency  string
	Available decimal.Decimal
	Required  decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("%s: wallet %s has %s %s available, %s required",
		ErrInsufficientFunds, e.WalletID, e.Available, e.Currency, e.Required)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// ExternalServiceError wraps a failure of a collaborator like a payment gateway
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrExternalService, e.Service, e.Err)
}

func (e *ExternalServiceError) Is(target error) bool {
	return target == ErrExternalService
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// DriftError reports a wallet whose stored balance disagrees with its ledger
type DriftError struct {
	WalletID    string
	Stored      decimal.Decimal
	Expected    decimal.Decimal
	Discrepancy decimal.Decimal
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("%s: wallet %s stored %s expected %s (diff %s)",
		ErrReconciliationDrift, e.WalletID, e.Stored, e.Expected, e.Discrepancy)
}

func (e *DriftError) Is(target error) bool {
	return target == ErrReconciliationDrift
}

// NotFound wraps ErrNotFound with the missing entity
func NotFound(entity string, id any) error {
	return fmt.Errorf("%s %v: %w", entity, id, ErrNotFound)
}

// Conflict wraps ErrConflict with a reason
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConflict)
}

// IsPermanent reports whether retrying err cannot succeed
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict)
}
