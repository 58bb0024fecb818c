package magiclink

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation is the parent of every input or configuration rejection.
	// Nothing is written when it is returned.
	ErrValidation = errors.New("validation failed")

	ErrInvalidRedirect = errors.New("invalid redirect url")
	ErrInvalidExpiry   = errors.New("invalid expiry")
	ErrInvalidEmail    = errors.New("invalid email")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrRateLimited is returned when the issuance quota for a subject is spent.
	ErrRateLimited = errors.New("rate limited")

	// ErrNotFound is returned by administrative lookups and by stores.
	ErrNotFound = errors.New("magic link not found")

	// ErrLinkUsed is returned when extending a link that was consumed or revoked.
	ErrLinkUsed = errors.New("magic link already used")

	// Terminal consume outcomes, see ConsumeResult.Err.
	ErrInvalidToken = errors.New("invalid magic link token")
	ErrAlreadyUsed  = errors.New("magic link already used")
	ErrExpired      = errors.New("magic link expired")

	// ErrStorage marks failures propagated from a Store or RateLimiter.
	// The core never retries them.
	ErrStorage = errors.New("storage failure")

	// Store-level sentinels. Backends return these instead of driver errors
	// where the condition is part of the contract.
	ErrNotConsumable = errors.New("magic link not consumable")
	ErrDuplicate     = errors.New("duplicate magic link")
)

// ValidationError describes rejected input. It matches both ErrValidation
// and its Kind with errors.Is.
type ValidationError struct {
	Field  string
	Reason string
	Kind   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %s", e.Kind, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() []error { return []error{ErrValidation, e.Kind} }

func invalid(kind error, field, reason string) error {
	return &ValidationError{Field: field, Reason: reason, Kind: kind}
}

// RateLimitError carries how long the caller should wait before retrying.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// StorageError wraps a backend failure with the operation that produced it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsValidation reports whether err rejected input before any state change.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsRateLimited reports whether err is a quota rejection.
func IsRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }

// IsNotFound reports whether err is a not-found condition.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsStorage reports whether err came from the persistence layer.
func IsStorage(err error) bool { return errors.Is(err, ErrStorage) }
