package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned for a state change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrInterruptResolved is returned when an interrupt already left pending.
	ErrInterruptResolved = errors.New("interrupt already resolved")
	// ErrApprovalTimeout is the recoverable error a step sees when nobody
	// decided before the approval deadline.
	ErrApprovalTimeout = errors.New("approval timed out")
)

// ConfigurationError reports a request that can never succeed as issued,
// such as an unknown target agent. Never retried.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Message
}

// NewConfigurationError formats a ConfigurationError.
func NewConfigurationError(format string, args ...any) error {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// QuotaExceededError reports a registry soft limit.
type QuotaExceededError struct {
	Quota string
	Scope string
	Limit int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s for %s (limit %d)", e.Quota, e.Scope, e.Limit)
}

// DuplicateCapabilityNameError is returned once every disambiguated
// candidate for a delegation capability name also collides.
type DuplicateCapabilityNameError struct {
	Name     string
	UserID   string
	Attempts int
}

func (e *DuplicateCapabilityNameError) Error() string {
	scope := e.UserID
	if scope == "" {
		scope = "shared catalog"
	}
	return fmt.Sprintf("delegation capability name %q already taken in %s after %d attempts", e.Name, scope, e.Attempts)
}

// TransientError wraps a failure worth retrying with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err unless it is nil.
func NewTransientError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// TimeoutError is produced only by the supervisor's liveness check.
type TimeoutError struct {
	ExecutionID string
	Budget      time.Duration
	Elapsed     time.Duration
	// SinceProgress is how long the execution went without progress evidence.
	SinceProgress time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution %s exceeded its %s budget (active %s, no progress for %s)",
		e.ExecutionID, e.Budget.Round(time.Millisecond), e.Elapsed.Round(time.Millisecond), e.SinceProgress.Round(time.Millisecond))
}

// DelegationDepthExceededError stops runaway delegation chains.
type DelegationDepthExceededError struct {
	Depth    int
	MaxDepth int
}

func (e *DelegationDepthExceededError) Error() string {
	return fmt.Sprintf("delegation depth %d exceeds maximum %d", e.Depth, e.MaxDepth)
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsQuotaExceeded reports whether err is a QuotaExceededError.
func IsQuotaExceeded(err error) bool {
	var target *QuotaExceededError
	return errors.As(err, &target)
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}
