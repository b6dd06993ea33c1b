// Package errors classifies pipeline failures so components can decide whether
// to retry, drop a unit, or refuse to start.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360/pilotstreams/pkg/retry"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors caused by a bad unit, route or declaration
	ErrorInvalid
	// ErrorFatal represents errors that must stop a component from running
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Lifecycle errors
var (
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrAlreadyStopped = errors.New("component already stopped")
	ErrNoInitializer  = errors.New("component has no initializer")
	ErrStopTimeout    = errors.New("component stop timed out")
)

// Binding and routing errors
var (
	ErrMissingWorker    = errors.New("no worker declared for accepted state")
	ErrDuplicateBinding = errors.New("binding already declared")
	ErrDuplicateInput   = errors.New("queue already has an input binding")
	ErrUnknownRoute     = errors.New("no output route for state")
	ErrUnknownTopic     = errors.New("no publisher for topic")
	ErrStateMismatch    = errors.New("unit state not accepted by input")
	ErrInvalidState     = errors.New("invalid unit state")
)

// Ownership errors, checked when debug assertions are enabled
var (
	ErrNotOwner      = errors.New("unit not owned by component")
	ErrDoubleAdvance = errors.New("unit already forwarded for this arrival")
	ErrNotAdvanced   = errors.New("unit neither advanced nor retained")
)

// Transport errors
var (
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrQueueClosed       = errors.New("queue closed")
	ErrChannelClosed     = errors.New("pubsub channel closed")
	ErrWrongSide         = errors.New("operation not allowed on this side of the channel")
	ErrUnknownTransport  = errors.New("unknown transport address")
)

// Data and storage errors
var (
	ErrInvalidData    = errors.New("invalid data format")
	ErrUnitNotFound   = errors.New("unit not found")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrMissingConfig  = errors.New("missing required configuration")
	ErrResourceLimit  = errors.New("resource request exceeds pilot capacity")
	ErrMaxRetriesHit  = errors.New("maximum retries exceeded")
	ErrStorageOffline = errors.New("storage unavailable")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

func classOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorTransient
	}

	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrNoConnection) ||
		errors.Is(err, ErrStorageOffline) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "temporary", "unavailable"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// IsFatal checks if an error must prevent a component from running
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorFatal
	}
	return errors.Is(err, ErrMissingWorker) ||
		errors.Is(err, ErrNoInitializer) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig)
}

// IsInvalid checks if an error is due to a bad unit or route
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorInvalid
	}
	return errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrUnknownRoute) ||
		errors.Is(err, ErrUnknownTopic) ||
		errors.Is(err, ErrStateMismatch) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrDuplicateBinding) ||
		errors.Is(err, ErrDuplicateInput)
}

// Classify returns the error class for an error. Explicit classification wins,
// then fatal and invalid sentinels, and anything else counts as transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	if class, ok := classOf(err); ok {
		return class
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}
	return ErrorTransient
}

func newClassified(class ErrorClass, err error, component, operation string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   err.Error(),
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorTransient, Wrap(err, component, method, action), component, method)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorFatal, Wrap(err, component, method, action), component, method)
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorInvalid, Wrap(err, component, method, action), component, method)
}

// RetryConfig describes how transports retry transient failures
type RetryConfig struct {
	MaxRetries    int           `json:"max_retries"`
	InitialDelay  time.Duration `json:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
}

// DefaultRetryConfig returns the retry policy used by the NATS transports
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
	}
}

// ShouldRetry reports whether attempt (zero based) may be followed by another
func (rc RetryConfig) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= rc.MaxRetries {
		return false
	}
	return Classify(err) == ErrorTransient && !errors.Is(err, context.Canceled)
}

// ToRetryConfig converts to the retry package configuration. MaxRetries counts
// additional attempts, so one is added for the first try.
func (rc RetryConfig) ToRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  rc.MaxRetries + 1,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.BackoffFactor,
		AddJitter:    true,
	}
}

// Do runs fn under this policy. Errors that are not transient stop retrying
// immediately.
func (rc RetryConfig) Do(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, rc.ToRetryConfig(), func() error {
		err := fn()
		if err != nil && Classify(err) != ErrorTransient {
			return retry.NonRetryable(err)
		}
		return err
	})
}
