package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.class.String())
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"missing worker", ErrMissingWorker, ErrorFatal},
		{"no initializer", ErrNoInitializer, ErrorFatal},
		{"wrapped missing worker", fmt.Errorf("start: %w", ErrMissingWorker), ErrorFatal},
		{"unknown route", ErrUnknownRoute, ErrorInvalid},
		{"unknown topic", ErrUnknownTopic, ErrorInvalid},
		{"state mismatch", ErrStateMismatch, ErrorInvalid},
		{"connection lost", ErrConnectionLost, ErrorTransient},
		{"unclassified", errors.New("boom"), ErrorTransient},
		{"explicit wins", WrapFatal(ErrConnectionLost, "q", "Put", "publish"), ErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestIsPredicates(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsFatal(nil))
	assert.False(t, IsInvalid(nil))

	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(errors.New("read timeout")))
	assert.False(t, IsTransient(ErrUnknownRoute))

	assert.True(t, IsInvalid(ErrDuplicateInput))
	assert.False(t, IsInvalid(ErrMissingWorker))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "component", "Advance", "route"))

	err := Wrap(ErrUnknownRoute, "scheduler", "Advance", "route unit")
	require.Error(t, err)
	assert.Equal(t, "scheduler.Advance: route unit failed: no output route for state", err.Error())
	assert.ErrorIs(t, err, ErrUnknownRoute)
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("broker down")

	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, tt.wrap(nil, "c", "m", "a"))

			err := tt.wrap(base, "queue", "Put", "publish")
			var ce *ClassifiedError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.class, ce.Class)
			assert.Equal(t, "queue", ce.Component)
			assert.Equal(t, "Put", ce.Operation)
			assert.Equal(t, "queue.Put: publish failed: broker down", err.Error())
			assert.ErrorIs(t, err, base)
		})
	}
}

func TestRetryConfig_ShouldRetry(t *testing.T) {
	rc := DefaultRetryConfig()

	assert.False(t, rc.ShouldRetry(nil, 0))
	assert.True(t, rc.ShouldRetry(ErrConnectionLost, 0))
	assert.False(t, rc.ShouldRetry(ErrConnectionLost, rc.MaxRetries))
	assert.False(t, rc.ShouldRetry(ErrUnknownRoute, 0))
	assert.False(t, rc.ShouldRetry(context.Canceled, 0))
}

func TestRetryConfig_ToRetryConfig(t *testing.T) {
	rc := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Second, BackoffFactor: 3}
	cfg := rc.ToRetryConfig()

	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, time.Second, cfg.MaxDelay)
	assert.Equal(t, 3.0, cfg.Multiplier)
	assert.True(t, cfg.AddJitter)
}

func TestRetryConfig_Do(t *testing.T) {
	rc := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}

	t.Run("retries transient", func(t *testing.T) {
		calls := 0
		err := rc.Do(context.Background(), func() error {
			calls++
			if calls < 3 {
				return ErrConnectionLost
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on invalid", func(t *testing.T) {
		calls := 0
		err := rc.Do(context.Background(), func() error {
			calls++
			return ErrUnknownRoute
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnknownRoute)
		assert.Equal(t, 1, calls)
	})
}
