package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, OpenTimeout: time.Hour})

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		require.NoError(t, b.Allow())
	}
	b.RecordFailure()

	assert.Equal(t, StateOpen, b.GetState())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: time.Nanosecond})

	b.RecordFailure()
	time.Sleep(time.Millisecond)

	// Open timeout elapsed: probe allowed.
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.GetState())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.GetState())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.GetState())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenTimeout: time.Nanosecond})

	b.RecordFailure()
	time.Sleep(time.Millisecond)
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreaker_Do(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenTimeout: time.Hour})

	boom := errors.New("boom")
	err := b.Do(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	// Breaker is now open: fn must not run.
	called := false
	err = b.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	b := New(Config{
		FailureThreshold: 1,
		OpenTimeout:      time.Hour,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	b.RecordFailure()
	assert.Equal(t, []string{"closed->open"}, transitions)
}
