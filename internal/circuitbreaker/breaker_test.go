package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStore = errors.New("store down")

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	cb := New(DefaultConfig("test"))
	require.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		err := cb.Execute(func() error { return errStore })
		require.ErrorIs(t, err, errStore)
	}
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	cb := New(DefaultConfig("test"))

	cb.Execute(func() error { return errStore })
	cb.Execute(func() error { return errStore })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return errStore })
	cb.Execute(func() error { return errStore })

	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.Timeout = 20 * time.Millisecond
	cb := New(cfg)

	for i := 0; i < 3; i++ {
		cb.Execute(func() error { return errStore })
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	// MaxRequests consecutive probe successes close the circuit.
	for i := 0; i < int(cfg.MaxRequests); i++ {
		require.NoError(t, cb.Execute(func() error { return nil }))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.Timeout = 20 * time.Millisecond
	cb := New(cfg)

	for i := 0; i < 3; i++ {
		cb.Execute(func() error { return errStore })
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	cb.Execute(func() error { return errStore })
	assert.Equal(t, StateOpen, cb.State())
}
