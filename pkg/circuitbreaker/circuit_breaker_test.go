package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func failing(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func succeeding(context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New("test", 3, time.Minute, quietLogger())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(context.Background(), failing(boom)), boom)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	// Open breaker refuses calls outright.
	err := cb.Execute(context.Background(), succeeding)
	var open ErrOpen
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "test", open.Name)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New("test", 3, time.Minute, quietLogger())
	boom := errors.New("boom")

	_ = cb.Execute(context.Background(), failing(boom))
	_ = cb.Execute(context.Background(), failing(boom))
	require.NoError(t, cb.Execute(context.Background(), succeeding))

	// Two more failures do not reach the threshold again.
	_ = cb.Execute(context.Background(), failing(boom))
	_ = cb.Execute(context.Background(), failing(boom))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenClosesAfterProbes(t *testing.T) {
	cb := New("test", 1, 10*time.Millisecond, quietLogger())

	_ = cb.Execute(context.Background(), failing(errors.New("boom")))
	require.Equal(t, StateOpen, cb.GetState())

	time.Sleep(20 * time.Millisecond)

	// Cooldown elapsed: probes are admitted, and enough successes close it.
	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Execute(context.Background(), succeeding))
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New("test", 1, 10*time.Millisecond, quietLogger())
	boom := errors.New("boom")

	_ = cb.Execute(context.Background(), failing(boom))
	time.Sleep(20 * time.Millisecond)

	assert.ErrorIs(t, cb.Execute(context.Background(), failing(boom)), boom)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New("test", 1, time.Minute, quietLogger())

	_ = cb.Execute(context.Background(), failing(errors.New("boom")))
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, cb.Execute(context.Background(), succeeding))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
}
