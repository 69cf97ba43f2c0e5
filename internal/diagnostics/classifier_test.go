package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/session-service/internal/clock"
	apperrors "github.com/spec-kit/session-service/pkg/util"
)

func TestCapture_ClassifiesByMarker(t *testing.T) {
	c := NewClassifier(Options{})

	tests := []struct {
		err  error
		kind apperrors.Kind
	}{
		{errors.New("validation failed: email"), apperrors.KindValidation},
		{errors.New("network unreachable"), apperrors.KindNetwork},
		{errors.New("failed to fetch"), apperrors.KindNetwork},
		{errors.New("auth session missing"), apperrors.KindAuth},
		{errors.New("login rejected"), apperrors.KindAuth},
		{errors.New("database is locked"), apperrors.KindBackend},
		{errors.New("boom"), apperrors.KindUnknown},
		{context.DeadlineExceeded, apperrors.KindNetwork},
		{apperrors.NewPendingApproval(), apperrors.KindAuth},
		{apperrors.NewBackendError("profile lookup failed", errors.New("x")), apperrors.KindBackend},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			record := c.Capture(tt.err, nil)
			assert.Equal(t, tt.kind, record.Kind)
			assert.NotEmpty(t, record.ID)
			assert.False(t, record.Timestamp.IsZero())
		})
	}
}

func TestCapture_ProductionStripsDetail(t *testing.T) {
	prod := NewClassifier(Options{Production: true})
	dev := NewClassifier(Options{})
	details := map[string]any{"email": "a@b.com"}

	p := prod.Capture(errors.New("boom"), details)
	assert.Nil(t, p.Context)
	assert.Empty(t, p.CaptureStack)

	d := dev.Capture(errors.New("boom"), details)
	assert.Equal(t, details, d.Context)
	assert.Contains(t, d.CaptureStack, "TestCapture_ProductionStripsDetail", "stack is taken at the capture site")

	encoded, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"captureStack":`)
	assert.NotContains(t, string(encoded), `"stack":`)
}

func TestRecent_EvictsOldestBeyondCapacity(t *testing.T) {
	c := NewClassifier(Options{Capacity: 3})
	for i := 0; i < 5; i++ {
		c.Capture(fmt.Errorf("err-%d", i), nil)
	}

	recent := c.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "err-4", recent[0].Message)
	assert.Equal(t, "err-3", recent[1].Message)
	assert.Equal(t, "err-2", recent[2].Message)

	assert.Len(t, c.Recent(1), 1)

	c.Clear()
	assert.Empty(t, c.Recent(0))
}

func TestCapture_InvokesHook(t *testing.T) {
	var kinds []apperrors.Kind
	c := NewClassifier(Options{OnCapture: func(e ClassifiedError) { kinds = append(kinds, e.Kind) }})
	c.Capture(errors.New("network down"), nil)
	assert.Equal(t, []apperrors.Kind{apperrors.KindNetwork}, kinds)
}

func TestIsRetryable(t *testing.T) {
	c := NewClassifier(Options{})

	assert.True(t, c.IsRetryable(apperrors.NewNetworkError("x", nil)))
	assert.True(t, c.IsRetryable(apperrors.NewBackendError("x", nil)))
	assert.True(t, c.IsRetryable(errors.New("request timeout")))
	assert.True(t, c.IsRetryable(errors.New("temporary failure")))
	assert.True(t, c.IsRetryable(errors.New("hit rate limit")))

	assert.False(t, c.IsRetryable(apperrors.NewValidationError("bad email", nil)))
	assert.False(t, c.IsRetryable(apperrors.NewInvalidCredentials(nil)))
	// auth marker wins over the retry keyword
	assert.False(t, c.IsRetryable(errors.New("auth connection reset")))
	assert.False(t, c.IsRetryable(errors.New("boom")))
	assert.False(t, c.IsRetryable(nil))
}

func TestRetryDelay_ExponentialWithCapAndJitter(t *testing.T) {
	c := NewClassifier(Options{RetryBase: 100 * time.Millisecond, RetryMax: time.Second})

	for attempt, base := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond} {
		for i := 0; i < 20; i++ {
			d := c.RetryDelay(nil, attempt)
			assert.GreaterOrEqual(t, d, base)
			assert.LessOrEqual(t, d, base+base/10)
		}
	}

	d := c.RetryDelay(nil, 10)
	assert.GreaterOrEqual(t, d, time.Second)
	assert.LessOrEqual(t, d, 1100*time.Millisecond)

	d = c.RetryDelay(nil, 500)
	assert.LessOrEqual(t, d, 1100*time.Millisecond)
}

func TestUserMessage(t *testing.T) {
	prod := NewClassifier(Options{Production: true})
	dev := NewClassifier(Options{})

	raw := errors.New("pq: relation \"profiles\" does not exist (database)")
	assert.Equal(t, productionMessages[apperrors.KindBackend], prod.UserMessage(raw))
	assert.NotContains(t, prod.UserMessage(raw), "profiles")
	assert.Equal(t, raw.Error(), dev.UserMessage(raw))

	assert.Equal(t, productionMessages[apperrors.KindUnknown], prod.UserMessage(errors.New("nil pointer")))
	assert.Equal(t, "your account is pending approval", prod.UserMessage(apperrors.NewPendingApproval()))

	limited := apperrors.NewRateLimited(0, time.Now().Add(30*time.Second), time.Now())
	assert.Contains(t, prod.UserMessage(limited), "try again in")
	assert.Empty(t, prod.UserMessage(nil))
}

func TestRetry(t *testing.T) {
	c := NewClassifier(Options{RetryBase: time.Millisecond, RetryMax: 2 * time.Millisecond})
	ctx := context.Background()

	calls := 0
	err := c.Retry(ctx, 3, func(context.Context) error {
		calls++
		if calls < 3 {
			return apperrors.NewNetworkError("flaky", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, c.Recent(0), 2)

	calls = 0
	err = c.Retry(ctx, 5, func(context.Context) error {
		calls++
		return apperrors.NewValidationError("bad", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	calls = 0
	err = c.Retry(ctx, 2, func(context.Context) error {
		calls++
		return apperrors.NewBackendError("down", nil)
	})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeBackend))
	assert.Equal(t, 2, calls)
}

func TestRetry_WaitsOnInjectedClock(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	c := NewClassifier(Options{Clock: clk, RetryBase: time.Hour, RetryMax: time.Hour})

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- c.Retry(context.Background(), 2, func(context.Context) error {
			if calls.Add(1) == 1 {
				return apperrors.NewNetworkError("flaky", nil)
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	clk.Advance(2 * time.Hour)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("retry did not resume after the clock advanced")
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetry_CancelStopsBackoffTimer(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	c := NewClassifier(Options{Clock: clk, RetryBase: time.Hour, RetryMax: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- c.Retry(ctx, 3, func(context.Context) error {
			return apperrors.NewNetworkError("flaky", nil)
		})
	}()
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Zero(t, clk.Pending())
}
