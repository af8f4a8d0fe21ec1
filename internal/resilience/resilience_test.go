package resilience

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestDoVal_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var retried []int
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }

	got, err := DoVal(context.Background(), p, func(_ context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", NewTransientError(errors.New("quota"), http.StatusTooManyRequests)
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDoVal_ExhaustedReportsAttempts(t *testing.T) {
	calls := 0
	cause := NewTransientError(errors.New("unavailable"), http.StatusServiceUnavailable)

	_, err := DoVal(context.Background(), fastPolicy(4), func(_ context.Context) (int, error) {
		calls++
		return 0, cause
	})

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 4, ex.Attempts)
	assert.Equal(t, 4, calls)
	assert.ErrorIs(t, err, cause)
}

func TestDo_PermanentErrorNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(_ context.Context) error {
		calls++
		return errors.New("unknown band")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	var ex *ExhaustedError
	assert.False(t, errors.As(err, &ex))
}

func TestDo_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 5, InitialBackoff: time.Hour}, func(_ context.Context) error {
		calls++
		cancel()
		return NewTransientError(errors.New("timeout"), http.StatusGatewayTimeout)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_DelayIsCapped(t *testing.T) {
	p := Policy{InitialBackoff: time.Second, MaxBackoff: 4 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(5))
}

func TestFromSettings(t *testing.T) {
	p := FromSettings(7, 0, time.Minute)
	assert.Equal(t, 7, p.MaxAttempts)
	assert.Equal(t, time.Second, p.InitialBackoff)
	assert.Equal(t, time.Minute, p.MaxBackoff)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"wrapped transient", eris.Wrap(NewTransientError(errors.New("x"), 503), "engine: compute"), true},
		{"reset", errors.New("read tcp: connection reset by peer"), true},
		{"engine timeout", errors.New("Computation timed out."), true},
		{"bad request", errors.New("Image.select: band 'foo' not found"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 403, 404} {
		assert.False(t, IsTransientHTTPStatus(code), code)
	}
}

func TestBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewBreaker(BreakerConfig{Name: "compute", FailureThreshold: 2, Cooldown: time.Minute})
	b.now = func() time.Time { return now }

	fail := func(_ context.Context) error { return NewTransientError(errors.New("503"), 503) }
	ok := func(_ context.Context) error { return nil }

	require.Error(t, b.Execute(context.Background(), fail))
	assert.Equal(t, StateClosed, b.State())
	require.Error(t, b.Execute(context.Background(), fail))
	assert.Equal(t, StateOpen, b.State())

	assert.ErrorIs(t, b.Execute(context.Background(), ok), ErrOpen)

	now = now.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(context.Background(), ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Second})
	b.now = func() time.Time { return now }
	fail := func(_ context.Context) error { return NewTransientError(errors.New("502"), 502) }

	require.Error(t, b.Execute(context.Background(), fail))
	now = now.Add(time.Second)
	require.Error(t, b.Execute(context.Background(), fail))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1})
	for i := 0; i < 3; i++ {
		_, err := ExecuteVal(context.Background(), b, func(_ context.Context) (int, error) {
			return 0, errors.New("invalid expression")
		})
		require.Error(t, err)
	}
	assert.Equal(t, StateClosed, b.State())
}
