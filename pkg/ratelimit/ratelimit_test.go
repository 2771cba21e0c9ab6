package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_AllowConsumesBurst(t *testing.T) {
	l := New(1, 2)

	first := l.Allow()
	second := l.Allow()
	third := l.Allow()

	assert.True(t, first.Allowed)
	assert.True(t, second.Allowed)
	assert.False(t, third.Allowed)
	assert.Greater(t, third.RetryAfter, time.Duration(0))
}

func TestLimiter_WaitRespectsContextCancellation(t *testing.T) {
	l := New(0.001, 1)
	_ = l.Allow() // drain the single burst token

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx)
	require.Error(t, err)
}

func TestLimiter_SetLimitTakesEffect(t *testing.T) {
	l := New(1, 1)
	_ = l.Allow()
	l.SetLimit(1000)

	time.Sleep(5 * time.Millisecond)
	assert.True(t, l.Allow().Allowed)
}
