package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dispatcherrors "github.com/dispatchkit/dispatchkit/pkg/errors"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate_RejectsNonPositiveConcurrency(t *testing.T) {
	c := Default()
	c.MaxConcurrentRequests = 0
	err := c.Validate()
	assert.Error(t, err)
	assert.True(t, errors.Is(err, dispatcherrors.ErrInvalidConfig))
}

func TestValidate_RejectsMaxDelayBelowBaseDelay(t *testing.T) {
	c := Default()
	c.RetryBaseDelay = time.Second
	c.RetryMaxDelay = 500 * time.Millisecond
	assert.Error(t, c.Validate())
}

func TestValidate_RejectsUnhealthyRateBelowDegraded(t *testing.T) {
	c := Default()
	c.MonitorDegradedRate = 0.5
	c.MonitorUnhealthyRate = 0.3
	assert.Error(t, c.Validate())
}

func TestApplyEnv_OverridesDefaults(t *testing.T) {
	t.Setenv("DISPATCHKIT_MAX_QUEUE_SIZE", "42")
	t.Setenv("DISPATCHKIT_CACHE_ENABLED", "false")
	t.Setenv("DISPATCHKIT_RATE_LIMIT_PER_SECOND", "7.5")

	c, err := Default().ApplyEnv(NewEnvSource("DISPATCHKIT"))
	require.NoError(t, err)

	assert.Equal(t, 42, c.MaxQueueSize)
	assert.False(t, c.CacheEnabled)
	assert.Equal(t, 7.5, c.RateLimitPerSecond)
}

func TestApplyEnv_IgnoresUnrelatedVariables(t *testing.T) {
	t.Setenv("DISPATCHKIT_UNKNOWN_FIELD", "whatever")

	c, err := Default().ApplyEnv(NewEnvSource("DISPATCHKIT"))
	require.NoError(t, err)
	assert.NoError(t, c.Validate())
}
