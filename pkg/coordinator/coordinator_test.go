package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchkit/dispatchkit/pkg/config"
	"github.com/dispatchkit/dispatchkit/pkg/model"
)

type fakeTransport struct {
	calls int32
}

func (f *fakeTransport) Send(ctx context.Context, d *model.RequestDescriptor) model.ResponseRecord {
	atomic.AddInt32(&f.calls, 1)
	return model.ResponseRecord{StatusCode: 200, Outcome: model.Success}
}

func testConfig() config.Config {
	c := config.Default()
	c.MaxConcurrentRequests = 2
	c.MonitorCollectInterval = 10 * time.Millisecond
	c.RetryBaseDelay = time.Millisecond
	c.RetryMaxDelay = 10 * time.Millisecond
	return c
}

func TestCoordinator_SubmitAndStatus(t *testing.T) {
	ft := &fakeTransport{}
	c, err := New(testConfig(), ft, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Stop(time.Second)

	desc := model.NewRequestDescriptor(model.MethodGet, "https://example.com/ok", time.Now())
	_, err = c.Submit(desc)
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&ft.calls) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&ft.calls))

	status := c.Status()
	assert.NotNil(t, status)
}

func TestCoordinator_SubmitBatch(t *testing.T) {
	ft := &fakeTransport{}
	c, err := New(testConfig(), ft, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Stop(time.Second)

	descs := []*model.RequestDescriptor{
		model.NewRequestDescriptor(model.MethodGet, "https://example.com/1", time.Now()),
		model.NewRequestDescriptor(model.MethodGet, "https://example.com/2", time.Now()),
	}
	admitted, err := c.SubmitBatch(descs)
	require.NoError(t, err)
	assert.Equal(t, 2, admitted)
}

func TestCoordinator_RejectsInvalidConfig(t *testing.T) {
	bad := config.Default()
	bad.MaxConcurrentRequests = 0
	_, err := New(bad, &fakeTransport{}, nil)
	assert.Error(t, err)
}

type alwaysFailTransport struct{}

func (alwaysFailTransport) Send(ctx context.Context, d *model.RequestDescriptor) model.ResponseRecord {
	return model.ResponseRecord{Outcome: model.TransportError}
}

func TestCoordinator_DeadLetterPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.RetryCount = 0
	cfg.DLQPersistPath = dir + "/dlq.json"

	c, err := New(cfg, alwaysFailTransport{}, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	desc := model.NewRequestDescriptor(model.MethodGet, "https://example.com/fails", time.Now())
	_, err = c.Submit(desc)
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(c.DeadLettered()) == 0 {
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, c.Stop(time.Second))
	require.Len(t, c.DeadLettered(), 1)

	restarted, err := New(cfg, alwaysFailTransport{}, nil)
	require.NoError(t, err)
	require.NoError(t, restarted.Start(ctx))
	defer restarted.Stop(time.Second)

	assert.Len(t, restarted.DeadLettered(), 1)
}

func TestCoordinator_CancelBeforeStartStopsDispatch(t *testing.T) {
	ft := &fakeTransport{}
	c, err := New(testConfig(), ft, nil)
	require.NoError(t, err)

	desc := model.NewRequestDescriptor(model.MethodGet, "https://example.com/cancel-me", time.Now())
	id, err := c.Submit(desc)
	require.NoError(t, err)
	c.Cancel(id)

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Stop(time.Second)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ft.calls))
}
