package worker_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/sendpipeline/internal/domain"
	"github.com/ignite/sendpipeline/internal/provider"
	"github.com/ignite/sendpipeline/internal/worker"
)

// =============================================================================
// EXECUTOR TESTS
// =============================================================================

type recordingTracker struct {
	outcomes atomic.Int32
	flushes  atomic.Int32
}

func (r *recordingTracker) RecordOutcome(context.Context, domain.SendTask, domain.Outcome) error {
	r.outcomes.Add(1)
	return nil
}
func (r *recordingTracker) RecordRetry(context.Context, domain.SendTask, domain.Outcome) error {
	return nil
}
func (r *recordingTracker) FlushBatch(context.Context, string) error {
	r.flushes.Add(1)
	return nil
}
func (r *recordingTracker) FailBatch(context.Context, string, error) error { return nil }
func (r *recordingTracker) Delivered(context.Context, domain.SendTask) (bool, error) {
	return false, nil
}

// staticRenderer skips templating.
type staticRenderer struct{}

func (staticRenderer) Render(_ context.Context, task domain.SendTask) (*provider.Message, error) {
	return &provider.Message{ID: task.ID, To: provider.Address{Email: task.Recipient.Email}}, nil
}

// gaugeTransport tracks the highest number of concurrent sends.
type gaugeTransport struct {
	inflight atomic.Int32
	peak     atomic.Int32
}

func (g *gaugeTransport) SendMessage(ctx context.Context, msg *provider.Message) (*provider.Receipt, error) {
	n := g.inflight.Add(1)
	defer g.inflight.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-time.After(5 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &provider.Receipt{MessageID: msg.ID}, nil
}

func TestRunBatch_BoundedPoolThenFlush(t *testing.T) {
	tr := &gaugeTransport{}
	tracker := &recordingTracker{}
	exec := worker.NewExecutor(staticRenderer{}, newRouter(t, tr), tracker, nil, nil,
		worker.ExecutorOptions{Concurrency: 4})

	b := &domain.Batch{ID: "b1", CampaignID: "c1", Progress: domain.Progress{Total: 40}}
	tasks := worker.Tasks(b, domain.Payload{}, testRecipients(40))
	require.NoError(t, exec.RunBatch(context.Background(), tasks))

	assert.Equal(t, int32(40), tracker.outcomes.Load())
	assert.Equal(t, int32(1), tracker.flushes.Load())
	assert.LessOrEqual(t, tr.peak.Load(), int32(4))
	assert.Greater(t, tr.peak.Load(), int32(1), "pool never ran in parallel")
}

func TestProcessOne_InterruptedTaskNotRecorded(t *testing.T) {
	tracker := &recordingTracker{}
	exec := worker.NewExecutor(staticRenderer{}, newRouter(t, &gaugeTransport{}), tracker, nil, nil,
		worker.ExecutorOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	task := worker.Tasks(&domain.Batch{ID: "b1", Progress: domain.Progress{Total: 1}}, domain.Payload{}, testRecipients(1))[0]

	_, err := exec.ProcessOne(ctx, task)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), tracker.outcomes.Load(), "interrupted send counted as failure")
}

func TestTasks_CarryBatchTotal(t *testing.T) {
	b := &domain.Batch{ID: "b1", CampaignID: "c1", Progress: domain.Progress{Total: 3}}
	tasks := worker.Tasks(b, domain.Payload{Subject: "s"}, testRecipients(3))
	require.Len(t, tasks, 3)
	seen := map[string]bool{}
	for i, task := range tasks {
		assert.Equal(t, 3, task.BatchTotal)
		assert.Equal(t, "c1", task.CampaignID)
		assert.Equal(t, testRecipients(3)[i], task.Recipient)
		assert.False(t, seen[task.ID], "duplicate task id")
		seen[task.ID] = true
	}
}

// =============================================================================
// SEND LIMITER TESTS
// =============================================================================

func TestSendLimiter_FallsBackToLocalWindow(t *testing.T) {
	// Nothing listens on this address.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer client.Close()
	l := worker.NewSendLimiter(client, "test:", 2, time.Hour)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))
	sl, ok := l.(*worker.SendLimiter)
	require.True(t, ok)
	assert.True(t, sl.Degraded())

	short, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(short), "local window admitted more than max")
}

func TestSendLimiter_SharedWindow(t *testing.T) {
	client, _ := newRedis(t)
	a := worker.NewSendLimiter(client, "test:", 2, time.Hour)
	b := worker.NewSendLimiter(client, "test:", 2, time.Hour)
	ctx := context.Background()

	require.NoError(t, a.Wait(ctx))
	require.NoError(t, b.Wait(ctx))

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	assert.Error(t, a.Wait(short), "second process did not count against the shared window")
	assert.False(t, a.(*worker.SendLimiter).Degraded())
}

func TestSendLimiter_Disabled(t *testing.T) {
	l := worker.NewSendLimiter(nil, "test:", 0, time.Hour)
	for i := 0; i < 1000; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
}
