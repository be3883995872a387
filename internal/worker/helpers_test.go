package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/sendpipeline/internal/domain"
	"github.com/ignite/sendpipeline/internal/provider"
	"github.com/ignite/sendpipeline/internal/worker"
)

// countingTransport records every message it is handed. It fails while fail
// is set.
type countingTransport struct {
	mu   sync.Mutex
	to   map[string]int
	fail atomic.Bool
}

func newCountingTransport() *countingTransport {
	return &countingTransport{to: make(map[string]int)}
}

func (c *countingTransport) SendMessage(_ context.Context, msg *provider.Message) (*provider.Receipt, error) {
	c.mu.Lock()
	c.to[msg.To.Email]++
	c.mu.Unlock()
	if c.fail.Load() {
		return nil, &provider.SendError{Provider: "primary", StatusCode: 503, Body: "unavailable"}
	}
	return &provider.Receipt{MessageID: "msg-" + msg.ID}, nil
}

func (c *countingTransport) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.to {
		n += v
	}
	return n
}

func (c *countingTransport) CallsTo(email string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.to[email]
}

// MaxPerRecipient returns the highest send count of any single address.
func (c *countingTransport) MaxPerRecipient() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	max := 0
	for _, v := range c.to {
		if v > max {
			max = v
		}
	}
	return max
}

func newRouter(t *testing.T, tr provider.Transport) *provider.Router {
	t.Helper()
	r, err := provider.NewRouter([]provider.Config{{Name: "primary", Priority: 1, Transport: tr}},
		provider.WithMaxRounds(1),
		provider.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func testRecipients(n int) []domain.Recipient {
	out := make([]domain.Recipient, n)
	for i := range out {
		out[i] = domain.Recipient{
			ID:    fmt.Sprintf("r%04d", i),
			Email: fmt.Sprintf("user%04d@example.com", i),
			Name:  fmt.Sprintf("User %d", i),
		}
	}
	return out
}

var errBrokerDown = errors.New("broker unavailable")

// flakyBackend fails selected enqueues on top of a real backend.
type flakyBackend struct {
	worker.Backend

	// failBatch is the 1-based batch enqueue that fails; 0 never fails.
	failBatch int32
	// recipientLimit is how many recipient enqueues succeed before every
	// further one fails; 0 means unlimited.
	recipientLimit int32
	// failRetry fails every retry enqueue.
	failRetry bool

	batches    atomic.Int32
	recipients atomic.Int32
}

func (f *flakyBackend) Enqueue(ctx context.Context, q worker.Queue, body interface{}, delay time.Duration) error {
	switch q {
	case worker.QueueBatch:
		if n := f.batches.Add(1); n == f.failBatch {
			return errBrokerDown
		}
	case worker.QueueRecipient:
		if n := f.recipients.Add(1); f.recipientLimit > 0 && n > f.recipientLimit {
			return errBrokerDown
		}
	case worker.QueueRetry:
		if f.failRetry {
			return errBrokerDown
		}
	}
	return f.Backend.Enqueue(ctx, q, body, delay)
}
