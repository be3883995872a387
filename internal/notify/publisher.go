// Package notify delivers campaign progress events over Redis pub/sub.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/sendpipeline/internal/domain"
	"github.com/ignite/sendpipeline/internal/pkg/logger"
)

var log = logger.Component("notify")

// Channel returns the pub/sub channel carrying a campaign's progress.
func Channel(prefix, campaignID string) string {
	return fmt.Sprintf("%scampaign:%s:progress", prefix, campaignID)
}

// Publisher publishes progress events as JSON on the campaign's channel.
type Publisher struct {
	client *redis.Client
	prefix string
}

func NewPublisher(client *redis.Client, prefix string) *Publisher {
	return &Publisher{client: client, prefix: prefix}
}

func (p *Publisher) Publish(ctx context.Context, ev domain.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Name, err)
	}
	channel := Channel(p.prefix, ev.CampaignID)
	if err := p.client.Publish(ctx, channel, body).Err(); err != nil {
		log.Warn("publish failed", "channel", channel, "event", string(ev.Name), "error", err)
		return fmt.Errorf("publish %s event: %w", ev.Name, err)
	}
	return nil
}

// Subscribe streams a campaign's events until ctx is cancelled or the
// returned cleanup is called. Undecodable payloads are skipped, and events
// are dropped when the consumer falls behind by more than buffer.
func (p *Publisher) Subscribe(ctx context.Context, campaignID string, buffer int) (<-chan domain.Event, func(), error) {
	pubsub := p.client.Subscribe(ctx, Channel(p.prefix, campaignID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}
	if buffer <= 0 {
		buffer = 100
	}

	out := make(chan domain.Event, buffer)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var ev domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn("undecodable event", "channel", msg.Channel, "error", err)
				continue
			}
			select {
			case out <- ev:
			default:
				log.Warn("subscriber behind, dropping event", "event", string(ev.Name))
			}
		}
	}()

	var once sync.Once
	cleanup := func() { once.Do(func() { pubsub.Close() }) }
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return out, cleanup, nil
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, domain.Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []domain.Event
	Err    error
}

func (r *Recorder) Publish(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.Err
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

// Count returns how many events with the given name were published.
func (r *Recorder) Count(name domain.EventName) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}
