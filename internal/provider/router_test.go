package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport fails the first failFirst calls (or all calls when failFirst < 0).
type fakeTransport struct {
	mu        sync.Mutex
	name      string
	failFirst int
	calls     int
}

func (f *fakeTransport) SendMessage(ctx context.Context, msg *Message) (*Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failFirst < 0 || f.calls <= f.failFirst {
		return nil, &SendError{Provider: f.name, StatusCode: 503, Body: "unavailable"}
	}
	return &Receipt{MessageID: f.name + "-id"}, nil
}

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return ctx.Err()
}

func testMessage() *Message {
	return &Message{
		From:    Address{Name: "Acme", Email: "news@acme.test"},
		To:      Address{Name: "Jane", Email: "jane@example.com"},
		Subject: "Hello",
		Text:    "hi",
	}
}

// =============================================================================
// Router Tests
// =============================================================================

func TestRouter_FailoverWithinFirstRound(t *testing.T) {
	a := &fakeTransport{name: "a", failFirst: -1}
	b := &fakeTransport{name: "b"}
	rec := &sleepRecorder{}

	r, err := NewRouter([]Config{
		{Name: "b", Priority: 2, Transport: b},
		{Name: "a", Priority: 1, Transport: a},
	}, WithSleep(rec.sleep))
	if err != nil {
		t.Fatal(err)
	}

	res := r.Send(context.Background(), testMessage(), 3)
	if !res.Success {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if res.Provider != "b" || res.MessageID != "b-id" {
		t.Errorf("provider = %s id = %s", res.Provider, res.MessageID)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(res.Attempts))
	}
	for _, att := range res.Attempts {
		if att.Round != 1 {
			t.Errorf("attempt %d in round %d, want round 1", att.Number, att.Round)
		}
	}
	if len(rec.sleeps) != 0 {
		t.Errorf("router slept %v before succeeding in round 1", rec.sleeps)
	}
}

func TestRouter_AllFailingExhaustsRounds(t *testing.T) {
	transports := []*fakeTransport{
		{name: "a", failFirst: -1},
		{name: "b", failFirst: -1},
		{name: "c", failFirst: -1},
	}
	cfgs := make([]Config, len(transports))
	for i, tr := range transports {
		cfgs[i] = Config{Name: tr.name, Priority: i + 1, Transport: tr}
	}
	rec := &sleepRecorder{}
	r, err := NewRouter(cfgs, WithSleep(rec.sleep), WithRoundBackoff(100*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	res := r.Send(context.Background(), testMessage(), 3)
	if res.Success || !res.Exhausted {
		t.Fatalf("expected exhausted failure, got %+v", res)
	}
	if len(res.Attempts) != 9 {
		t.Errorf("attempts = %d, want 3 rounds x 3 providers", len(res.Attempts))
	}
	for _, tr := range transports {
		if tr.Calls() != 3 {
			t.Errorf("provider %s called %d times, want 3", tr.name, tr.Calls())
		}
	}

	// Backoff only between rounds, strictly increasing.
	if len(rec.sleeps) != 2 {
		t.Fatalf("sleeps = %v, want 2", rec.sleeps)
	}
	if !(rec.sleeps[0] < rec.sleeps[1]) {
		t.Errorf("backoff not increasing: %v", rec.sleeps)
	}
	var se *SendError
	if !errors.As(res.Err, &se) || se.Provider != "c" {
		t.Errorf("last error = %v, want c's SendError", res.Err)
	}
}

func TestRouter_SucceedsInLaterRound(t *testing.T) {
	a := &fakeTransport{name: "a", failFirst: 1}
	r, _ := NewRouter([]Config{{Name: "a", Priority: 1, Transport: a}}, WithSleep((&sleepRecorder{}).sleep))

	res := r.Send(context.Background(), testMessage(), 3)
	if !res.Success {
		t.Fatalf("expected success on round 2: %v", res.Err)
	}
	if got := res.Attempts[len(res.Attempts)-1].Round; got != 2 {
		t.Errorf("succeeded in round %d, want 2", got)
	}
}

func TestRouter_NoProviders(t *testing.T) {
	r, err := NewRouter(nil)
	if err != nil {
		t.Fatal(err)
	}
	res := r.Send(context.Background(), testMessage(), 3)
	if !errors.Is(res.Err, ErrNoProviders) {
		t.Fatalf("err = %v, want ErrNoProviders", res.Err)
	}
	if len(res.Attempts) != 0 {
		t.Errorf("attempts = %d, want 0", len(res.Attempts))
	}
}

func TestRouter_DuplicatePriority(t *testing.T) {
	_, err := NewRouter([]Config{
		{Name: "a", Priority: 1, Transport: &fakeTransport{}},
		{Name: "b", Priority: 1, Transport: &fakeTransport{}},
	})
	if !errors.Is(err, ErrAmbiguousPriority) {
		t.Fatalf("err = %v, want ErrAmbiguousPriority", err)
	}
}

func TestRouter_ContextCancelledDuringBackoff(t *testing.T) {
	a := &fakeTransport{name: "a", failFirst: -1}
	r, _ := NewRouter([]Config{{Name: "a", Priority: 1, Transport: a}}, WithRoundBackoff(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := r.Send(ctx, testMessage(), 3)
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", res.Err)
	}
	if a.Calls() != 1 {
		t.Errorf("calls = %d, want 1", a.Calls())
	}
}

func TestRouter_BackoffDoubles(t *testing.T) {
	r, _ := NewRouter(nil, WithRoundBackoff(250*time.Millisecond))
	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}
	for i, w := range want {
		if got := r.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestRouter_NonPositiveBackoffKeepsDefault(t *testing.T) {
	for _, d := range []time.Duration{0, -time.Second} {
		r, _ := NewRouter(nil, WithRoundBackoff(d))
		prev := time.Duration(0)
		for round := 1; round <= 3; round++ {
			got := r.Backoff(round)
			if got <= prev {
				t.Fatalf("WithRoundBackoff(%v): Backoff(%d) = %v, not above %v", d, round, got, prev)
			}
			prev = got
		}
		if got := r.Backoff(1); got != 500*time.Millisecond {
			t.Errorf("WithRoundBackoff(%v): Backoff(1) = %v, want default 500ms", d, got)
		}
	}
}

func TestSendError_Temporary(t *testing.T) {
	tests := []struct {
		err  *SendError
		want bool
	}{
		{&SendError{StatusCode: 503}, true},
		{&SendError{StatusCode: 429}, true},
		{&SendError{StatusCode: 400}, false},
		{&SendError{Err: errors.New("dial tcp: refused")}, true},
	}
	for _, tt := range tests {
		if got := tt.err.Temporary(); got != tt.want {
			t.Errorf("Temporary(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
