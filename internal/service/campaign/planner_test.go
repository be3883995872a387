package campaign_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ignite/sendpipeline/internal/domain"
	"github.com/ignite/sendpipeline/internal/repository/memory"
	"github.com/ignite/sendpipeline/internal/service/campaign"
)

func recipients(n int) []domain.Recipient {
	out := make([]domain.Recipient, n)
	for i := range out {
		out[i] = domain.Recipient{ID: fmt.Sprintf("r%d", i), Email: fmt.Sprintf("user%d@example.com", i)}
	}
	return out
}

func TestPartition(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		size  int
		sizes []int
	}{
		{"exact multiple", 2000, 1000, []int{1000, 1000}},
		{"remainder", 2500, 1000, []int{1000, 1000, 500}},
		{"smaller than size", 3, 1000, []int{3}},
		{"size one", 3, 1, []int{1, 1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := recipients(tt.n)
			chunks, err := campaign.Partition(in, tt.size)
			if err != nil {
				t.Fatal(err)
			}
			if len(chunks) != len(tt.sizes) {
				t.Fatalf("got %d chunks, want %d", len(chunks), len(tt.sizes))
			}
			next := 0
			for i, c := range chunks {
				if len(c) != tt.sizes[i] {
					t.Errorf("chunk %d has %d recipients, want %d", i, len(c), tt.sizes[i])
				}
				for _, r := range c {
					if r.ID != in[next].ID {
						t.Fatalf("order broken at %d: got %s want %s", next, r.ID, in[next].ID)
					}
					next++
				}
			}
		})
	}
}

func TestPartitionErrors(t *testing.T) {
	if _, err := campaign.Partition(recipients(5), 0); !errors.Is(err, campaign.ErrInvalidBatchSize) {
		t.Errorf("size 0: err = %v", err)
	}
	if _, err := campaign.Partition(nil, 10); !errors.Is(err, campaign.ErrNoRecipients) {
		t.Errorf("empty: err = %v", err)
	}
}

func TestPlanPersistsPendingBatches(t *testing.T) {
	store := memory.New()
	p := campaign.NewPlanner(store)

	batches, err := p.Plan(context.Background(), "c1", recipients(2500), 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}

	stored, _ := store.ListBatches(context.Background(), "c1")
	if len(stored) != 3 {
		t.Fatalf("stored %d batches, want 3", len(stored))
	}
	wantTotals := []int{1000, 1000, 500}
	for i, b := range stored {
		if b.Number != i+1 {
			t.Errorf("batch %d numbered %d", i, b.Number)
		}
		if b.Status != domain.BatchPending {
			t.Errorf("batch %d status %s, want pending", b.Number, b.Status)
		}
		if b.Progress != (domain.Progress{Total: wantTotals[i]}) {
			t.Errorf("batch %d progress %+v", b.Number, b.Progress)
		}
	}
}
