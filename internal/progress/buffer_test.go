package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuffer_FlushThresholds(t *testing.T) {
	b := NewBuffer(3)

	assert.False(t, b.Add("c1", "b1", 10, true))
	assert.False(t, b.Add("c1", "b1", 10, false))
	assert.True(t, b.Add("c1", "b1", 10, true), "FlushEvery reached")

	d := b.Take("b1")
	assert.Equal(t, Delta{CampaignID: "c1", Sent: 2, Failed: 1}, d)
	assert.True(t, b.Take("b1").Empty())

	// small batch flushes when the known count reaches its total
	assert.False(t, b.Add("c1", "b2", 2, true))
	assert.True(t, b.Add("c1", "b2", 2, true))
}

func TestBuffer_InflightCountsTowardTotal(t *testing.T) {
	b := NewBuffer(100)

	b.Add("c1", "b1", 3, true)
	b.Add("c1", "b1", 3, true)
	d := b.Take("b1")

	// the last outcome sees the two in flight and asks for a flush
	assert.True(t, b.Add("c1", "b1", 3, true))

	b.Settle("b1", d, 2)
	last := b.Take("b1")
	assert.Equal(t, 1, last.Sent)
	b.Settle("b1", last, 3)

	assert.Equal(t, 0, b.Pending())
	_, ok := b.CampaignID("b1")
	assert.False(t, ok, "settled batch is dropped")
}

func TestBuffer_FailedSettleRebuffers(t *testing.T) {
	b := NewBuffer(100)
	b.Add("c1", "b1", 10, true)
	b.Add("c1", "b1", 10, false)

	all := b.TakeAll()
	assert.Len(t, all, 1)
	assert.Equal(t, 0, b.Pending())

	b.Settle("b1", all["b1"], -1)
	assert.Equal(t, 2, b.Pending())
	assert.Equal(t, Delta{CampaignID: "c1", Sent: 1, Failed: 1}, b.Take("b1"))
}
