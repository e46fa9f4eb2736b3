package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/reviewlens/pkg/models"
)

func TestPriorityQueue_Order(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := base.Add(time.Minute)

	tasks := []*models.Task{
		{BatchIndex: 0, Priority: 0, CreatedAt: base},
		{BatchIndex: 1, Priority: 5, CreatedAt: base},
		{BatchIndex: 2, Priority: 5, CreatedAt: base, NotBefore: &later},
		{BatchIndex: 3, Priority: 0, CreatedAt: base},
		{BatchIndex: 4, Priority: 1, CreatedAt: base},
	}

	q := New(tasks)
	require.Equal(t, 5, q.Len())

	var order []int
	for q.Len() > 0 {
		order = append(order, q.Pop().BatchIndex)
	}
	assert.Equal(t, []int{1, 2, 4, 0, 3}, order)
}

func TestPriorityQueue_EligibleBeforeBatchIndex(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	earlier := base.Add(-time.Hour)

	q := New(nil)
	q.Push(&models.Task{BatchIndex: 0, CreatedAt: base})
	q.Push(&models.Task{BatchIndex: 9, CreatedAt: base, NotBefore: &earlier})

	assert.Equal(t, 9, q.Pop().BatchIndex)
	assert.Equal(t, 0, q.Pop().BatchIndex)
	assert.Nil(t, q.Pop())
}

func TestPriorityQueue_Drain(t *testing.T) {
	now := time.Now()
	q := New([]*models.Task{
		{BatchIndex: 2, CreatedAt: now},
		{BatchIndex: 0, CreatedAt: now},
		{BatchIndex: 1, CreatedAt: now},
	})

	first := q.Drain(2)
	require.Len(t, first, 2)
	assert.Equal(t, 0, first[0].BatchIndex)
	assert.Equal(t, 1, first[1].BatchIndex)

	rest := q.Drain(-1)
	require.Len(t, rest, 1)
	assert.Equal(t, 2, rest[0].BatchIndex)
	assert.Empty(t, q.Drain(3))
}
