package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLogAppendAssignsMonotonicSeq(t *testing.T) {
	log := NewMemoryLog(100)
	ctx := context.Background()

	var prev uint64
	for i := 0; i < 10; i++ {
		seq, err := log.Append(ctx, KindAudit, "k", map[string]int{"i": i})
		require.NoError(t, err)
		assert.Greater(t, seq, prev)
		prev = seq
	}
}

func TestMemoryLogListFiltersAndPaginates(t *testing.T) {
	log := NewMemoryLog(100)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, KindOrderFill, fmt.Sprintf("ord-%d", i), i)
		require.NoError(t, err)
		_, err = log.Append(ctx, KindAlert, fmt.Sprintf("alert-%d", i), i)
		require.NoError(t, err)
	}

	t.Run("kind filter", func(t *testing.T) {
		fills, err := log.List(ctx, 0, 0, KindOrderFill)
		require.NoError(t, err)
		require.Len(t, fills, 5)
		for _, e := range fills {
			assert.Equal(t, KindOrderFill, e.Kind)
		}
	})

	t.Run("afterSeq cursor", func(t *testing.T) {
		all, err := log.List(ctx, 0, 0)
		require.NoError(t, err)
		rest, err := log.List(ctx, all[3].Seq, 0)
		require.NoError(t, err)
		assert.Len(t, rest, len(all)-4)
		assert.Equal(t, all[4].Seq, rest[0].Seq)
	})

	t.Run("limit", func(t *testing.T) {
		page, err := log.List(ctx, 0, 3)
		require.NoError(t, err)
		assert.Len(t, page, 3)
	})

	t.Run("by key", func(t *testing.T) {
		entries, err := log.ListByKey(ctx, "ord-2", 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		var v int
		require.NoError(t, json.Unmarshal(entries[0].Payload, &v))
		assert.Equal(t, 2, v)
	})
}

func TestMemoryLogEvictsOldestAndCounts(t *testing.T) {
	log := NewMemoryLog(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, KindAudit, fmt.Sprintf("k%d", i), i)
		require.NoError(t, err)
	}

	entries, err := log.List(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// the two oldest entries are gone, sequence numbers survive eviction
	assert.Equal(t, uint64(3), entries[0].Seq)
	assert.Equal(t, uint64(5), entries[2].Seq)
	assert.Equal(t, uint64(2), log.Evicted())
}

func TestMemoryLogRejectsUnmarshalablePayload(t *testing.T) {
	log := NewMemoryLog(10)
	_, err := log.Append(context.Background(), KindAudit, "k", make(chan int))
	assert.Error(t, err)
}
