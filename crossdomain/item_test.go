package crossdomain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemTableDescriptorIdsAreOddAndIncreasing(t *testing.T) {
	table := newItemTable()

	var ids []uint32
	for i := 0; i < 5; i++ {
		ids = append(ids, table.insert(Item{Kind: ItemBlob}))
	}

	for i, id := range ids {
		assert.Equal(t, uint32(1), id%2, "descriptor ids must be odd")
		if i > 0 {
			assert.Greater(t, id, ids[i-1], "descriptor ids must strictly increase")
		}
	}
}

func TestItemTableReadPipeIdsAreDisjointFromDescriptorIds(t *testing.T) {
	table := newItemTable()

	descId := table.insert(Item{Kind: ItemBlob})
	pipeId := table.insert(Item{Kind: ItemWaylandReadPipe})

	assert.Less(t, descId, PipeReadStart)
	assert.Equal(t, PipeReadStart+1, pipeId, "the first read-pipe id must be PipeReadStart+1, not PipeReadStart")
}

func TestItemTablePeekDoesNotRemove(t *testing.T) {
	table := newItemTable()
	id := table.insert(Item{Kind: ItemImageRequirements})

	_, ok := table.peek(id)
	require.True(t, ok)
	_, ok = table.peek(id)
	require.True(t, ok, "peek must not consume the item")
}

func TestItemTableTakeRemoves(t *testing.T) {
	table := newItemTable()
	id := table.insert(Item{Kind: ItemBlob})

	_, ok := table.take(id)
	require.True(t, ok)
	_, ok = table.take(id)
	assert.False(t, ok, "take must remove the item")
}

func TestItemTableReinsertRestoresUnderSameId(t *testing.T) {
	table := newItemTable()
	id := table.insert(Item{Kind: ItemWaylandWritePipe})

	item, ok := table.take(id)
	require.True(t, ok)
	table.reinsert(id, item)

	_, ok = table.peek(id)
	assert.True(t, ok)
}

func TestItemTableDrainEmptiesTable(t *testing.T) {
	table := newItemTable()
	blobId := table.insert(Item{Kind: ItemBlob})
	pipeId := table.insert(Item{Kind: ItemWaylandReadPipe})

	items := table.drain()
	assert.Len(t, items, 2)
	assert.False(t, table.has(blobId))
	assert.False(t, table.has(pipeId))
}
