package chunk_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/dagsched/internal/chunk"
	"github.com/swarmguard/dagsched/internal/sched"
)

func TestRefMaterializeAndFreeCache(t *testing.T) {
	store := chunk.NewStore(sched.OSProc{Pid: "w1"})
	ref := store.Put("k1", 7)

	v, err := ref.Materialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, "w1", ref.Processor().ID())

	require.NoError(t, ref.Free(context.Background(), false, true))

	// Still materializable: it moved to the freed-but-cached set.
	v, err = ref.Materialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	value, ok, err := ref.Unrelease(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7, value)
}

func TestRefFreeForceDrops(t *testing.T) {
	store := chunk.NewStore(sched.OSProc{Pid: "w1"})
	ref := store.Put("k1", 9)

	require.NoError(t, ref.Free(context.Background(), true, true))

	_, err := ref.Materialize(context.Background())
	assert.Error(t, err)

	_, ok, err := ref.Unrelease(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}
