package latest_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/sensor_monitor/pkg/latest"
)

func TestPutOverwrites(t *testing.T) {
	t.Parallel()

	m := latest.New[string, int]()
	m.Put("S-1", 1)
	m.Put("S-1", 2)
	m.Put("S-2", 3)

	v, ok := m.Get("S-1")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 2, m.Len())

	_, ok = m.Get("S-3")
	assert.False(t, ok)
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	m := latest.New[string, int]()
	m.Put("S-1", 1)

	snap := m.Snapshot()
	m.Put("S-1", 10)
	m.Put("S-2", 20)

	assert.Equal(t, map[string]int{"S-1": 1}, snap)
	// entries survive a snapshot
	assert.Equal(t, map[string]int{"S-1": 10, "S-2": 20}, m.Snapshot())
}

func TestConcurrentPutAndSnapshot(t *testing.T) {
	t.Parallel()

	m := latest.New[string, int]()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				m.Put(fmt.Sprintf("S-%d", w), i)
				_ = m.Snapshot()
			}
		}(w)
	}
	wg.Wait()

	snap := m.Snapshot()
	require.Len(t, snap, 8)
	for _, v := range snap {
		assert.Equal(t, 199, v)
	}
}
