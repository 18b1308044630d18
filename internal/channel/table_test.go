package channel

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableLowestFreeID(t *testing.T) {
	table := NewTable()

	steps := []struct {
		op     string
		name   string
		id     uint16
		expect uint16
	}{
		{"register", "a", 0, 0},
		{"register", "b", 0, 1},
		{"unregister", "", 0, 0},
		{"register", "c", 0, 0},
		{"register", "d", 0, 2},
	}

	for _, step := range steps {
		switch step.op {
		case "register":
			id, err := table.Register(step.name)
			require.NoError(t, err)
			if id != step.expect {
				t.Errorf("注册 %s: 期望ID=%d 实际ID=%d", step.name, step.expect, id)
			}
		case "unregister":
			_, ok := table.Unregister(step.id)
			require.True(t, ok)
		}
	}

	name, ok := table.Resolve(0)
	require.True(t, ok)
	assert.Equal(t, "c", name)
	_, ok = table.Lookup("a")
	assert.False(t, ok)
}

func TestTableHolesFilledInOrder(t *testing.T) {
	table := NewTable()
	for i := 0; i < 6; i++ {
		_, err := table.Register(fmt.Sprintf("ch-%d", i))
		require.NoError(t, err)
	}
	for _, id := range []uint16{4, 1, 3} {
		_, ok := table.Unregister(id)
		require.True(t, ok)
	}

	for _, expect := range []uint16{1, 3, 4, 6} {
		id, err := table.Register(fmt.Sprintf("new-%d", expect))
		require.NoError(t, err)
		assert.Equal(t, expect, id)
	}
}

func TestTableRegisterIdempotent(t *testing.T) {
	table := NewTable()
	first, err := table.Register("test")
	require.NoError(t, err)
	second, err := table.Register("test")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, table.Len())
}

func TestTableResolveInvalid(t *testing.T) {
	table := NewTable()
	_, ok := table.Resolve(0)
	assert.False(t, ok)

	id, err := table.Register("x")
	require.NoError(t, err)
	_, ok = table.Resolve(id + 1)
	assert.False(t, ok)

	_, ok = table.Unregister(id)
	require.True(t, ok)
	_, ok = table.Resolve(id)
	assert.False(t, ok)
	_, ok = table.Unregister(id)
	assert.False(t, ok)
}

func TestTableFull(t *testing.T) {
	table := NewTable()
	for i := 0; i < MaxChannels; i++ {
		_, err := table.Register(fmt.Sprintf("%d", i))
		require.NoError(t, err)
	}
	_, err := table.Register("overflow")
	assert.ErrorIs(t, err, ErrRegistryFull)

	_, ok := table.Unregister(100)
	require.True(t, ok)
	id, err := table.Register("overflow")
	require.NoError(t, err)
	assert.Equal(t, uint16(100), id)
}

func TestTableConcurrentRegister(t *testing.T) {
	table := NewTable()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = table.Register(fmt.Sprintf("ch-%d", i))
		}(i)
	}
	wg.Wait()

	seen := make(map[uint16]bool)
	for i := 0; i < 50; i++ {
		id, ok := table.Lookup(fmt.Sprintf("ch-%d", i))
		require.True(t, ok)
		require.False(t, seen[id], "ID %d 被重复分配", id)
		seen[id] = true
		assert.Less(t, int(id), 50)
	}
}

func TestRegistryDirectionsIndependent(t *testing.T) {
	registry := NewRegistry()
	in, err := registry.RegisterIncoming("test")
	require.NoError(t, err)
	out, err := registry.RegisterOutgoing("test-backchannel")
	require.NoError(t, err)
	assert.Equal(t, uint16(0), in)
	assert.Equal(t, uint16(0), out)

	name, ok := registry.ResolveIncoming(0)
	require.True(t, ok)
	assert.Equal(t, "test", name)
	id, ok := registry.LookupOutgoing("test-backchannel")
	require.True(t, ok)
	assert.Equal(t, uint16(0), id)

	_, ok = registry.UnregisterIncoming(0)
	require.True(t, ok)
	_, ok = registry.ResolveOutgoing(0)
	assert.True(t, ok)

	registry.Reset()
	_, ok = registry.ResolveOutgoing(0)
	assert.False(t, ok)
}
