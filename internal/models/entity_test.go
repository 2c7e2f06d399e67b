package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEntityType(t *testing.T) {
	et, err := ParseEntityType("ticket")
	require.NoError(t, err)
	assert.Equal(t, Ticket, et)

	_, err = ParseEntityType("invoice")
	assert.Error(t, err)
}

func TestByCallbackType(t *testing.T) {
	et, ok := ByCallbackType("ticket")
	require.True(t, ok)
	assert.Equal(t, Ticket, et)

	// Types without callback support must not resolve from the empty string
	_, ok = ByCallbackType("")
	assert.False(t, ok)

	_, ok = ByCallbackType("invoice")
	assert.False(t, ok)
}

func TestSyncOrderRespectsDependencies(t *testing.T) {
	order, err := SyncOrder()
	require.NoError(t, err)
	require.Len(t, order, len(Registry))

	position := make(map[EntityType]int, len(order))
	for i, et := range order {
		position[et] = i
	}

	for et, meta := range Registry {
		for _, dep := range meta.DependsOn {
			assert.Less(t, position[dep], position[et],
				"%s must be synced before %s", dep, et)
		}
	}
}

func TestSyncOrderIsDeterministic(t *testing.T) {
	first, err := SyncOrder()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := SyncOrder()
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
