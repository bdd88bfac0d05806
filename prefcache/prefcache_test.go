package prefcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetFetchesOnceAndCaches(t *testing.T) {
	calls := 0
	c := New(func(creator uint32, id uint16) (Item, error) {
		calls++
		return Item{Flags: 1, Payload: []byte("v1")}, nil
	})

	item, err := c.Get(1, 2)
	require.NoError(t, err)
	require.Equal(t, "v1", string(item.Payload))

	_, err = c.Get(1, 2)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestRefreshReplacesCachedValue(t *testing.T) {
	version := 0
	c := New(func(creator uint32, id uint16) (Item, error) {
		version++
		return Item{Payload: []byte{byte(version)}}, nil
	})

	first, err := c.Get(1, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{1}, first.Payload)

	second, err := c.Refresh(1, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{2}, second.Payload)

	third, err := c.Get(1, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{2}, third.Payload)
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	c := New(func(creator uint32, id uint16) (Item, error) {
		return Item{Payload: []byte("orig")}, nil
	})
	_, err := c.Get(1, 2)
	require.NoError(t, err)

	snap := c.Snapshot()
	snap[Key{1, 2}].Payload[0] = 'X'

	again, err := c.Get(1, 2)
	require.NoError(t, err)
	require.Equal(t, "orig", string(again.Payload))
}
