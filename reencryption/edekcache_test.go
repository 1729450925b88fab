package reencryption

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEdekCachePutAndDrain(t *testing.T) {
	c := NewEdekCache()
	c.Put(ZoneId(1), 100, []byte("edek-a"))
	c.Put(ZoneId(1), 101, []byte("edek-b"))
	c.Put(ZoneId(2), 200, []byte("edek-c"))
	require.Equal(t, 3, c.Len())

	drained := c.DrainZone(ZoneId(1))
	require.Len(t, drained, 2)
	require.Equal(t, []byte("edek-a"), drained[100])
	require.Equal(t, 1, c.Len())

	require.Nil(t, c.DrainZone(ZoneId(1)), "already drained")
}

func TestEdekCachePutOverwritesWithoutDoubleCounting(t *testing.T) {
	c := NewEdekCache()
	c.Put(ZoneId(1), 100, []byte("v1"))
	c.Put(ZoneId(1), 100, []byte("v2"))
	require.Equal(t, 1, c.Len())

	drained := c.DrainZone(ZoneId(1))
	require.Equal(t, []byte("v2"), drained[100])
}
