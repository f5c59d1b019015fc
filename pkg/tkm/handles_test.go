package tkm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArenaReleasedHandleIsStale(t *testing.T) {
	a := newArena[string]("test", 2)

	id, err := a.alloc("first")
	require.NoError(t, err)
	require.NotZero(t, id)

	v, err := a.get(id)
	require.NoError(t, err)
	require.Equal(t, "first", v)

	_, err = a.release(id)
	require.NoError(t, err)

	_, err = a.get(id)
	require.ErrorIs(t, err, ErrStaleHandle)
	_, err = a.release(id)
	require.ErrorIs(t, err, ErrStaleHandle)

	// 槽位复用后句柄值不同
	id2, err := a.alloc("second")
	require.NoError(t, err)
	require.NotEqual(t, id, id2)
	require.Equal(t, uint32(id), uint32(id2))
}

func TestArenaExhaustion(t *testing.T) {
	a := newArena[int]("test", 1)

	id, err := a.alloc(1)
	require.NoError(t, err)
	_, err = a.alloc(2)
	require.ErrorIs(t, err, ErrResourceExhausted)

	_, err = a.release(id)
	require.NoError(t, err)
	_, err = a.alloc(3)
	require.NoError(t, err)
	require.Equal(t, 1, a.count())
}

func TestArenaRejectsForeignHandles(t *testing.T) {
	a := newArena[int]("test", 4)
	for _, id := range []uint64{0, 1, 1<<32 | 7} {
		_, err := a.get(id)
		require.ErrorIs(t, err, ErrStaleHandle, "id %#x", id)
	}
}

func TestErrorKinds(t *testing.T) {
	inner := NewError("dh_get", ErrStaleHandle, nil)
	err := NewError("isa_create", ErrDerivation, inner)

	require.ErrorIs(t, err, ErrDerivation)
	require.ErrorIs(t, err, ErrStaleHandle)
	require.Equal(t, ErrDerivation, KindOf(err))

	for _, kind := range []error{ErrUnsupportedGroup, ErrInvalidPublicValue, ErrStaleHandle,
		ErrResourceExhausted, ErrGeneration, ErrDerivation} {
		back, ok := KindByName(KindName(kind))
		require.True(t, ok)
		require.Equal(t, kind, back)
	}
}
