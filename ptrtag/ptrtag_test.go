package ptrtag

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestPackRoundTripsPointerAndFlags(t *testing.T) {
	n := struct{ x int }{x: 7}
	ptr := unsafe.Pointer(&n)

	w := Pack(ptr, LogicallyRemoved)
	require.Equal(t, ptr, w.Ptr())
	require.Equal(t, LogicallyRemoved, w.Flags())
	require.True(t, w.HasFlag(LogicallyRemoved))
	require.False(t, w.HasFlag(IsBeingDistributed))
}

func TestWithFlagsAndClearFlags(t *testing.T) {
	n := struct{ x int }{}
	ptr := unsafe.Pointer(&n)
	w := Pack(ptr, 0)

	w = w.WithFlags(LogicallyRemoved | IsBeingDistributed)
	require.True(t, w.HasFlag(LogicallyRemoved))
	require.True(t, w.HasFlag(IsBeingDistributed))
	require.Equal(t, ptr, w.Ptr())

	w = w.ClearFlags(IsBeingDistributed)
	require.True(t, w.HasFlag(LogicallyRemoved))
	require.False(t, w.HasFlag(IsBeingDistributed))
}

func TestWithPtrPreservesFlags(t *testing.T) {
	a := struct{ x int }{x: 1}
	b := struct{ x int }{x: 2}

	w := Pack(unsafe.Pointer(&a), LogicallyRemoved)
	w = w.WithPtr(unsafe.Pointer(&b))
	require.Equal(t, unsafe.Pointer(&b), w.Ptr())
	require.True(t, w.HasFlag(LogicallyRemoved))
}
