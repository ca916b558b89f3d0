package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSliceQueue(t *testing.T) {
	require := require.New(t)

	q := NewSliceQueue[string](2)
	require.True(q.IsEmpty())

	_, ok := q.Dequeue()
	require.False(ok)
	_, ok = q.Peek()
	require.False(ok)

	q.Enqueue("Disconnected")
	q.Enqueue("Connecting")
	q.Enqueue("Connected")
	require.Equal(3, q.Length())

	head, ok := q.Peek()
	require.True(ok)
	require.Equal("Disconnected", head)

	for _, want := range []string{"Disconnected", "Connecting", "Connected"} {
		got, ok := q.Dequeue()
		require.True(ok)
		require.Equal(want, got)
	}
	require.True(q.IsEmpty())

	q.Enqueue("a")
	q.Reset()
	require.Zero(q.Length())
}
