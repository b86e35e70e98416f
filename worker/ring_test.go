package worker

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOutputRingKeepsRecentLines(t *testing.T) {
	r := NewOutputRing(3)
	require.Empty(t, r.Lines())

	r.Append("a")
	r.Append("b")
	require.Equal(t, []string{"a", "b"}, r.Lines())
	require.Equal(t, 2, r.Len())

	r.Append("c")
	r.Append("d")
	require.Equal(t, []string{"b", "c", "d"}, r.Lines())
	require.Equal(t, 3, r.Len())
}

func TestOutputRingLargeOverflow(t *testing.T) {
	r := NewOutputRing(10)
	for i := 0; i < 105; i++ {
		r.Append(fmt.Sprintf("line-%d", i))
	}
	lines := r.Lines()
	require.Len(t, lines, 10)
	require.Equal(t, "line-95", lines[0])
	require.Equal(t, "line-104", lines[9])
}
