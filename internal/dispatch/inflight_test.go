package dispatch

import (
	"testing"

	"keeper/internal/domain"

	"github.com/stretchr/testify/require"
)

func TestInFlightSet_TryMark(t *testing.T) {
	s := NewInFlightSet()

	require.True(t, s.TryMark(1))
	require.False(t, s.TryMark(1))
	require.True(t, s.Contains(1))
	require.Equal(t, 1, s.Len())
}

func TestInFlightSet_Release(t *testing.T) {
	s := NewInFlightSet()
	s.TryMark(1)

	require.True(t, s.Release(1))
	require.False(t, s.Release(1))
	require.False(t, s.Contains(1))
	require.True(t, s.TryMark(1))
}

func TestInFlightSet_SnapshotSorted(t *testing.T) {
	s := NewInFlightSet()
	for _, id := range []domain.JobID{9, 2, 5} {
		s.TryMark(id)
	}
	require.Equal(t, []domain.JobID{2, 5, 9}, s.Snapshot())
}
