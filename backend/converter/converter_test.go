package converter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConverter_RoundTripsState(t *testing.T) {
	type state struct {
		RemainingCount int
		NextRunAt      *time.Time
	}

	next := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := DefaultConverter.To(state{RemainingCount: 3, NextRunAt: &next})
	require.NoError(t, err)

	var r state
	require.NoError(t, DefaultConverter.From(data, &r))
	require.Equal(t, 3, r.RemainingCount)
	require.True(t, next.Equal(*r.NextRunAt))
}
