package selectalgo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/facebookincubator/ntpd/peerstate"
	"github.com/facebookincubator/ntpd/timeutil"
)

func candidateWithInterval(t *testing.T, center, halfWidth float64) Candidate {
	t.Helper()
	return Candidate{
		Filter: peerstate.ClockFilter{
			Offset:     timeutil.DurationFromSeconds(center),
			Dispersion: timeutil.DurationFromSeconds(halfWidth),
		},
		Snapshot: peerstate.PeerSnapshot{Stratum: 2},
	}
}

func TestIntersectionRejectsMinority(t *testing.T) {
	// [-10,-5], [+5,+10], [+6,+9]: best overlap is 2 (the latter two),
	// never reaching the required 3 survivors.
	candidates := []Candidate{
		candidateWithInterval(t, -7.5, 2.5),
		candidateWithInterval(t, 7.5, 2.5),
		candidateWithInterval(t, 7.5, 1.5),
	}
	_, ok := Select(candidates, 3)
	require.False(t, ok)
}

func TestIntersectionAcceptsMajority(t *testing.T) {
	candidates := []Candidate{
		candidateWithInterval(t, 0, 1),
		candidateWithInterval(t, 0.5, 1),
		candidateWithInterval(t, -0.5, 1),
	}
	combined, ok := Select(candidates, 3)
	require.True(t, ok)
	require.Len(t, combined.Survivors, 3)
}

func TestCombineWeightsByInverseSquareDistance(t *testing.T) {
	// A tight, low-dispersion candidate should dominate the combined
	// offset over a loose, high-dispersion one.
	candidates := []Candidate{
		{Filter: peerstate.ClockFilter{Offset: timeutil.DurationFromSeconds(0), Dispersion: timeutil.DurationFromSeconds(0.01)}},
		{Filter: peerstate.ClockFilter{Offset: timeutil.DurationFromSeconds(1), Dispersion: timeutil.DurationFromSeconds(5)}},
	}
	combined, ok := Select(candidates, 2)
	require.True(t, ok)
	require.Less(t, combined.Offset.Seconds(), 0.1)
}

func TestCombineStratumSaturatingIncrement(t *testing.T) {
	candidates := []Candidate{
		{Snapshot: peerstate.PeerSnapshot{Stratum: 255}},
		{Snapshot: peerstate.PeerSnapshot{Stratum: 255}},
	}
	combined, ok := Select(candidates, 2)
	require.True(t, ok)
	require.EqualValues(t, 255, combined.Stratum)
}

func TestSelectEmpty(t *testing.T) {
	_, ok := Select(nil, 1)
	require.False(t, ok)
}
