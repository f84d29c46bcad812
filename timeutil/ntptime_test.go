package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNtpTimestampRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Microsecond).UTC()
	ts := NtpTimestampFromTime(now)
	got := ts.Time()
	require.WithinDuration(t, now, got, time.Microsecond)
}

func TestNtpTimestampSubWraps(t *testing.T) {
	a := NtpTimestamp(0x0000000100000000)
	b := NtpTimestamp(0x0000000000000000)
	require.Equal(t, NtpDuration(1<<32), a.Sub(b))
	require.Equal(t, NtpDuration(-(1<<32)), b.Sub(a))
}

func TestPollIntervalClamp(t *testing.T) {
	p := NewPollInterval(0)
	require.EqualValues(t, MinPoll, p)
	p = NewPollInterval(100)
	require.EqualValues(t, MaxPoll, p)
}

func TestPollIntervalIncDec(t *testing.T) {
	p := NewPollInterval(MinPoll)
	require.EqualValues(t, MinPoll, p.Dec())
	p = NewPollInterval(MaxPoll)
	require.EqualValues(t, MaxPoll, p.Inc())
	p = NewPollInterval(10)
	require.EqualValues(t, 11, p.Inc())
	require.EqualValues(t, 9, p.Dec())
}

func TestPollIntervalAsDuration(t *testing.T) {
	p := NewPollInterval(4)
	require.Equal(t, 16*time.Second, p.AsDuration())
}

func TestNtpInstantNeverBackwards(t *testing.T) {
	a := Now()
	b := a.Add(time.Second)
	require.True(t, a.Before(b))
	require.Equal(t, DurationFromSeconds(1), a.AbsDiff(b))
}

func TestDurationFromSecondsSaturates(t *testing.T) {
	d := DurationFromSeconds(1e30)
	require.Equal(t, NtpDuration(1<<63-1), d)
}
