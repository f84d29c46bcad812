package system

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facebookincubator/ntpd/clockctl"
	"github.com/facebookincubator/ntpd/config"
	"github.com/facebookincubator/ntpd/peer"
	"github.com/facebookincubator/ntpd/peerstate"
	"github.com/facebookincubator/ntpd/pps"
	"github.com/facebookincubator/ntpd/protocol"
	"github.com/facebookincubator/ntpd/timeutil"
)

type testClock struct{}

func (testClock) Now() (timeutil.NtpTimestamp, error) {
	return timeutil.NtpTimestampFromTime(time.Now()), nil
}
func (testClock) SetFrequency(ppm float64) error { return nil }
func (testClock) StepClock(offset timeutil.NtpDuration) error { return nil }
func (testClock) UpdateClock(offset, estError, maxError timeutil.NtpDuration, poll timeutil.PollInterval, leap protocol.Leap) error {
	return nil
}

func newTestSystem(t *testing.T) *System {
	t.Helper()
	cfg := config.Default()
	cfg.MinIntersectionSurvivors = 1
	s, err := New(cfg, testClock{})
	require.NoError(t, err)
	return s
}

func acceptableSnapshot() peerstate.PeerSnapshot {
	return peerstate.PeerSnapshot{
		Stratum: 1,
		Leap:    protocol.LeapNoWarning,
		Offset:  timeutil.ZeroDuration,
		Jitter:  timeutil.DurationFromSeconds(0.001),
	}
}

func TestHandleMsgTracksSnapshotCount(t *testing.T) {
	s := newTestSystem(t)
	// Keep recompute from reaching the controller: its first update
	// steps, which clears every peer's hasSnapshot.
	s.cfg.MinIntersectionSurvivors = 2
	s.peers[peer.Index(0)] = &peerRecord{}
	s.peers[peer.Index(1)] = &peerRecord{}

	ctx := context.Background()

	require.NoError(t, s.handleMsg(ctx, peer.Msg{Kind: peer.MsgNewMeasurement, Index: peer.Index(0), Snapshot: acceptableSnapshot()}))
	require.True(t, s.peers[peer.Index(0)].hasSnapshot)
	require.False(t, s.peers[peer.Index(1)].hasSnapshot)

	require.NoError(t, s.handleMsg(ctx, peer.Msg{Kind: peer.MsgUpdatedSnapshot, Index: peer.Index(1), Snapshot: acceptableSnapshot()}))
	require.True(t, s.peers[peer.Index(1)].hasSnapshot)

	require.NoError(t, s.handleMsg(ctx, peer.Msg{Kind: peer.MsgMustDemobilize, Index: peer.Index(1)}))
	_, stillPresent := s.peers[peer.Index(1)]
	require.False(t, stillPresent)
}

func TestHandleMsgDropsMessagesFromBeforeLastReset(t *testing.T) {
	s := newTestSystem(t)
	// Keep recompute from reaching the controller: its first update
	// steps, which clears every peer's hasSnapshot.
	s.cfg.MinIntersectionSurvivors = 2
	s.peers[peer.Index(0)] = &peerRecord{}
	s.resetEpoch = 1

	ctx := context.Background()

	// Built before the Step/Panic that bumped resetEpoch to 1: must not
	// resurrect hasSnapshot with a pre-reset measurement.
	require.NoError(t, s.handleMsg(ctx, peer.Msg{Kind: peer.MsgNewMeasurement, Index: peer.Index(0), Epoch: 0, Snapshot: acceptableSnapshot()}))
	require.False(t, s.peers[peer.Index(0)].hasSnapshot)

	require.NoError(t, s.handleMsg(ctx, peer.Msg{Kind: peer.MsgUpdatedSnapshot, Index: peer.Index(0), Epoch: 0, Snapshot: acceptableSnapshot()}))
	require.False(t, s.peers[peer.Index(0)].hasSnapshot)

	// Same epoch as the current reset: applies normally.
	require.NoError(t, s.handleMsg(ctx, peer.Msg{Kind: peer.MsgNewMeasurement, Index: peer.Index(0), Epoch: 1, Snapshot: acceptableSnapshot()}))
	require.True(t, s.peers[peer.Index(0)].hasSnapshot)
}

func TestRecomputePublishesSystemSnapshotOnceThresholdMet(t *testing.T) {
	s := newTestSystem(t)
	s.peers[peer.Index(0)] = &peerRecord{snapshot: acceptableSnapshot(), hasSnapshot: true}

	require.NoError(t, s.recompute())

	snap := s.systemSnapshot.Get()
	require.Equal(t, uint8(2), snap.Stratum) // one above the single survivor's stratum 1
}

func TestRecomputeFusesPPSSourceWhenPresent(t *testing.T) {
	s := newTestSystem(t)
	s.peers[peer.Index(0)] = &peerRecord{snapshot: acceptableSnapshot(), hasSnapshot: true}
	source := pps.Source{OffsetSeconds: 0, UncertaintySeconds: 1e-7}
	s.ppsSource = &source

	require.NoError(t, s.recompute())

	snap := s.systemSnapshot.Get()
	require.Equal(t, uint8(2), snap.Stratum)
}

func TestRecomputeWithoutEnoughSurvivorsDoesNotPublish(t *testing.T) {
	s := newTestSystem(t)
	s.cfg.MinIntersectionSurvivors = 3
	s.peers[peer.Index(0)] = &peerRecord{snapshot: acceptableSnapshot(), hasSnapshot: true}

	before := s.systemSnapshot.Get()
	require.NoError(t, s.recompute())
	after := s.systemSnapshot.Get()
	require.Equal(t, before, after)
}

func TestRecomputeOnPanicReturnsErrClockPanicAndSkipsPublish(t *testing.T) {
	s := newTestSystem(t)
	s.peers[peer.Index(0)] = &peerRecord{snapshot: acceptableSnapshot(), hasSnapshot: true}

	// Panic detection is disabled while the controller is in its startup
	// states, so take one update first to move it into ordinary operation.
	require.NoError(t, s.recompute())

	s.controller.SetPanicThreshold(clockctl.PanicThreshold{
		Forward:  timeutil.DurationFromSeconds(0),
		Backward: timeutil.DurationFromSeconds(0),
	})
	offending := acceptableSnapshot()
	offending.Offset = timeutil.DurationFromSeconds(5)
	s.peers[peer.Index(0)] = &peerRecord{snapshot: offending, hasSnapshot: true}

	before := s.systemSnapshot.Get()
	beforeEpoch := s.resetEpoch

	err := s.recompute()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrClockPanic))

	after := s.systemSnapshot.Get()
	require.Equal(t, before, after, "a panicked candidate must never be published as the system snapshot")
	require.Equal(t, beforeEpoch+1, s.resetEpoch, "a panic still bumps the reset epoch like a step")
	require.False(t, s.peers[peer.Index(0)].hasSnapshot, "a panic still invalidates in-flight peer snapshots")
}
