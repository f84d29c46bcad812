/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package system implements the coordinator: it owns the peer index
// table, drives the spawner for standalone peers and DNS pools, feeds
// accepted measurements through filter-and-combine and the clock
// controller, and publishes the system and per-peer snapshots that
// the rest of the daemon observes (spec §4.7).
package system

import (
	"context"
	"errors"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/facebookincubator/ntpd/clockctl"
	"github.com/facebookincubator/ntpd/config"
	"github.com/facebookincubator/ntpd/peer"
	"github.com/facebookincubator/ntpd/peerstate"
	"github.com/facebookincubator/ntpd/pps"
	"github.com/facebookincubator/ntpd/selectalgo"
	"github.com/facebookincubator/ntpd/spawn"
	"github.com/facebookincubator/ntpd/timeutil"
	"github.com/facebookincubator/ntpd/watch"
)

// ErrClockPanic is the error Run returns when the clock controller
// reports an offset past the configured panic threshold (spec §7): the
// daemon must not try to correct it on its own and the process should
// exit rather than keep running on an unsynchronized clock.
var ErrClockPanic = errors.New("clock controller panic: offset exceeds panic threshold")

// defaultPPSUncertaintySeconds is used when a PPSConfig doesn't name
// one; commodity GNSS receivers publish single-digit-microsecond PPS
// jitter, so 1us is a conservative default.
const defaultPPSUncertaintySeconds = 1e-6

// clock is the capability the coordinator needs beyond what it hands
// peer tasks: the full clockctl.Clock surface to drive the controller.
type clock interface {
	clockctl.Clock
}

// peerIndexIssuer hands out strictly increasing peer.Index values,
// never reusing one within a process lifetime.
type peerIndexIssuer struct {
	next uint64
}

func (p *peerIndexIssuer) get() peer.Index {
	i := p.next
	p.next++
	return peer.Index(i)
}

// poolIndexIssuer hands out strictly increasing spawn.PoolIndex
// values, one per configured DNS pool.
type poolIndexIssuer struct {
	next uint64
}

func (p *poolIndexIssuer) get() spawn.PoolIndex {
	i := p.next
	p.next++
	return spawn.PoolIndex(i)
}

// peerRecord is the coordinator's bookkeeping for one live peer
// association.
type peerRecord struct {
	address     spawn.PeerAddress
	snapshot    peerstate.PeerSnapshot
	hasSnapshot bool
}

// ObservablePeer is the read-only projection of a peer exposed to
// observers (stats endpoints), deliberately independent of internal
// bookkeeping like filter registers.
type ObservablePeer struct {
	Index    peer.Index
	Address  string
	Snapshot peerstate.PeerSnapshot
}

// System is the coordinator. Exactly one goroutine (Run) mutates its
// peer table; all other access goes through the exported watches.
type System struct {
	cfg        config.Config
	clock      clock
	controller *clockctl.Controller

	peers        map[peer.Index]*peerRecord
	peerIndexer  peerIndexIssuer
	poolIndexer  poolIndexIssuer

	systemSnapshot *watch.Watch[peerstate.SystemSnapshot]
	configWatch    *watch.Watch[config.Config]
	peersWatch     *watch.Watch[[]ObservablePeer]

	msgCh   chan peer.Msg
	spawnCh chan spawn.Task
	ppsCh   chan pps.Source

	resetEpoch uint64
	ppsSource  *pps.Source
}

// New builds a coordinator. It does not start spawning peers; call
// AddPeer for each configured server and then Run.
func New(cfg config.Config, clk clock) (*System, error) {
	controller, err := clockctl.New(clk)
	if err != nil {
		return nil, err
	}
	forward, backward := config.PanicThresholdSeconds(cfg.PanicThreshold, clockctl.Infinite)
	controller.SetPanicThreshold(clockctl.PanicThreshold{Forward: forward, Backward: backward})
	sForward, sBackward := config.PanicThresholdSeconds(cfg.StartupPanicThreshold, clockctl.Infinite)
	controller.SetStartupPanicThreshold(clockctl.PanicThreshold{Forward: sForward, Backward: sBackward})

	initial := peerstate.SystemSnapshot{
		Stratum: cfg.LocalStratum,
		Leap:    peerstate.Leap(0),
	}

	return &System{
		cfg:            cfg,
		clock:          clk,
		controller:     controller,
		peers:          make(map[peer.Index]*peerRecord),
		systemSnapshot: watch.New(initial),
		configWatch:    watch.New(cfg),
		peersWatch:     watch.New([]ObservablePeer(nil)),
		msgCh:          make(chan peer.Msg, 32),
		spawnCh:        make(chan spawn.Task, 32),
		ppsCh:          make(chan pps.Source, 1),
	}, nil
}

// StartPPS opens the configured PPS receiver, if any, and begins
// feeding its readings into the coordinator. It is a no-op when
// cfg.PPS is unset or disabled.
func (s *System) StartPPS(ctx context.Context) error {
	if s.cfg.PPS == nil || !s.cfg.PPS.Enabled {
		return nil
	}
	receiver, err := pps.OpenSerialReceiver(s.cfg.PPS.SerialPort, s.cfg.PPS.BaudRate)
	if err != nil {
		return err
	}
	uncertainty := s.cfg.PPS.UncertaintySeconds
	if uncertainty == 0 {
		uncertainty = defaultPPSUncertaintySeconds
	}
	go func() {
		defer receiver.Close()
		if err := receiver.Poll(ctx, uncertainty, s.ppsCh); err != nil && ctx.Err() == nil {
			log.Errorf("system: pps receiver stopped: %v", err)
		}
	}()
	return nil
}

// SystemSnapshot returns the watch observers use to read the
// disciplined clock's published state.
func (s *System) SystemSnapshot() *watch.Watch[peerstate.SystemSnapshot] { return s.systemSnapshot }

// Peers returns the watch observers use to read the per-peer snapshot
// table.
func (s *System) Peers() *watch.Watch[[]ObservablePeer] { return s.peersWatch }

// Config returns the watch peer tasks and the coordinator itself read
// configuration updates from. Call Set on it to push a live reload.
func (s *System) Config() *watch.Watch[config.Config] { return s.configWatch }

// AddPeer starts resolving and spawning cfg, whether a standalone peer
// or a DNS pool, asynchronously feeding Task values into the
// coordinator's spawn channel.
func (s *System) AddPeer(ctx context.Context, cfg config.PeerConfig) {
	waitPeriod := timeutil.DurationFromSeconds(s.cfg.NetworkWaitPeriodSeconds).Duration()
	if cfg.Pool {
		index := s.poolIndexer.get()
		go spawn.Pool(ctx, index, cfg, nil, waitPeriod, s.spawnCh)
	} else {
		go spawn.Standard(ctx, cfg, waitPeriod, s.spawnCh)
	}
}

// Run is the coordinator's event loop. It returns ctx.Err() when ctx
// is cancelled, or an error wrapping ErrClockPanic when the clock
// controller panics.
func (s *System) Run(ctx context.Context) error {
	configChanged := s.configWatch.Changed()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-s.msgCh:
			if err := s.handleMsg(ctx, msg); err != nil {
				return err
			}
			s.publishPeers()

		case task := <-s.spawnCh:
			s.spawnPeer(ctx, task)

		case source := <-s.ppsCh:
			s.ppsSource = &source

		case <-configChanged:
			configChanged = s.configWatch.Changed()
			s.cfg = s.configWatch.Get()
		}
	}
}

func (s *System) spawnPeer(ctx context.Context, task spawn.Task) {
	index := s.peerIndexer.get()
	s.peers[index] = &peerRecord{address: task.PeerAddress}

	waitPeriod := timeutil.DurationFromSeconds(s.cfg.NetworkWaitPeriodSeconds).Duration()
	channels := peer.Channels{
		MsgForSystem:   s.msgCh,
		SystemSnapshot: s.systemSnapshot,
		Config:         s.configWatch,
	}
	go peer.Spawn(ctx, index, task.Addr, s.clock, waitPeriod, channels)
	s.publishPeers()
}

func (s *System) handleMsg(ctx context.Context, msg peer.Msg) error {
	record, ok := s.peers[msg.Index]
	if !ok {
		log.Warnf("system: message for unknown peer index %d", msg.Index)
		return nil
	}

	switch msg.Kind {
	case peer.MsgMustDemobilize:
		delete(s.peers, msg.Index)

	case peer.MsgNetworkIssue:
		delete(s.peers, msg.Index)
		s.respawn(ctx, record)

	case peer.MsgUpdatedSnapshot:
		if msg.Epoch < s.resetEpoch {
			// In flight from before the last Step/Panic: the peer
			// hasn't yet observed the reset and re-measured, so this
			// snapshot reflects a clock state that no longer exists.
			return nil
		}
		record.snapshot = msg.Snapshot
		record.hasSnapshot = true

	case peer.MsgNewMeasurement:
		if msg.Epoch < s.resetEpoch {
			return nil
		}
		record.snapshot = msg.Snapshot
		record.hasSnapshot = true
		return s.recompute()
	}
	return nil
}

// respawn re-requests an address for a peer that reported a network
// issue, reusing its original configuration (standalone vs. pool).
func (s *System) respawn(ctx context.Context, record *peerRecord) {
	waitPeriod := timeutil.DurationFromSeconds(s.cfg.NetworkWaitPeriodSeconds).Duration()
	switch record.address.Kind {
	case spawn.KindStandard:
		go spawn.Standard(ctx, config.PeerConfig{Name: record.address.Name}, waitPeriod, s.spawnCh)
	case spawn.KindPool:
		go spawn.Pool(ctx, record.address.PoolIndex, config.PeerConfig{Name: record.address.Name, Pool: true, MaxPeers: record.address.MaxPeers}, s.inUseForPool(record.address.PoolIndex), waitPeriod, s.spawnCh)
	}
}

// inUseForPool lists addresses to exclude when respawning a pool
// member. Peer tasks do not echo their resolved socket address back
// on NetworkIssue, so this always returns nil; Pool's own in-use
// bookkeeping (checked against its backups list) still prevents a
// newly spawned member from duplicating one already running.
func (s *System) inUseForPool(index spawn.PoolIndex) []*net.UDPAddr {
	return nil
}

func filterFromSnapshot(s peerstate.PeerSnapshot) peerstate.ClockFilter {
	return peerstate.ClockFilter{
		Offset:     s.Offset,
		Delay:      s.Delay,
		Dispersion: s.Dispersion,
		Jitter:     s.Jitter,
	}
}

// recompute runs filter-and-combine over every peer accepted for
// synchronization and, if enough survive, feeds the result to the
// clock controller and republishes the system snapshot.
func (s *System) recompute() error {
	var candidates []selectalgo.Candidate
	for index, r := range s.peers {
		if !r.hasSnapshot || !r.snapshot.AcceptSynchronization(s.cfg.LocalStratum) {
			continue
		}
		candidates = append(candidates, selectalgo.Candidate{
			PeerIndex: uint64(index),
			Snapshot:  r.snapshot,
			Filter:    filterFromSnapshot(r.snapshot),
		})
	}

	if s.ppsSource != nil {
		candidates = pps.Fuse(*s.ppsSource, candidates)
	}

	combined, ok := selectalgo.Select(candidates, s.cfg.MinIntersectionSurvivors)
	if !ok {
		return nil
	}

	result := s.controller.Update(combined.Offset, combined.Jitter, combined.RootDelay, combined.RootDispersion, combined.Leap, timeutil.Now())
	if result == clockctl.Step || result == clockctl.Panic {
		s.resetEpoch++
		for _, r := range s.peers {
			r.hasSnapshot = false
		}
	}
	if result == clockctl.Panic {
		// The rejected candidate's offset is, by definition, one the
		// controller refused to act on; publishing a snapshot built
		// from it would tell observers the daemon is tracking a
		// reference it's actually about to stop trusting entirely.
		return fmt.Errorf("%w: offset %.3fs", ErrClockPanic, combined.Offset.Seconds())
	}

	s.systemSnapshot.Set(peerstate.SystemSnapshot{
		Stratum:               combined.Stratum,
		Leap:                  combined.Leap,
		ReferenceID:           combined.ReferenceID,
		PollInterval:          s.controller.PreferredPollInterval(),
		AccumulatedStepBudget: timeutil.DurationFromSeconds(derefOr(s.cfg.AccumulatedThresholdSecs, 0)),
		ResetEpoch:            s.resetEpoch,
	})
	return nil
}

func derefOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func (s *System) publishPeers() {
	out := make([]ObservablePeer, 0, len(s.peers))
	for index, r := range s.peers {
		out = append(out, ObservablePeer{
			Index:    index,
			Address:  r.address.Name,
			Snapshot: r.snapshot,
		})
	}
	s.peersWatch.Set(out)
}
