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

// Package peerstate holds the per-association data a coordinator
// keeps as its projection of a peer: the published PeerSnapshot, the
// reach register, and the bounded filter register that turns raw
// measurements into a clock-filter output.
package peerstate

import (
	"github.com/eclesh/welford"

	"github.com/facebookincubator/ntpd/protocol"
	"github.com/facebookincubator/ntpd/timeutil"
)

// Leap mirrors protocol.Leap at the snapshot layer so peerstate does
// not force its consumers to import protocol just to read a field.
type Leap = protocol.Leap

// PeerSnapshot is the read-only projection of a peer's association
// state, as published to the coordinator and to observers.
type PeerSnapshot struct {
	Reach          Reach
	Stratum        uint8
	Leap           Leap
	RootDelay      timeutil.NtpDuration
	RootDispersion timeutil.NtpDuration
	Precision      int8
	ReferenceID    uint32

	Offset     timeutil.NtpDuration
	Delay      timeutil.NtpDuration
	Dispersion timeutil.NtpDuration
	Jitter     timeutil.NtpDuration

	LastMeasurement timeutil.NtpInstant
}

// RootDistance is root_delay/2 + root_dispersion, the same formula the
// clock controller uses for max_error. Filter-and-combine's interval
// half-width additionally adds the peer's filter dispersion.
func (s PeerSnapshot) RootDistance() timeutil.NtpDuration {
	return s.RootDelay/2 + s.RootDispersion
}

// AcceptSynchronization reports whether this peer is fit to influence
// the local clock: a nonzero (non-kiss) stratum lower than ours and a
// known leap state.
func (s PeerSnapshot) AcceptSynchronization(localStratum uint8) bool {
	return s.Stratum < localStratum && s.Stratum != 0 && s.Leap != protocol.LeapUnknown
}

// SystemSnapshot is the coordinator's published view of the
// disciplined system clock, read by peer tasks to size their poll
// packets and by the observation channel.
type SystemSnapshot struct {
	Stratum               uint8
	Leap                  Leap
	ReferenceID           uint32
	PollInterval          timeutil.PollInterval
	Precision             int8
	AccumulatedStepBudget timeutil.NtpDuration
	// ResetEpoch increments every time the clock is stepped; messages
	// produced under an older epoch are stale and must be discarded.
	ResetEpoch uint64
}

// Status is the lifecycle state the coordinator keeps for a peer
// index.
type Status int

// Status values (spec §3: PeerStatus).
const (
	StatusDemobilized Status = iota
	StatusAwaitingReset
	StatusValid
)

// Reach is the 8-bit rolling reachability shift register: each poll
// shifts left (dropping the oldest bit), and each accepted response
// sets bit 0.
type Reach uint8

// Poll shifts the register for a new poll attempt.
func (r Reach) Poll() Reach { return r << 1 }

// Received marks that the most recent poll got an accepted reply.
func (r Reach) Received() Reach { return r | 1 }

// IsReachable reports whether any of the last 8 polls succeeded.
func (r Reach) IsReachable() bool { return r != 0 }

// Count returns the number of set bits (successful polls in the last
// 8 attempts).
func (r Reach) Count() int {
	n := 0
	for b := uint8(r); b != 0; b &= b - 1 {
		n++
	}
	return n
}

// Measurement is a single accepted offset/delay sample, as computed
// by the peer task from (t1, t2, t3, t4).
type Measurement struct {
	Offset     timeutil.NtpDuration
	Delay      timeutil.NtpDuration
	Dispersion timeutil.NtpDuration
	When       timeutil.NtpInstant
}

// FilterRegisterSize is the maximum number of samples kept, matching
// the classic NTP clock filter's 8-sample register.
const FilterRegisterSize = 8

// FilterRegister is the bounded queue of recent accepted measurements
// for one peer, used to compute the clock-filter output (§4.5).
type FilterRegister struct {
	samples []Measurement
}

// Add appends a measurement, evicting the oldest once the register is
// full.
func (f *FilterRegister) Add(m Measurement) {
	f.samples = append(f.samples, m)
	if len(f.samples) > FilterRegisterSize {
		f.samples = f.samples[len(f.samples)-FilterRegisterSize:]
	}
}

// Reset empties the register (used after a clock step invalidates all
// outstanding samples).
func (f *FilterRegister) Reset() {
	f.samples = nil
}

// Len reports the number of samples currently held.
func (f *FilterRegister) Len() int { return len(f.samples) }

// DispersionGrowth is the per-second constant used to age dispersion
// of samples sitting in the filter register (RFC 5905 PEER_DISP-like
// constant).
const DispersionGrowth = timeutil.NtpDuration(15 * (1 << 32) / 1000) // 15ms/s

// ClockFilter is the output of a peer's filter register: the sample
// with the lowest delay, plus jitter computed as the RMS deviation of
// offsets across the register.
type ClockFilter struct {
	Offset     timeutil.NtpDuration
	Delay      timeutil.NtpDuration
	Dispersion timeutil.NtpDuration
	Jitter     timeutil.NtpDuration
}

// Filter computes the clock-filter output as of instant "now": the
// lowest-delay sample contributes offset and delay, every sample's
// dispersion is aged by DispersionGrowth since it was taken, and
// jitter is the RMS deviation of all offsets in the register.
//
// Reports ok=false if the register is empty.
func (f *FilterRegister) Filter(now timeutil.NtpInstant) (out ClockFilter, ok bool) {
	if len(f.samples) == 0 {
		return ClockFilter{}, false
	}
	best := f.samples[0]
	for _, s := range f.samples[1:] {
		if s.Delay < best.Delay {
			best = s
		}
	}
	agedDispersion := best.Dispersion
	if age := now.AbsDiff(best.When); age > 0 {
		agedDispersion += timeutil.DurationFromSeconds(age.Seconds() * DispersionGrowth.Seconds())
	}

	w := welford.New()
	for _, s := range f.samples {
		w.Add(s.Offset.Seconds())
	}
	jitter := timeutil.DurationFromSeconds(w.Stddev())

	return ClockFilter{
		Offset:     best.Offset,
		Delay:      best.Delay,
		Dispersion: agedDispersion,
		Jitter:     jitter,
	}, true
}
