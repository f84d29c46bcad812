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

// Package selectalgo implements cross-peer clock selection: the
// interval-intersection survivor algorithm and the weighted combine
// that turns a set of survivor snapshots into one system offset and
// jitter (spec §4.5).
package selectalgo

import (
	"math"

	"github.com/facebookincubator/ntpd/peerstate"
	"github.com/facebookincubator/ntpd/timeutil"
)

// Candidate is one peer's contribution to clock selection: its
// published snapshot (stratum/refid/leap/root delay+dispersion) and
// the clock-filter output that produced the current offset/delay.
type Candidate struct {
	PeerIndex uint64
	Snapshot  peerstate.PeerSnapshot
	Filter    peerstate.ClockFilter
}

func (c Candidate) rootDistance() timeutil.NtpDuration {
	return c.Snapshot.RootDelay/2 + c.Snapshot.RootDispersion + c.Filter.Dispersion
}

func (c Candidate) interval() (lo, hi timeutil.NtpDuration) {
	d := c.rootDistance()
	return c.Filter.Offset - d, c.Filter.Offset + d
}

// Combined is the result of a successful selection.
type Combined struct {
	Offset         timeutil.NtpDuration
	Jitter         timeutil.NtpDuration
	Stratum        uint8
	Leap           peerstate.Leap
	ReferenceID    uint32
	RootDelay      timeutil.NtpDuration
	RootDispersion timeutil.NtpDuration
	Survivors      []Candidate
}

// Select runs the interval-intersection algorithm over candidates and,
// if at least minSurvivors intervals intersect in the largest
// common region, combines them. It returns ok=false if fewer than
// minSurvivors candidates survive (spec §4.5 step 2).
func Select(candidates []Candidate, minSurvivors int) (Combined, bool) {
	survivors := largestIntersection(candidates)
	if len(survivors) < minSurvivors {
		return Combined{}, false
	}
	return combine(survivors), true
}

// largestIntersection returns the subset of candidates whose
// intervals overlap at some common point, choosing the point with
// the largest overlapping subset. Ties are broken by the first point
// encountered in sweep order.
func largestIntersection(candidates []Candidate) []Candidate {
	n := len(candidates)
	if n == 0 {
		return nil
	}

	type event struct {
		value timeutil.NtpDuration
		delta int
		idx   int
	}
	events := make([]event, 0, 2*n)
	for i, c := range candidates {
		lo, hi := c.interval()
		events = append(events, event{value: lo, delta: 1, idx: i})
		events = append(events, event{value: hi, delta: -1, idx: i})
	}
	// Sort by value; at equal values process all starts (+1) before
	// ends (-1) so touching-at-a-point intervals count as
	// intersecting there.
	for i := 1; i < len(events); i++ {
		for j := i; j > 0; j-- {
			a, b := events[j-1], events[j]
			swap := a.value > b.value || (a.value == b.value && a.delta < b.delta)
			if !swap {
				break
			}
			events[j-1], events[j] = events[j], events[j-1]
		}
	}

	active := make(map[int]bool, n)
	var bestSet map[int]bool
	bestCount := 0
	for _, e := range events {
		if e.delta > 0 {
			active[e.idx] = true
		}
		count := len(active)
		if count > bestCount {
			bestCount = count
			bestSet = make(map[int]bool, count)
			for k := range active {
				bestSet[k] = true
			}
		}
		if e.delta < 0 {
			delete(active, e.idx)
		}
	}

	survivors := make([]Candidate, 0, bestCount)
	for i, c := range candidates {
		if bestSet[i] {
			survivors = append(survivors, c)
		}
	}
	return survivors
}

// combine weights survivor offsets by 1/root_distance^2 and computes
// the system jitter as the RMS of survivor offsets around the
// combined offset. The lowest-distance survivor's snapshot seeds the
// remaining system fields.
func combine(survivors []Candidate) Combined {
	var weightSum, offsetSum float64
	for _, c := range survivors {
		d := c.rootDistance().Seconds()
		if d <= 0 {
			d = 1e-9
		}
		w := 1 / (d * d)
		weightSum += w
		offsetSum += w * c.Filter.Offset.Seconds()
	}
	combinedOffset := timeutil.DurationFromSeconds(offsetSum / weightSum)

	var sumSquares float64
	for _, c := range survivors {
		d := c.Filter.Offset.Seconds() - combinedOffset.Seconds()
		sumSquares += d * d
	}
	jitter := timeutil.DurationFromSeconds(math.Sqrt(sumSquares / float64(len(survivors))))

	best := survivors[0]
	for _, c := range survivors[1:] {
		if c.rootDistance() < best.rootDistance() {
			best = c
		}
	}

	stratum := best.Snapshot.Stratum
	if stratum < 255 {
		stratum++
	}

	return Combined{
		Offset:         combinedOffset,
		Jitter:         jitter,
		Stratum:        stratum,
		Leap:           best.Snapshot.Leap,
		ReferenceID:    best.Snapshot.ReferenceID,
		RootDelay:      best.Snapshot.RootDelay,
		RootDispersion: best.Snapshot.RootDispersion,
		Survivors:      survivors,
	}
}
