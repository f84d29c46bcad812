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

// Package pps implements the optional pulse-per-second fusion helper:
// a serial-attached GNSS/PPS receiver contributes a sub-second-only
// offset, which is snapped onto the nearest whole second implied by
// each NTP candidate's own offset and uncertainty. It is off by
// default and never required by the core selection pipeline.
package pps

import (
	"math"

	"github.com/facebookincubator/ntpd/selectalgo"
	"github.com/facebookincubator/ntpd/timeutil"
)

// Source is one PPS reading: an offset confined to (-0.5s, 0.5s] and
// its uncertainty, both in seconds.
type Source struct {
	OffsetSeconds      float64
	UncertaintySeconds float64
}

// Fuse combines a PPS source reading with each selection candidate,
// returning 2N candidates: every original candidate, interleaved with
// a PPS-snapped copy of it. This lets selectalgo.Select treat the
// snapped copies as additional, usually tighter, intervals without
// requiring the core pipeline to know PPS exists.
func Fuse(source Source, candidates []selectalgo.Candidate) []selectalgo.Candidate {
	out := make([]selectalgo.Candidate, 0, 2*len(candidates))
	for _, c := range candidates {
		out = append(out, c)
		out = append(out, snap(source, c))
	}
	return out
}

// snap picks the whole-second-aligned PPS offset closest to c's own
// uncertainty interval edge, and returns a copy of c with its filter
// offset replaced by that value.
func snap(source Source, c selectalgo.Candidate) selectalgo.Candidate {
	offset := c.Filter.Offset.Seconds()
	uncertainty := c.Filter.Dispersion.Seconds() + c.Filter.Jitter.Seconds()

	floor := math.Floor(offset)
	ceil := math.Ceil(offset)

	floorPositive := floor + source.OffsetSeconds
	floorNegative := floor - source.OffsetSeconds
	ceilPositive := ceil + source.OffsetSeconds
	ceilNegative := ceil - source.OffsetSeconds

	lo := offset - uncertainty
	hi := offset + uncertainty

	candidatesAndDist := []struct {
		value float64
		dist  float64
	}{
		{floorPositive, math.Abs(floorPositive - lo)},
		{floorNegative, math.Abs(floorNegative - lo)},
		{ceilPositive, math.Abs(ceilPositive - hi)},
		{ceilNegative, math.Abs(ceilNegative - hi)},
	}

	best := candidatesAndDist[0]
	for _, cand := range candidatesAndDist[1:] {
		if cand.dist < best.dist {
			best = cand
		}
	}

	snapped := c
	snapped.Filter.Offset = timeutil.DurationFromSeconds(best.value)
	snapped.Filter.Dispersion = timeutil.DurationFromSeconds(source.UncertaintySeconds)
	return snapped
}
