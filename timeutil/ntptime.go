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

// Package timeutil implements the fixed-point NTP time types: the
// 64-bit wire timestamp, a signed duration of the same scale, the
// log2-encoded poll interval, and a monotonic instant wrapper.
package timeutil

import (
	"math"
	"time"
)

// ntpEpochOffset is the number of seconds between the NTP epoch
// (1900-01-01 00:00:00 UTC) and the Unix epoch.
const ntpEpochOffset = 2208988800

// NtpTimestamp is a 64-bit fixed-point timestamp counted from the NTP
// epoch: the upper 32 bits are whole seconds, the lower 32 bits are a
// binary fraction of a second. It wraps every 2^32 seconds (~136 years).
type NtpTimestamp uint64

// NtpTimestampFromTime converts a wall-clock time.Time into an
// NtpTimestamp.
func NtpTimestampFromTime(t time.Time) NtpTimestamp {
	secs := t.Unix() + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return NtpTimestamp(uint64(uint32(secs))<<32 | frac)
}

// Time converts an NtpTimestamp back to a wall-clock time.Time,
// assuming it falls within the current NTP era.
func (t NtpTimestamp) Time() time.Time {
	secs := int64(uint32(t >> 32))
	frac := uint64(uint32(t))
	nsec := frac * uint64(time.Second) >> 32
	return time.Unix(secs-ntpEpochOffset, int64(nsec)).UTC()
}

// Seconds reports the integer seconds field.
func (t NtpTimestamp) Seconds() uint32 { return uint32(t >> 32) }

// Fraction reports the fractional-second field.
func (t NtpTimestamp) Fraction() uint32 { return uint32(t) }

// Sub returns the signed duration t - u, interpreting the difference
// as the minimal distance around the 2^32-second wraparound (i.e. a
// difference is never reported with a magnitude larger than half the
// era length).
func (t NtpTimestamp) Sub(u NtpTimestamp) NtpDuration {
	return NtpDuration(int64(uint64(t) - uint64(u)))
}

// Add returns t advanced by d, wrapping modularly.
func (t NtpTimestamp) Add(d NtpDuration) NtpTimestamp {
	return NtpTimestamp(uint64(t) + uint64(int64(d)))
}

// fracScale is 2^32, the number of fractional ticks per second.
const fracScale = 1 << 32

// NtpDuration is a signed fixed-point duration using the same 32.32
// scale as NtpTimestamp. It saturates at roughly ±(2^31 seconds).
type NtpDuration int64

// Well-known thresholds used by the clock controller (§4.4 of the
// synchronization design). These are defaults; panic_threshold is
// operator-configurable.
const (
	// StepThreshold is the offset above which the controller steps
	// instead of slewing (~128ms).
	StepThreshold = NtpDuration(128 * fracScale / 1000)
	// DefaultPanicThreshold is the offset above which the controller
	// refuses to correct automatically.
	DefaultPanicThreshold = NtpDuration(1000 * fracScale)
	// SpikeInterval is how long an offending sample must persist in
	// the Spike state before it is treated as real and stepped.
	SpikeInterval = NtpDuration(900 * fracScale)
	// ZeroDuration is the additive identity.
	ZeroDuration = NtpDuration(0)
)

// Seconds returns the duration as a floating-point number of seconds.
func (d NtpDuration) Seconds() float64 {
	return float64(d) / fracScale
}

// DurationFromSeconds builds an NtpDuration from a float64 number of
// seconds, saturating at the representable range.
func DurationFromSeconds(s float64) NtpDuration {
	scaled := s * fracScale
	if scaled > math.MaxInt64 {
		return NtpDuration(math.MaxInt64)
	}
	if scaled < math.MinInt64 {
		return NtpDuration(math.MinInt64)
	}
	return NtpDuration(int64(scaled))
}

// Duration converts to a standard library time.Duration (nanosecond
// resolution; values beyond time.Duration's range saturate).
func (d NtpDuration) Duration() time.Duration {
	return time.Duration(d.Seconds() * float64(time.Second))
}

// Abs returns the absolute value of d.
func (d NtpDuration) Abs() NtpDuration {
	if d < 0 {
		return -d
	}
	return d
}

// MinPoll and MaxPoll bound the log2-seconds poll interval (§4.2).
const (
	MinPoll = 4  // 16s
	MaxPoll = 17 // ~36.4h
)

// PollInterval is the log2, in seconds, of the interval between polls
// of a single peer.
type PollInterval int8

// NewPollInterval clamps value into [MinPoll, MaxPoll].
func NewPollInterval(value int) PollInterval {
	if value < MinPoll {
		value = MinPoll
	}
	if value > MaxPoll {
		value = MaxPoll
	}
	return PollInterval(value)
}

// Inc returns the interval one step longer, clamped at MaxPoll.
func (p PollInterval) Inc() PollInterval {
	if int(p) >= MaxPoll {
		return p
	}
	return p + 1
}

// Dec returns the interval one step shorter, clamped at MinPoll.
func (p PollInterval) Dec() PollInterval {
	if int(p) <= MinPoll {
		return p
	}
	return p - 1
}

// AsDuration converts the poll interval to a wall duration of
// 2^p seconds, saturating at the representable range of time.Duration.
func (p PollInterval) AsDuration() time.Duration {
	secs := math.Ldexp(1, int(p))
	if secs*float64(time.Second) > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(secs * float64(time.Second))
}

// NtpInstant is an opaque monotonic timestamp, used to schedule polls
// and to reason about elapsed time without being affected by clock
// steps applied to the system clock. It never moves backwards.
type NtpInstant struct {
	t time.Time
}

// Now returns the current monotonic instant.
func Now() NtpInstant {
	return NtpInstant{t: time.Now()}
}

// AbsDiff returns the (always non-negative) duration between two
// instants.
func (n NtpInstant) AbsDiff(other NtpInstant) NtpDuration {
	d := n.t.Sub(other.t)
	if d < 0 {
		d = -d
	}
	return DurationFromSeconds(d.Seconds())
}

// Add returns the instant advanced by d (d may be negative).
func (n NtpInstant) Add(d time.Duration) NtpInstant {
	return NtpInstant{t: n.t.Add(d)}
}

// Before reports whether n occurred before other.
func (n NtpInstant) Before(other NtpInstant) bool {
	return n.t.Before(other.t)
}
