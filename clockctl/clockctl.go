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

// Package clockctl implements the clock controller state machine:
// given a selected system offset, jitter and root distance, it
// decides whether to ignore the sample, slew the clock, step it, or
// panic, following the StartupBlank -> MeasureFreq -> Sync <-> Spike
// lifecycle.
package clockctl

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/facebookincubator/ntpd/protocol"
	"github.com/facebookincubator/ntpd/timeutil"
)

// Clock is the capability the controller steers. Implementations
// must be internally synchronized since the value is shared with
// other callers (e.g. an observation endpoint reading frequency).
type Clock interface {
	Now() (timeutil.NtpTimestamp, error)
	SetFrequency(ppm float64) error
	StepClock(offset timeutil.NtpDuration) error
	UpdateClock(offset, estError, maxError timeutil.NtpDuration, poll timeutil.PollInterval, leap protocol.Leap) error
}

// state is the controller's internal lifecycle state (spec §4.4).
type state int

const (
	stateStartupBlank state = iota
	stateStartupFreq
	stateMeasureFreq
	stateSpike
	stateSync
)

func (s state) String() string {
	switch s {
	case stateStartupBlank:
		return "StartupBlank"
	case stateStartupFreq:
		return "StartupFreq"
	case stateMeasureFreq:
		return "MeasureFreq"
	case stateSpike:
		return "Spike"
	case stateSync:
		return "Sync"
	default:
		return "unknown"
	}
}

// Result is the controller's decision for one update.
type Result int

// Possible controller decisions.
const (
	Ignore Result = iota
	Slew
	Step
	Panic
)

func (r Result) String() string {
	switch r {
	case Ignore:
		return "ignore"
	case Slew:
		return "slew"
	case Step:
		return "step"
	case Panic:
		return "panic"
	default:
		return "unknown"
	}
}

// PanicThreshold supports forward/backward asymmetric panic limits;
// either side may be disabled by setting it to Infinite.
type PanicThreshold struct {
	Forward  timeutil.NtpDuration
	Backward timeutil.NtpDuration
}

// Infinite marks a panic threshold side as never tripping.
const Infinite = timeutil.NtpDuration(1<<63 - 1)

// DefaultPanicThreshold is a symmetric ±1000s limit.
var DefaultPanicThreshold = PanicThreshold{
	Forward:  timeutil.DefaultPanicThreshold,
	Backward: timeutil.DefaultPanicThreshold,
}

func (p PanicThreshold) exceeded(offset timeutil.NtpDuration) bool {
	if offset >= 0 {
		return offset > p.Forward
	}
	return -offset > p.Backward
}

// POLL_FACTOR and POLL_ADJUST govern the hysteresis on the preferred
// poll interval (spec §4.4).
const (
	pollFactor = 4
	pollAdjust = 30
)

// Controller is the clock controller state machine. It is not safe
// for concurrent use; the coordinator is its sole caller.
type Controller struct {
	clock Clock

	state                 state
	lastUpdateTime        timeutil.NtpInstant
	preferredPollInterval timeutil.PollInterval
	pollIntervalCounter   int32
	offset                timeutil.NtpDuration

	panicThreshold        PanicThreshold
	startupPanicThreshold PanicThreshold
}

// New builds a controller in state StartupBlank, zeroing the clock's
// frequency. Per spec §5, clock calls are treated as infallible; a
// failure here is a fatal daemon-startup error, not a recoverable one.
func New(clock Clock) (*Controller, error) {
	if err := clock.SetFrequency(0); err != nil {
		return nil, fmt.Errorf("unable to set initial clock frequency: %w", err)
	}
	return &Controller{
		clock:                 clock,
		state:                 stateStartupBlank,
		lastUpdateTime:        timeutil.Now(),
		preferredPollInterval: timeutil.NewPollInterval(timeutil.MinPoll),
		panicThreshold:        DefaultPanicThreshold,
		startupPanicThreshold: DefaultPanicThreshold,
	}, nil
}

// SetPanicThreshold overrides the panic threshold used outside
// startup states.
func (c *Controller) SetPanicThreshold(t PanicThreshold) { c.panicThreshold = t }

// SetStartupPanicThreshold stores a panic threshold for the startup
// states (StartupBlank/StartupFreq). Update does not consult it: in
// those states an offset of any size is stepped and never panics.
func (c *Controller) SetStartupPanicThreshold(t PanicThreshold) { c.startupPanicThreshold = t }

// PreferredPollInterval reports the poll interval the controller
// currently prefers associations use.
func (c *Controller) PreferredPollInterval() timeutil.PollInterval {
	return c.preferredPollInterval
}

// Update feeds one filter-and-combine result into the controller and
// returns its decision. lastPeerUpdate is the instant the underlying
// measurement was taken (not the instant Update is called).
func (c *Controller) Update(offset, jitter, rootDelay, rootDispersion timeutil.NtpDuration, leap protocol.Leap, lastPeerUpdate timeutil.NtpInstant) Result {
	if c.offsetTooLarge(offset) {
		log.Errorf("clockctl: offset %s exceeds panic threshold", offset.Duration())
		return Panic
	}

	if offset.Abs() > timeutil.StepThreshold {
		switch c.state {
		case stateSync:
			log.Infof("clockctl: spike detected, offset=%s", offset.Duration())
			c.state = stateSpike
			return Ignore
		case stateMeasureFreq:
			if lastPeerUpdate.AbsDiff(c.lastUpdateTime) < timeutil.SpikeInterval {
				log.Debugf("clockctl: frequency measurement not finished yet")
				return Ignore
			}
			c.setFreq(offset, lastPeerUpdate)
			return c.doStep(offset, lastPeerUpdate)
		case stateSpike:
			if lastPeerUpdate.AbsDiff(c.lastUpdateTime) < timeutil.SpikeInterval {
				log.Debugf("clockctl: spike continues")
				return Ignore
			}
			return c.doStep(offset, lastPeerUpdate)
		case stateStartupBlank, stateStartupFreq:
			return c.doStep(offset, lastPeerUpdate)
		}
	} else {
		switch c.state {
		case stateStartupBlank:
			return c.doStep(offset, lastPeerUpdate)
		case stateMeasureFreq:
			if lastPeerUpdate.AbsDiff(c.lastUpdateTime) < timeutil.SpikeInterval {
				log.Debugf("clockctl: frequency measurement not finished yet")
				return Ignore
			}
			c.setFreq(offset, lastPeerUpdate)
			c.offset = offset
			c.lastUpdateTime = lastPeerUpdate
			c.state = stateSync
		case stateStartupFreq, stateSync, stateSpike:
			c.offset = offset
			c.lastUpdateTime = lastPeerUpdate
			c.state = stateSync
		}
	}

	maxError := rootDelay/2 + rootDispersion
	if err := c.clock.UpdateClock(c.offset, jitter, maxError, c.preferredPollInterval, leap); err != nil {
		log.Fatalf("clockctl: unable to update clock: %v", err)
	}

	if c.offset < jitter*pollFactor {
		c.pollIntervalCounter += int32(c.preferredPollInterval)
	} else {
		c.pollIntervalCounter -= int32(c.preferredPollInterval)
	}

	if c.pollIntervalCounter > pollAdjust {
		c.pollIntervalCounter = 0
		c.preferredPollInterval = c.preferredPollInterval.Inc()
		log.Debugf("clockctl: increased preferred poll interval to %d", c.preferredPollInterval)
	}
	if c.pollIntervalCounter < -pollAdjust {
		c.pollIntervalCounter = 0
		c.preferredPollInterval = c.preferredPollInterval.Dec()
		log.Debugf("clockctl: decreased preferred poll interval to %d", c.preferredPollInterval)
	}

	log.Infof("clockctl: slewed clock by %s", offset.Duration())
	return Slew
}

func (c *Controller) offsetTooLarge(offset timeutil.NtpDuration) bool {
	switch c.state {
	case stateStartupBlank, stateStartupFreq:
		return false
	default:
		return c.panicThreshold.exceeded(offset)
	}
}

func (c *Controller) doStep(offset timeutil.NtpDuration, lastPeerUpdate timeutil.NtpInstant) Result {
	log.Infof("clockctl: stepping clock by %s", offset.Duration())
	c.pollIntervalCounter = 0
	c.preferredPollInterval = timeutil.NewPollInterval(timeutil.MinPoll)
	if err := c.clock.StepClock(offset); err != nil {
		log.Fatalf("clockctl: unable to step clock: %v", err)
	}
	c.offset = timeutil.ZeroDuration
	c.lastUpdateTime = lastPeerUpdate
	if c.state == stateStartupBlank {
		c.state = stateMeasureFreq
	} else {
		c.state = stateSync
	}
	return Step
}

func (c *Controller) setFreq(offset timeutil.NtpDuration, lastPeerUpdate timeutil.NtpInstant) {
	elapsed := lastPeerUpdate.AbsDiff(c.lastUpdateTime)
	if elapsed == 0 {
		return
	}
	freq := offset.Seconds() / elapsed.Seconds()
	log.Infof("clockctl: setting initial frequency to %.6f", freq)
	if err := c.clock.SetFrequency(freq); err != nil {
		log.Fatalf("clockctl: unable to adjust clock frequency: %v", err)
	}
}
