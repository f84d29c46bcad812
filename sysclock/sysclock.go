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

// Package sysclock implements clockctl.Clock against the host's
// system clock via the clock_adjtime(2) syscall, the same primitive
// the teacher's clock package wraps for PTP hardware clocks.
package sysclock

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/facebookincubator/ntpd/protocol"
	"github.com/facebookincubator/ntpd/timeutil"
)

// ppbToTimexPPM converts PPB to the 16-bit-fraction PPM unit struct
// timex uses for Freq (man clock_adjtime(2)).
const ppbToTimexPPM = 65.536

// clock_adjtime modes, from linux/timex.h.
const (
	adjOffset    uint32 = 0x0001
	adjFrequency uint32 = 0x0002
	adjMaxError  uint32 = 0x0004
	adjStatus    uint32 = 0x0010
	adjSetOffset uint32 = 0x0100
	adjNano      uint32 = 0x2000
)

// Clock disciplines CLOCK_REALTIME directly.
type Clock struct {
	clockID int32
}

// New returns a Clock disciplining CLOCK_REALTIME.
func New() *Clock {
	return &Clock{clockID: unix.CLOCK_REALTIME}
}

func adjtime(clockID int32, buf *unix.Timex) (state int, err error) {
	r0, _, errno := unix.Syscall(unix.SYS_CLOCK_ADJTIME, uintptr(clockID), uintptr(unsafe.Pointer(buf)), 0)
	state = int(r0)
	if errno != 0 {
		err = errno
	}
	return state, err
}

// Now reads the current wall-clock time.
func (c *Clock) Now() (timeutil.NtpTimestamp, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(c.clockID, &ts); err != nil {
		return 0, fmt.Errorf("sysclock: clock_gettime: %w", err)
	}
	return timeutil.NtpTimestampFromTime(timespecToTime(ts)), nil
}

// SetFrequency adjusts the clock's running frequency, expressed here
// as a unitless ratio (seconds of drift per second of real time), the
// same convention the controller computes during MeasureFreq.
func (c *Clock) SetFrequency(freq float64) error {
	tx := &unix.Timex{}
	tx.Freq = int64(freq * 1e9 * ppbToTimexPPM)
	tx.Modes = adjFrequency
	_, err := adjtime(c.clockID, tx)
	if err != nil {
		return fmt.Errorf("sysclock: set frequency: %w", err)
	}
	return nil
}

// StepClock applies offset as an immediate discontinuous jump.
func (c *Clock) StepClock(offset timeutil.NtpDuration) error {
	step := offset.Duration()
	sign := time.Duration(1)
	if step < 0 {
		sign = -1
		step = -step
	}
	sec := sign * (step / time.Second)
	nsec := sign * (step % time.Second)
	tx := &unix.Timex{Modes: adjSetOffset | adjNano}
	setTime(tx, sec, nsec)
	if tx.Time.Usec < 0 {
		tx.Time.Sec--
		tx.Time.Usec += 1000000000
	}
	if _, err := adjtime(c.clockID, tx); err != nil {
		return fmt.Errorf("sysclock: step clock: %w", err)
	}
	return nil
}

// UpdateClock slews the clock by offset through the kernel PLL and
// sets the kernel's maxerror and leap status bits from maxError and
// leap. estError and poll are not passed to the kernel.
func (c *Clock) UpdateClock(offset, estError, maxError timeutil.NtpDuration, poll timeutil.PollInterval, leap protocol.Leap) error {
	tx := &unix.Timex{}
	tx.Offset = int64(offset.Duration())
	tx.Status = unix.STA_PLL
	tx.Modes = adjOffset | adjMaxError | adjNano
	tx.Maxerror = int64(maxError.Duration() / time.Microsecond)
	applyLeap(tx, leap)
	if _, err := adjtime(c.clockID, tx); err != nil {
		return fmt.Errorf("sysclock: update clock: %w", err)
	}
	return nil
}

func timespecToTime(ts unix.Timespec) time.Time {
	return time.Unix(ts.Sec, ts.Nsec).UTC()
}

func applyLeap(tx *unix.Timex, leap protocol.Leap) {
	tx.Modes |= adjStatus
	switch leap {
	case protocol.LeapAddSecond:
		tx.Status |= unix.STA_INS
	case protocol.LeapDelSecond:
		tx.Status |= unix.STA_DEL
	}
}
