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

// Package peer implements the per-association concurrent actor: one
// goroutine per configured server, owning a UDP socket, a randomized
// poll timer, and a reachability/filter-register state machine, that
// emits typed messages to the coordinator (spec §4.3).
package peer

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"math/big"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/facebookincubator/ntpd/config"
	"github.com/facebookincubator/ntpd/peerstate"
	"github.com/facebookincubator/ntpd/protocol"
	"github.com/facebookincubator/ntpd/timestamp"
	"github.com/facebookincubator/ntpd/timeutil"
	"github.com/facebookincubator/ntpd/watch"
)

// Index is an opaque, monotonically-issued identifier for one peer
// association; it is never reused within a process lifetime (spec
// §3). The coordinator's peerIndexIssuer is the only producer.
type Index uint64

// MsgKind discriminates the MsgForSystem tagged union (spec §9).
type MsgKind int

// MsgForSystem variants.
const (
	MsgMustDemobilize MsgKind = iota
	MsgNetworkIssue
	MsgNewMeasurement
	MsgUpdatedSnapshot
)

// Msg is the single tagged-union message type peer tasks emit to the
// coordinator.
type Msg struct {
	Kind  MsgKind
	Index Index
	// Epoch is the ResetEpoch the task last observed on SystemSnapshot
	// at the moment this message was built. The coordinator drops any
	// UpdatedSnapshot or NewMeasurement whose Epoch trails its own
	// resetEpoch: those were built
	// from state that predates a Step/Panic reset and would feed a
	// stale pre-reset measurement into the next selection round.
	Epoch       uint64
	Snapshot    peerstate.PeerSnapshot
	Measurement peerstate.Measurement
	Packet      *protocol.Packet
}

// Channels bundles the three communication primitives a peer task
// uses to talk to the coordinator and to observe shared state.
type Channels struct {
	MsgForSystem    chan<- Msg
	SystemSnapshot  *watch.Watch[peerstate.SystemSnapshot]
	Config          *watch.Watch[config.Config]
}

// Task owns one peer association's UDP socket and state.
type Task struct {
	index    Index
	addr     *net.UDPAddr
	conn     *net.UDPConn
	channels Channels

	reach          peerstate.Reach
	filter         peerstate.FilterRegister
	pollInterval   timeutil.PollInterval
	lastPollSent   timeutil.NtpInstant
	lastSend       timeutil.NtpTimestamp
	haveLastSend   bool
	lastOriginSent [8]byte

	referenceID uint32

	// rxFd is the socket's file descriptor, kept open only so recvLoop
	// can ask the kernel for a software RX timestamp on each datagram.
	// It is -1 when the platform or socket doesn't support it, in which
	// case recvLoop falls back to stamping receipt time itself.
	rxFd int
}

// clock is the minimal capability a peer task needs: reading the
// current time to stamp outgoing packets.
type clock interface {
	Now() (timeutil.NtpTimestamp, error)
}

// Spawn creates and runs one peer task until it is demobilized,
// experiences a terminal network error, or ctx is cancelled. It opens
// the UDP socket itself; on failure it waits retryPeriod, emits
// NetworkIssue, and returns (spec §4.3's public contract).
func Spawn(ctx context.Context, index Index, addr *net.UDPAddr, clk clock, retryPeriod time.Duration, channels Channels) {
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		log.Warnf("peer %d: could not open socket to %s: %v", index, addr, err)
		select {
		case <-time.After(retryPeriod):
		case <-ctx.Done():
			return
		}
		sendMsg(ctx, channels.MsgForSystem, Msg{Kind: MsgNetworkIssue, Index: index})
		return
	}
	defer conn.Close()

	rxFd := -1
	if fd, err := timestamp.ConnFd(conn); err != nil {
		log.Debugf("peer %d: could not get socket fd for RX timestamping: %v", index, err)
	} else if err := timestamp.EnableSWTimestampsRx(fd); err != nil {
		log.Debugf("peer %d: kernel RX timestamping unavailable: %v", index, err)
	} else {
		rxFd = fd
	}

	cfg := channels.Config.Get()
	t := &Task{
		index:        index,
		addr:         addr,
		conn:         conn,
		channels:     channels,
		pollInterval: timeutil.NewPollInterval(cfg.InitialPoll),
		lastPollSent: timeutil.Now(),
		referenceID:  referenceIDFromAddr(addr.IP),
		rxFd:         rxFd,
	}
	t.run(ctx, clk)
}

func referenceIDFromAddr(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(ip4)
}

// run is the task's event loop: it selects among the poll timer, an
// incoming datagram, and a config change, exactly the three
// suspension points spec §5 names for a peer (minus the initial DNS
// lookup, which the spawner performs before Spawn is called).
func (t *Task) run(ctx context.Context, clk clock) {
	pollTimer := time.NewTimer(0)
	defer pollTimer.Stop()

	recvCh := make(chan recvResult, 1)
	go t.recvLoop(ctx, recvCh)

	configChanged := t.channels.Config.Changed()

	for {
		select {
		case <-ctx.Done():
			return

		case <-pollTimer.C:
			if gone := t.handlePoll(clk); gone {
				sendMsg(ctx, t.channels.MsgForSystem, Msg{Kind: MsgNetworkIssue, Index: t.index})
				return
			}
			pollTimer.Reset(t.nextPollDelay())

		case r, ok := <-recvCh:
			if !ok {
				return
			}
			switch r.outcome {
			case acceptOK:
				demobilize := t.handlePacket(r.packet, r.recvTime, r.wallTime)
				if demobilize {
					sendMsg(ctx, t.channels.MsgForSystem, Msg{Kind: MsgMustDemobilize, Index: t.index})
					return
				}
			case acceptNetworkGone:
				sendMsg(ctx, t.channels.MsgForSystem, Msg{Kind: MsgNetworkIssue, Index: t.index})
				return
			case acceptIgnore:
				// protocol violation or unsolicited reply; no state change.
			}

		case <-configChanged:
			configChanged = t.channels.Config.Changed()
			// Poll-interval bounds may have moved; nothing else to do
			// until the next poll fires.
		}
	}
}

// handlePoll sends one client-mode request and publishes an
// UpdatedSnapshot. It returns true if the send failed with a terminal
// network error.
func (t *Task) handlePoll(clk clock) (networkGone bool) {
	t.lastPollSent = timeutil.Now()

	now, err := clk.Now()
	if err != nil {
		log.Fatalf("peer %d: clock capability failure reading current time: %v", t.index, err)
	}
	t.lastSend = now
	t.haveLastSend = true

	if _, err := rand.Read(t.lastOriginSent[:]); err != nil {
		log.Fatalf("peer %d: unable to draw random origin bytes: %v", t.index, err)
	}
	origin := binary.BigEndian.Uint64(t.lastOriginSent[:])

	pkt := protocol.NewClientRequest(protocol.NTPTimestamp(origin))
	buf, err := pkt.Encode()
	if err != nil {
		log.Errorf("peer %d: poll message could not be encoded: %v", t.index, err)
		return false
	}

	t.reach = t.reach.Poll()

	if _, err := t.conn.Write(buf); err != nil {
		log.Warnf("peer %d: poll message could not be sent: %v", t.index, err)
		if isNetworkGone(err) {
			return true
		}
		return false
	}

	t.publishSnapshot()
	return false
}

type acceptOutcome int

const (
	acceptOK acceptOutcome = iota
	acceptIgnore
	acceptNetworkGone
)

type recvResult struct {
	outcome  acceptOutcome
	packet   *protocol.Packet
	recvTime timeutil.NtpInstant
	wallTime time.Time
}

// readPacket reads one datagram into buf. wallTime is the kernel's
// software RX timestamp when rxFd supports it, since that excludes
// scheduling delay between the kernel recv and this goroutine running;
// otherwise it falls back to time.Now() taken right after the read.
// recvTime is always timeutil.Now(), since NtpInstant must stay
// strictly monotonic and a kernel wall-clock reading cannot provide
// that guarantee across clock steps.
func (t *Task) readPacket(buf, oob []byte) (n int, recvTime timeutil.NtpInstant, wallTime time.Time, err error) {
	if t.rxFd >= 0 {
		var kernelTime time.Time
		n, _, kernelTime, err = timestamp.ReadPacketWithRXTimestampBuf(t.rxFd, buf, oob)
		if err == nil {
			return n, timeutil.Now(), kernelTime, nil
		}
		log.Debugf("peer %d: kernel RX timestamp read failed, falling back: %v", t.index, err)
	}
	n, err = t.conn.Read(buf)
	return n, timeutil.Now(), time.Now(), err
}

// recvLoop is a dedicated goroutine reading from the socket so the
// select in run() can multiplex it against the poll timer without a
// platform-specific nonblocking read. It mirrors the teacher's
// pattern of isolating a blocking recv behind its own goroutine (see
// sptp/client's use of per-client run loops).
func (t *Task) recvLoop(ctx context.Context, out chan<- recvResult) {
	defer close(out)
	buf := make([]byte, 256)
	oob := make([]byte, timestamp.ControlSizeBytes)
	for {
		n, recvTime, wallTime, err := t.readPacket(buf, oob)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isNetworkGone(err) {
				select {
				case out <- recvResult{outcome: acceptNetworkGone}:
				case <-ctx.Done():
				}
				return
			}
			log.Debugf("peer: recv error: %v", err)
			continue
		}
		if n < protocol.Size {
			log.Warnf("peer: received packet too small: %d bytes", n)
			select {
			case out <- recvResult{outcome: acceptIgnore}:
			case <-ctx.Done():
				return
			}
			continue
		}
		pkt, err := protocol.Decode(buf[:n])
		if err != nil {
			log.Warnf("peer: received invalid packet: %v", err)
			select {
			case out <- recvResult{outcome: acceptIgnore}:
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case out <- recvResult{outcome: acceptOK, packet: pkt, recvTime: recvTime, wallTime: wallTime}:
		case <-ctx.Done():
			return
		}
	}
}

// handlePacket validates and ingests one decoded reply. It returns
// true if the peer must demobilize (kiss DENY/RSTR).
func (t *Task) handlePacket(pkt *protocol.Packet, recvTime timeutil.NtpInstant, wallTime time.Time) (demobilize bool) {
	if !t.haveLastSend {
		log.Warnf("peer %d: received a message without having sent one; discarding", t.index)
		return false
	}

	var expected [8]byte
	binary.BigEndian.PutUint64(expected[:], uint64(pkt.OriginTime))
	if expected != t.lastOriginSent {
		log.Debugf("peer %d: origin timestamp mismatch; discarding", t.index)
		return false
	}

	if pkt.IsKiss() {
		switch pkt.Kiss() {
		case protocol.KissDeny, protocol.KissRestrict:
			return true
		case protocol.KissRate:
			t.pollInterval = t.pollInterval.Inc()
			return false
		}
	}

	t2 := timeutil.NtpTimestamp(pkt.ReceiveTime)
	t3 := timeutil.NtpTimestamp(pkt.TransmitTime)
	t1 := t.lastSend
	t4 := timeutil.NtpTimestampFromTime(wallTime)

	offset := (t2.Sub(t1) + t3.Sub(t4)) / 2
	delay := t4.Sub(t1) - t3.Sub(t2)

	t.reach = t.reach.Received()
	measurement := peerstate.Measurement{
		Offset:     offset,
		Delay:      delay,
		Dispersion: timeutil.DurationFromSeconds(packetPrecision(pkt.Precision)),
		When:       recvTime,
	}
	t.filter.Add(measurement)

	snapshot := t.snapshot(pkt)
	sendMsg(context.Background(), t.channels.MsgForSystem, Msg{
		Kind:        MsgNewMeasurement,
		Index:       t.index,
		Epoch:       t.channels.SystemSnapshot.Get().ResetEpoch,
		Snapshot:    snapshot,
		Measurement: measurement,
		Packet:      pkt,
	})
	return false
}

func packetPrecision(precision int8) float64 {
	return float64Pow2(int(precision))
}

func float64Pow2(e int) float64 {
	v := 1.0
	if e >= 0 {
		for i := 0; i < e; i++ {
			v *= 2
		}
		return v
	}
	for i := 0; i < -e; i++ {
		v /= 2
	}
	return v
}

func (t *Task) publishSnapshot() {
	snapshot := t.snapshot(nil)
	sendMsg(context.Background(), t.channels.MsgForSystem, Msg{
		Kind:     MsgUpdatedSnapshot,
		Index:    t.index,
		Epoch:    t.channels.SystemSnapshot.Get().ResetEpoch,
		Snapshot: snapshot,
	})
}

func (t *Task) snapshot(pkt *protocol.Packet) peerstate.PeerSnapshot {
	s := peerstate.PeerSnapshot{
		Reach:       t.reach,
		ReferenceID: t.referenceID,
		Leap:        protocol.LeapNoWarning,
	}
	if pkt != nil {
		s.Stratum = pkt.Stratum
		s.Leap = pkt.Leap
		s.RootDelay = shortFixedToDuration(pkt.RootDelay)
		s.RootDispersion = shortFixedToDuration(pkt.RootDispersion)
		s.Precision = pkt.Precision
	}
	if out, ok := t.filter.Filter(timeutil.Now()); ok {
		s.Offset = out.Offset
		s.Delay = out.Delay
		s.Dispersion = out.Dispersion
		s.Jitter = out.Jitter
	}
	s.LastMeasurement = timeutil.Now()
	return s
}

// shortFixedToDuration converts a 32-bit NTP short fixed-point value
// (16.16) into an NtpDuration.
func shortFixedToDuration(v uint32) timeutil.NtpDuration {
	return timeutil.DurationFromSeconds(float64(v) / 65536.0)
}

// nextPollDelay computes the wait until the next poll, applying the
// anti-prediction jitter multiplier in [1.01, 1.05] (spec §4.3 item
// 1).
func (t *Task) nextPollDelay() time.Duration {
	base := t.pollInterval.AsDuration()
	mult := 1.01 + randFloat()*0.04
	return time.Duration(float64(base) * mult)
}

// randFloat returns a uniform random float64 in [0, 1) drawn from a
// cryptographically strong source, consistent with this daemon's
// policy of never using predictable timing for anything visible on
// the wire (spec §9 supplemented feature: origin-timestamp privacy).
func randFloat() float64 {
	const resolution = 1 << 24
	n, err := rand.Int(rand.Reader, big.NewInt(resolution))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / float64(resolution)
}

func sendMsg(ctx context.Context, ch chan<- Msg, msg Msg) {
	select {
	case ch <- msg:
	case <-ctx.Done():
	}
}

// isNetworkGone classifies an I/O error as a terminal, daemon-level
// network failure (spec §7): EHOSTDOWN, EHOSTUNREACH, ENETDOWN,
// ENETUNREACH, applied identically on send and receive.
func isNetworkGone(err error) bool {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return isNetworkGone(opErr.Err)
		}
		return false
	}
	switch errno {
	case unix.EHOSTDOWN, unix.EHOSTUNREACH, unix.ENETDOWN, unix.ENETUNREACH:
		return true
	default:
		return false
	}
}
