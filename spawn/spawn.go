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

// Package spawn resolves configured peer names to addresses and feeds
// the coordinator a stream of SpawnTask values: one per standalone
// peer, and a doubling-backoff, backfilling stream per DNS pool (spec
// §4.6).
package spawn

import (
	"context"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebookincubator/ntpd/config"
)

// PoolIndex identifies one configured DNS pool across its lifetime,
// issued by the coordinator the same way peer.Index is.
type PoolIndex uint64

// Kind discriminates a PeerAddress between a standalone peer and a
// member of a resolved pool.
type Kind int

// PeerAddress kinds.
const (
	KindStandard Kind = iota
	KindPool
)

// PeerAddress identifies where a spawned peer task's association came
// from, carried back to the coordinator so it can track pool
// occupancy and re-request a replacement on NetworkIssue.
type PeerAddress struct {
	Kind     Kind
	Name     string // the configured hostname, for both kinds
	PoolIndex PoolIndex
	MaxPeers int
}

// Task is one fully resolved address ready to be handed to
// peer.Spawn.
type Task struct {
	PeerAddress PeerAddress
	Addr        *net.UDPAddr
}

const defaultPort = 123

// resolve looks up name, returning all resolved UDP addresses on port
// 123 (or name's own port, if it carries one).
func resolve(ctx context.Context, name string) ([]*net.UDPAddr, error) {
	host, port := name, defaultPort
	if h, p, err := net.SplitHostPort(name); err == nil {
		host = h
		if n, err := parsePort(p); err == nil {
			port = n
		}
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	addrs := make([]*net.UDPAddr, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, &net.UDPAddr{IP: ip, Port: port})
	}
	return addrs, nil
}

func parsePort(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, &net.AddrError{Err: "invalid port", Addr: s}
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// Standard resolves a single standalone peer, retrying indefinitely
// at waitPeriod intervals until a host resolves, then sends exactly
// one Task on out.
func Standard(ctx context.Context, cfg config.PeerConfig, waitPeriod time.Duration, out chan<- Task) {
	for {
		addrs, err := resolve(ctx, cfg.Name)
		if err != nil || len(addrs) == 0 {
			if err != nil {
				log.Warnf("spawn: could not resolve %q: %v", cfg.Name, err)
			} else {
				log.Warnf("spawn: %q resolved to no addresses", cfg.Name)
			}
			select {
			case <-time.After(waitPeriod):
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case out <- Task{
			PeerAddress: PeerAddress{Kind: KindStandard, Name: cfg.Name},
			Addr:        addrs[0],
		}:
		case <-ctx.Done():
		}
		return
	}
}

// poolBackups is the mutex-guarded pending-address list of one Pool
// call. Each call to Pool allocates its own, so concurrent Pool calls
// for the same PoolIndex (e.g. a respawn racing a refill) do not share
// backups and may each resolve the pool's hostname.
type poolBackups struct {
	mu      sync.Mutex
	backups []*net.UDPAddr
}

// Pool resolves a DNS pool, maintaining up to cfg.MaxPeers live
// members. inUse lists addresses already spawned (so a respawn after
// a NetworkIssue does not immediately re-select them); Pool sends one
// Task per newly spawned member and keeps running, backfilling with a
// 1s-to-60s doubling backoff whenever the pool can't be fully filled
// (mirrors the teacher's spawn_pool loop).
func Pool(ctx context.Context, index PoolIndex, cfg config.PeerConfig, inUse []*net.UDPAddr, waitPeriod time.Duration, out chan<- Task) {
	backups := &poolBackups{}
	wait := waitPeriod
	const maxWait = 60 * time.Second

	inUseSet := make(map[string]bool, len(inUse))
	for _, a := range inUse {
		inUseSet[a.String()] = true
	}
	remaining := cfg.MaxPeers - len(inUse)

	for {
		backups.mu.Lock()
		if len(backups.backups) < remaining {
			addrs, err := resolve(ctx, cfg.Name)
			if err != nil {
				log.Warnf("spawn: pool %d: error resolving %q, retrying: %v", index, cfg.Name, err)
				backups.mu.Unlock()
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return
				}
				continue
			}
			backups.backups = addrs
		}

		for remaining > 0 && len(backups.backups) > 0 {
			addr := backups.backups[len(backups.backups)-1]
			backups.backups = backups.backups[:len(backups.backups)-1]
			if inUseSet[addr.String()] {
				continue
			}
			inUseSet[addr.String()] = true
			remaining--

			select {
			case out <- Task{
				PeerAddress: PeerAddress{Kind: KindPool, Name: cfg.Name, PoolIndex: index, MaxPeers: cfg.MaxPeers},
				Addr:        addr,
			}:
			case <-ctx.Done():
				backups.mu.Unlock()
				return
			}
		}
		backups.mu.Unlock()

		if remaining == 0 {
			return
		}

		log.Warnf("spawn: pool %d: could not fully fill pool, %d members still needed", index, remaining)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
		wait *= 2
		if wait > maxWait {
			wait = maxWait
		}
	}
}
