package spawn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facebookincubator/ntpd/config"
)

func TestStandardResolvesLoopback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out := make(chan Task, 1)
	go Standard(ctx, config.PeerConfig{Name: "127.0.0.1:123"}, 50*time.Millisecond, out)

	select {
	case task := <-out:
		require.Equal(t, KindStandard, task.PeerAddress.Kind)
		require.Equal(t, "127.0.0.1", task.Addr.IP.String())
		require.Equal(t, 123, task.Addr.Port)
	case <-time.After(time.Second):
		t.Fatal("no spawn task produced for a literal IP address")
	}
}

func TestStandardRetriesUnresolvable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	out := make(chan Task, 1)
	done := make(chan struct{})
	go func() {
		Standard(ctx, config.PeerConfig{Name: "this.name.should.not.resolve.invalid"}, 50*time.Millisecond, out)
		close(done)
	}()

	select {
	case <-out:
		t.Fatal("unexpected task from an unresolvable name")
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("spawn did not give up when context was cancelled")
	}
}

func TestPoolFillsUpToMaxPeers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out := make(chan Task, 4)
	cfg := config.PeerConfig{Name: "127.0.0.1:123", Pool: true, MaxPeers: 1}
	go Pool(ctx, PoolIndex(1), cfg, nil, 50*time.Millisecond, out)

	select {
	case task := <-out:
		require.Equal(t, KindPool, task.PeerAddress.Kind)
		require.Equal(t, PoolIndex(1), task.PeerAddress.PoolIndex)
	case <-time.After(time.Second):
		t.Fatal("pool did not spawn its single member")
	}
}

func TestPoolRespectsInUse(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	out := make(chan Task, 4)
	cfg := config.PeerConfig{Name: "127.0.0.1:123", Pool: true, MaxPeers: 1}
	inUse := []*net.UDPAddr{{IP: []byte{127, 0, 0, 1}, Port: 123}}
	go Pool(ctx, PoolIndex(2), cfg, inUse, 50*time.Millisecond, out)

	select {
	case <-out:
		t.Fatal("pool spawned a member even though MaxPeers was already satisfied")
	case <-ctx.Done():
	}
}
