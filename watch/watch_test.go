package watch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchGetSet(t *testing.T) {
	w := New(1)
	require.Equal(t, 1, w.Get())
	w.Set(2)
	require.Equal(t, 2, w.Get())
}

func TestWatchChangedWakesReader(t *testing.T) {
	w := New("a")
	changed := w.Changed()

	done := make(chan string, 1)
	go func() {
		<-changed
		done <- w.Get()
	}()

	w.Set("b")

	select {
	case v := <-done:
		require.Equal(t, "b", v)
	case <-time.After(time.Second):
		t.Fatal("reader was not woken")
	}
}

func TestWatchLastValueWins(t *testing.T) {
	w := New(0)
	w.Set(1)
	w.Set(2)
	require.Equal(t, 2, w.Get())
}
