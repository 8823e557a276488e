package debounce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEmitDelayed_CoalescesBurst(t *testing.T) {
	ch := New("vms-update", 20*time.Millisecond)
	defer ch.Stop()

	ch.EmitDelayed()
	ch.EmitDelayed()
	ch.EmitDelayed()

	select {
	case <-ch.C:
	case <-time.After(time.Second):
		t.Fatal("expected exactly one emission")
	}

	select {
	case <-ch.C:
		t.Fatal("burst of EmitDelayed calls produced more than one emission")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitDelayed_EnforcesMinGap(t *testing.T) {
	ch := New("vms-update", 50*time.Millisecond)
	defer ch.Stop()

	ch.EmitDelayed()
	<-ch.C
	first := time.Now()

	ch.EmitDelayed()
	<-ch.C
	gap := time.Since(first)
	require.GreaterOrEqual(t, gap, 40*time.Millisecond)
}

func TestHistory_RetainsLastTen(t *testing.T) {
	ch := New("vms-update", time.Millisecond)
	defer ch.Stop()

	for i := 0; i < 15; i++ {
		ch.EmitDelayed()
		<-ch.C
	}

	hist := ch.History()
	require.Len(t, hist, 10)
	for i := 1; i < len(hist); i++ {
		require.True(t, hist[i].After(hist[i-1]) || hist[i].Equal(hist[i-1]))
	}
}

func TestRegistry_SameNameReturnsSameChannel(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	defer r.StopAll()

	a := r.Get("vms-update")
	b := r.Get("vms-update")
	require.Same(t, a, b)

	c := r.Get("config-update")
	require.NotSame(t, a, c)
}
