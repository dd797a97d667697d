package drain

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	fakeclock "k8s.io/utils/clock/testing"
)

func pipeConn(t *testing.T) (tracked, peer net.Conn) {
	c1, c2 := net.Pipe()
	t.Cleanup(func() {
		c1.Close()
		c2.Close()
	})
	return c1, c2
}

func TestDrainIdle(t *testing.T) {
	s := NewSupervisor()
	s.Begin(time.Minute)
	outcome, err := s.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, DrainedNormally, outcome)
}

func TestDrainNormal(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Now())
	s := NewSupervisor(WithClock(clk))

	a, _ := pipeConn(t)
	b, _ := pipeConn(t)
	require.NoError(t, s.Register(a))
	require.NoError(t, s.Register(b))
	require.Equal(t, 2, s.ActiveCount())

	s.Begin(30 * time.Second)
	s.Deregister(a)
	require.Equal(t, 1, s.ActiveCount())
	s.Deregister(b)

	outcome, err := s.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, DrainedNormally, outcome)
}

func TestDrainTimeoutForceCloses(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Now())
	s := NewSupervisor(WithClock(clk))

	a, _ := pipeConn(t)
	b, _ := pipeConn(t)
	c, peerC := pipeConn(t)
	require.NoError(t, s.Register(a))
	require.NoError(t, s.Register(b))
	require.NoError(t, s.Register(c))

	s.Begin(5 * time.Second)
	s.Deregister(a)
	s.Deregister(b)
	require.Equal(t, 1, s.ActiveCount())

	for !clk.HasWaiters() {
		time.Sleep(time.Millisecond)
	}
	clk.Step(6 * time.Second)

	outcome, err := s.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, DrainedByTimeout, outcome)
	require.Equal(t, 0, s.ActiveCount())

	// the straggler really was closed out from under its handler
	peerC.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, rerr := peerC.Read(make([]byte, 1))
	require.Equal(t, io.EOF, rerr)

	// a second Wait returns the recorded outcome with no side effects
	outcome, err = s.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, DrainedByTimeout, outcome)
}

func TestRegisterRefusedWhileDraining(t *testing.T) {
	s := NewSupervisor()
	s.Begin(time.Minute)

	a, _ := pipeConn(t)
	require.Equal(t, ErrDraining, s.Register(a))
	require.Equal(t, 0, s.ActiveCount())
}

func TestDeregisterUnknownConn(t *testing.T) {
	s := NewSupervisor()
	a, _ := pipeConn(t)
	s.Deregister(a)
	require.Equal(t, 0, s.ActiveCount())
}

func TestBeginIsIdempotent(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Now())
	s := NewSupervisor(WithClock(clk))

	a, _ := pipeConn(t)
	require.NoError(t, s.Register(a))
	s.Begin(5 * time.Second)
	s.Begin(time.Hour)
	s.Deregister(a)

	outcome, err := s.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, DrainedNormally, outcome)
}

func TestCountFunc(t *testing.T) {
	var mu sync.Mutex
	var counts []int
	s := NewSupervisor(WithCountFunc(func(n int) {
		mu.Lock()
		defer mu.Unlock()
		counts = append(counts, n)
	}))

	a, _ := pipeConn(t)
	b, _ := pipeConn(t)
	require.NoError(t, s.Register(a))
	require.NoError(t, s.Register(b))
	s.Deregister(a)
	s.Deregister(b)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2, 1, 0}, counts)
}
