package handover

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	fakeclock "k8s.io/utils/clock/testing"

	"github.com/motya-proxy/motya/drain"
	"github.com/motya-proxy/motya/handover/internal/proto"
	"github.com/motya-proxy/motya/pidfile"
)

// fakeServer implements the Server interface the way the proxy layer does:
// accepting happens on dups obtained from the set, so StopAccepting closes
// only the accept side while the set's descriptors stay open for transfer.
type fakeServer struct {
	greeting string

	mu         sync.Mutex
	lns        []net.Listener
	startCalls int
	stopCalls  int
}

func (s *fakeServer) StartAccepting(ctx context.Context, set *ListenerSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCalls++
	for _, id := range set.ServiceIDs() {
		ln, err := set.Listener(id)
		if err != nil {
			return err
		}
		if ln == nil {
			continue
		}
		s.lns = append(s.lns, ln)
		go func(ln net.Listener) {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				conn.Write([]byte(s.greeting))
				conn.Close()
			}
		}(ln)
	}
	return nil
}

func (s *fakeServer) StopAccepting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
	for _, ln := range s.lns {
		ln.Close()
	}
	s.lns = nil
}

func (s *fakeServer) calls() (starts, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCalls, s.stopCalls
}

type testPaths struct {
	sock string
	pid  string
}

func newTestPaths(t *testing.T) testPaths {
	dir := tmpDir(t)
	return testPaths{
		sock: filepath.Join(dir, "upgrade.sock"),
		pid:  filepath.Join(dir, "motya.pid"),
	}
}

func newTestCoordinator(t *testing.T, clk clock.Clock, pid int, paths testPaths, srv Server) (*Coordinator, *pidfile.Manager, *drain.Supervisor) {
	pidf, err := pidfile.New(paths.pid)
	require.NoError(t, err)
	sup := drain.NewSupervisor()
	c, err := newCoordinator(clk, mockOS{pid: pid}, paths.sock, pidf, sup,
		WithServer(srv), WithLogger(l))
	require.NoError(t, err)
	return c, pidf, sup
}

func greet(t *testing.T, addr string) string {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(data)
}

func TestHandover(t *testing.T) {
	ctx := testCtx(t)
	paths := newTestPaths(t)

	srv1 := &fakeServer{greeting: "one"}
	c1, _, sup1 := newTestCoordinator(t, clock.RealClock{}, 1, paths, srv1)
	require.NoError(t, c1.Start(ctx, false))
	require.Equal(t, "bound-fresh", c1.State())

	ln1, err := c1.Listeners().Listen(ctx, "svc1", "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln1.Addr().String()
	ln1.Close()
	ln2, err := c1.Listeners().Listen(ctx, "svc2", "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln2.Close()

	require.NoError(t, srv1.StartAccepting(ctx, c1.Listeners()))
	require.NoError(t, c1.Ready())
	require.Equal(t, "accepting", c1.State())
	require.Equal(t, "one", greet(t, addr))

	srv2 := &fakeServer{greeting: "two"}
	c2, pidf2, _ := newTestCoordinator(t, clock.RealClock{}, 2, paths, srv2)
	startC := make(chan error, 1)
	go func() {
		startC <- c2.Start(ctx, true)
	}()
	reconfC := make(chan error, 1)
	go func() {
		reconfC <- c1.Reconfigure()
	}()

	require.NoError(t, <-startC)
	require.Equal(t, "awaiting-listeners", c2.State())
	require.Equal(t, []string{"svc1", "svc2"}, c2.Listeners().ServiceIDs())

	require.NoError(t, srv2.StartAccepting(ctx, c2.Listeners()))
	require.NoError(t, c2.Ready())
	require.Equal(t, "accepting", c2.State())

	require.NoError(t, <-reconfC)
	require.Equal(t, "draining", c1.State())
	require.Equal(t, 0, c1.Listeners().Len())
	select {
	case <-c1.HandoverComplete():
	default:
		t.Fatal("handover complete channel not closed")
	}

	// nothing was in flight, so the drain completes immediately
	outcome, err := sup1.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, drain.DrainedNormally, outcome)

	// the pidfile is the consensus record and must name the successor
	rec, err := pidf2.Read()
	require.NoError(t, err)
	require.Equal(t, 2, rec.PID)

	// the transferred socket is serviced by the successor now
	require.Equal(t, "two", greet(t, addr))
	starts, stops := srv1.calls()
	require.Equal(t, 1, starts)
	require.Equal(t, 1, stops)

	// a second signal on the draining process must be rejected outright
	require.Error(t, c1.Reconfigure())
	require.Equal(t, "draining", c1.State())

	// the drained process finishes its lifecycle without disturbing the
	// successor's pidfile claim
	c1.Stop()
	require.Equal(t, "terminated", c1.State())
	rec, err = pidf2.Read()
	require.NoError(t, err)
	require.Equal(t, 2, rec.PID)

	c2.Stop()
}

func TestStartNoPredecessorFallsBackToFresh(t *testing.T) {
	ctx := testCtx(t)
	paths := newTestPaths(t)

	srv := &fakeServer{greeting: "solo"}
	c, pidf, _ := newTestCoordinator(t, clock.RealClock{}, 7, paths, srv)
	require.NoError(t, c.Start(ctx, true))
	require.Equal(t, "bound-fresh", c.State())

	rec, err := pidf.Read()
	require.NoError(t, err)
	require.Equal(t, 7, rec.PID)

	require.NoError(t, c.Ready())
	require.Equal(t, "accepting", c.State())
	c.Stop()
}

func TestStartIdentityConflict(t *testing.T) {
	ctx := testCtx(t)
	paths := newTestPaths(t)

	// a live process that is no part of any handover already holds the
	// pidfile; this test process itself serves as that live process
	holder := os.Getpid()
	require.NoError(t, os.WriteFile(paths.pid, []byte(strconv.Itoa(holder)+"\n"), 0644))

	c, pidf, _ := newTestCoordinator(t, clock.RealClock{}, 1, paths, nil)
	err := c.Start(ctx, false)
	require.Error(t, err)
	require.Equal(t, ErrIdentityConflict, errorCause(err))

	// the holder's record is untouched and no listener was ever bound
	rec, err := pidf.Read()
	require.NoError(t, err)
	require.Equal(t, holder, rec.PID)
	require.Equal(t, 0, c.Listeners().Len())
}

func TestReconfigureBeforeReady(t *testing.T) {
	paths := newTestPaths(t)
	c, _, _ := newTestCoordinator(t, clock.RealClock{}, 1, paths, nil)
	require.Error(t, c.Reconfigure())
	require.Equal(t, "starting", c.State())
}

func TestTransferTimeoutRollsBack(t *testing.T) {
	ctx := testCtx(t)
	paths := newTestPaths(t)
	clk := fakeclock.NewFakeClock(time.Now())

	srv := &fakeServer{greeting: "one"}
	c, _, _ := newTestCoordinator(t, clk, 1, paths, srv)
	require.NoError(t, c.Start(ctx, false))
	_, err := c.Listeners().Listen(ctx, "svc1", "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.StartAccepting(ctx, c.Listeners()))
	require.NoError(t, c.Ready())

	reconfC := make(chan error, 1)
	go func() {
		reconfC <- c.Reconfigure()
	}()

	// wait for the signal handler to block on the successor-connect timer,
	// then expire it
	for !clk.HasWaiters() {
		time.Sleep(time.Millisecond)
	}
	clk.Step(DefaultTransferTimeout + time.Second)

	err = <-reconfC
	require.Error(t, err)
	require.Equal(t, ErrTransferFailed, errorCause(err))
	require.Equal(t, "accepting", c.State())

	// every listener is still owned, accepting resumed, and the set accepts
	// mutations again
	require.Equal(t, 1, c.Listeners().Len())
	starts, _ := srv.calls()
	require.Equal(t, 2, starts)
	_, err = c.Listeners().Listen(ctx, "svc2", "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	c.Stop()
}

func TestStopEndsControlChannelLoop(t *testing.T) {
	ctx := testCtx(t)
	paths := newTestPaths(t)

	// count accept-loop errors; closing the control channel must end the
	// loop, not leave it spinning on a dead listener
	var acceptErrs int64
	counting := log15.New()
	counting.SetHandler(log15.FuncHandler(func(r *log15.Record) error {
		if r.Msg == "error awaiting handover request" {
			atomic.AddInt64(&acceptErrs, 1)
		}
		return nil
	}))

	pidf, err := pidfile.New(paths.pid)
	require.NoError(t, err)
	c, err := newCoordinator(clock.RealClock{}, mockOS{pid: 1}, paths.sock, pidf,
		drain.NewSupervisor(), WithLogger(counting))
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx, false))
	require.NoError(t, c.Ready())

	c.Stop()
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, atomic.LoadInt64(&acceptErrs))

	// and the socket really is gone
	_, err = dialChannel(paths.sock)
	require.Equal(t, ErrTransferUnavailable, errorCause(err))
}

func TestSuccessorVanishesAfterTransfer(t *testing.T) {
	ctx := testCtx(t)
	paths := newTestPaths(t)

	srv := &fakeServer{greeting: "one"}
	c, _, _ := newTestCoordinator(t, clock.RealClock{}, 1, paths, srv)
	require.NoError(t, c.Start(ctx, false))
	_, err := c.Listeners().Listen(ctx, "svc1", "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.StartAccepting(ctx, c.Listeners()))
	require.NoError(t, c.Ready())

	// a peer that requests the transfer, takes the descriptors, and dies
	// without ever reporting ready
	conn, err := dialChannel(paths.sock)
	require.NoError(t, err)
	require.NoError(t, proto.WriteFrame(conn, proto.Request{PID: 99, Version: proto.Version}))

	peerDone := make(chan error, 1)
	go func() {
		sockFile, err := conn.File()
		if err != nil {
			peerDone <- err
			return
		}
		defer sockFile.Close()
		var hdr proto.TransferHeader
		if err := proto.ReadFrame(conn, &hdr); err != nil {
			peerDone <- err
			return
		}
		for range hdr.Listeners {
			fi, err := recvFile(sockFile)
			if err != nil {
				peerDone <- err
				return
			}
			fi.Close()
		}
		peerDone <- conn.Close()
	}()

	err = c.Reconfigure()
	require.Error(t, err)
	require.Equal(t, ErrTransferFailed, errorCause(err))
	require.NoError(t, <-peerDone)

	// descriptors that were already handed off are gone for good; the
	// rollback resumes on what is still owned rather than rebinding sockets
	// another process holds
	require.Equal(t, "accepting", c.State())
	require.Equal(t, 0, c.Listeners().Len())

	// the control channel survives a failed attempt, so a real successor
	// can still show up later
	probe, err := dialChannel(paths.sock)
	require.NoError(t, err)
	probe.Close()
	c.Stop()
}
