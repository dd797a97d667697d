package handover

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/euank/filelock"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/motya-proxy/motya/drain"
	"github.com/motya-proxy/motya/pidfile"
)

var (
	// ErrIdentityConflict indicates the pidfile could not be claimed because
	// a live, unrelated process holds it. Fatal at startup: the process must
	// exit before accepting connections.
	ErrIdentityConflict = errors.New("pidfile is held by another live process")
	// ErrTransferUnavailable indicates no predecessor was reachable on the
	// control channel path. Recoverable: the process binds fresh listeners
	// from configuration.
	ErrTransferUnavailable = errors.New("no predecessor reachable on the control channel")
	// ErrTransferFailed indicates the control channel broke mid-transfer.
	// On the retiring process this is recoverable via rollback; on the
	// successor it is fatal, since an explicit takeover request means it has
	// no configuration to bind fresh listeners from safely.
	ErrTransferFailed = errors.New("listener transfer failed")
)

// DefaultTransferTimeout bounds how long the retiring process waits, after
// the reconfiguration signal, for a successor to connect, and then for the
// successor's readiness report. If either wait times out, the attempt is
// abandoned and the retiring process resumes accepting.
const DefaultTransferTimeout = time.Minute

// DefaultDrainTimeout bounds the retiring process's connection drain.
const DefaultDrainTimeout = 30 * time.Second

// Server is the proxy-serving layer the coordinator drives. StartAccepting
// begins serving every listener in the set; StopAccepting ceases accepting
// new connections without disturbing in-flight ones, leaving the set's
// descriptors open for transfer.
type Server interface {
	StartAccepting(ctx context.Context, set *ListenerSet) error
	StopAccepting()
}

// Coordinator drives the handover state machine for one process instance:
// on a successor it requests the listener set from a predecessor before
// accepting; on a retiring process it reacts to the reconfiguration signal
// by transferring the set, confirming the successor's pidfile claim, and
// handing control to the drain supervisor.
type Coordinator struct {
	transferTimeout time.Duration
	drainTimeout    time.Duration

	sockPath string
	pidf     *pidfile.Manager
	sup      *drain.Supervisor
	server   Server

	stateLock sync.Mutex
	state     coordinatorState

	set *ListenerSet

	// successor side, between Start and Ready
	peerConn    *net.UnixConn
	predecessor int

	// retiring side
	ctrlMu   sync.Mutex
	ctrlSock *net.UnixListener
	pendingC chan *session

	// handoverC is closed when this coordinator has handed its listeners to
	// a successor and begun draining. This also occurs when Stop is called.
	handoverC chan struct{}
	stopOnce  sync.Once

	lockMu   sync.Mutex
	flock    *filelock.FileLock
	lockPath string

	clock clock.Clock
	os    osIface
	l     log15.Logger
}

// Option is an option function for Coordinator.
// See Rob Pike's post on the topic for more information on this pattern:
// https://commandcenter.blogspot.com/2014/01/self-referential-functions-and-design.html
type Option func(c *Coordinator)

// WithLogger configures the logger to use for handover operations.
// By default, nothing will be logged.
func WithLogger(l log15.Logger) Option {
	return func(c *Coordinator) {
		c.l = l
	}
}

// WithTransferTimeout allows configuring the transfer timeout. If a time of
// 0 is specified, the default will be used.
func WithTransferTimeout(t time.Duration) Option {
	return func(c *Coordinator) {
		c.transferTimeout = t
		if c.transferTimeout <= 0 {
			c.transferTimeout = DefaultTransferTimeout
		}
	}
}

// WithDrainTimeout allows configuring the drain deadline. If a time of 0 is
// specified, the default will be used.
func WithDrainTimeout(t time.Duration) Option {
	return func(c *Coordinator) {
		c.drainTimeout = t
		if c.drainTimeout <= 0 {
			c.drainTimeout = DefaultDrainTimeout
		}
	}
}

// WithServer wires the serving layer the coordinator stops and resumes
// around a transfer.
func WithServer(s Server) Option {
	return func(c *Coordinator) {
		c.server = s
	}
}

// New constructs a handover coordinator. The control channel socket path
// must be absolute; every instance in an upgrade chain must be configured
// with the same socket path and the same pidfile path.
func New(ctrlSockPath string, pidf *pidfile.Manager, sup *drain.Supervisor, opts ...Option) (*Coordinator, error) {
	return newCoordinator(clock.RealClock{}, realOS{}, ctrlSockPath, pidf, sup, opts...)
}

func newCoordinator(clk clock.Clock, osi osIface, ctrlSockPath string, pidf *pidfile.Manager, sup *drain.Supervisor, opts ...Option) (*Coordinator, error) {
	if !filepath.IsAbs(ctrlSockPath) {
		return nil, errors.Errorf("control channel path %q must be absolute", ctrlSockPath)
	}
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	c := &Coordinator{
		transferTimeout: DefaultTransferTimeout,
		drainTimeout:    DefaultDrainTimeout,
		sockPath:        ctrlSockPath,
		lockPath:        ctrlSockPath + ".lock",
		pidf:            pidf,
		sup:             sup,
		state:           stateStarting,
		pendingC:        make(chan *session, 1),
		handoverC:       make(chan struct{}),
		clock:           clk,
		os:              osi,
		l:               noopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.set = NewListenerSet(c.l)
	return c, nil
}

// Listeners returns the set of listeners owned by this process. On the
// successor path it is populated by Start; missing services may be bound
// directly via the set's Listen method.
func (c *Coordinator) Listeners() *ListenerSet {
	return c.set
}

// State returns the current state name, for operator-facing status.
func (c *Coordinator) State() string {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return string(c.state)
}

// HandoverComplete returns a channel which is closed when the listener set
// has been passed to a successor process and draining has begun.
func (c *Coordinator) HandoverComplete() <-chan struct{} {
	return c.handoverC
}

// Drain returns the drain supervisor this coordinator hands control to.
func (c *Coordinator) Drain() *drain.Supervisor {
	return c.sup
}

// Start establishes this process's identity. With takeover requested it
// connects to a predecessor over the control channel and inherits its
// listener set, blocking until the predecessor is signalled (bounded by
// ctx). If no predecessor is listening it falls back to claiming the
// pidfile and binding fresh. Without takeover, the pidfile claim happens
// immediately and no listeners are touched on conflict.
func (c *Coordinator) Start(ctx context.Context, takeover bool) error {
	if err := c.lockCoordination(ctx); err != nil {
		return err
	}

	if !takeover {
		return c.startFresh()
	}

	conn, err := dialChannel(c.sockPath)
	if errors.Cause(err) == ErrTransferUnavailable {
		c.l.Info("no predecessor on control channel, binding fresh", "path", c.sockPath)
		return c.startFresh()
	}
	if err != nil {
		c.unlockCoordination()
		return err
	}

	c.mustTransitionTo(stateAwaitingListeners)
	c.l.Info("awaiting listener set from predecessor", "path", c.sockPath)

	descs, owner, err := receiveListeners(ctx, c.l, conn, c.os.Getpid())
	if err != nil {
		conn.Close()
		c.unlockCoordination()
		c.mustTransitionTo(stateTerminated)
		return errors.Wrapf(ErrTransferFailed, "receiving listener set: %v", err)
	}
	set, err := newInheritedSet(c.l, descs)
	if err != nil {
		for _, d := range descs {
			d.file.Close()
		}
		conn.Close()
		c.unlockCoordination()
		c.mustTransitionTo(stateTerminated)
		return err
	}
	c.set = set
	c.peerConn = conn
	c.predecessor = owner
	return nil
}

// startFresh claims the pidfile with no predecessor involved. Per the fresh
// path contract, a conflict aborts before any listener has been bound.
func (c *Coordinator) startFresh() error {
	if err := c.pidf.Claim(c.os.Getpid()); err != nil {
		c.unlockCoordination()
		c.mustTransitionTo(stateTerminated)
		if errors.Cause(err) == pidfile.ErrConflict {
			return errors.Wrapf(ErrIdentityConflict, "%v", err)
		}
		return err
	}
	c.mustTransitionTo(stateBoundFresh)
	return nil
}

// Ready signals that this process is serving and should become the
// authoritative instance. On the successor path it claims the pidfile,
// completes the ready handshake with the predecessor, and only then is the
// predecessor free to drain. In all cases it binds the control channel so a
// future successor can reach us.
//
// It must be called after the serving layer has started accepting.
func (c *Coordinator) Ready() error {
	pid := c.os.Getpid()
	if c.peerConn != nil {
		if err := c.pidf.ClaimFrom(pid, c.predecessor); err != nil {
			c.unlockCoordination()
			if errors.Cause(err) == pidfile.ErrConflict {
				return errors.Wrapf(ErrIdentityConflict, "%v", err)
			}
			return err
		}
		if err := sendReadyHandshake(c.peerConn, pid); err != nil {
			c.unlockCoordination()
			return errors.Wrapf(ErrTransferFailed, "ready handshake: %v", err)
		}
		c.peerConn.Close()
		c.peerConn = nil
		c.l.Info("predecessor confirmed stepping down", "predecessor", c.predecessor)
		c.mustTransitionTo(stateAccepting)
	} else {
		c.mustTransitionTo(stateAccepting)
	}

	ln, err := listenChannel(c.sockPath)
	if err != nil {
		c.unlockCoordination()
		return err
	}
	c.ctrlMu.Lock()
	c.ctrlSock = ln
	c.ctrlMu.Unlock()
	go c.serveHandovers(ln)

	c.unlockCoordination()
	c.l.Info("now the authoritative instance", "pid", pid, "services", c.set.ServiceIDs())
	return nil
}

// serveHandovers accepts successor connections on the control channel. Only
// one handover attempt may be pending at a time; additional peers are
// refused until it resolves.
func (c *Coordinator) serveHandovers(ln *net.UnixListener) {
	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection") {
				c.l.Info("control channel closed, no longer serving handovers")
				return
			}
			c.l.Error("error awaiting handover request", "err", err)
			continue
		}
		go c.queueSession(conn)
	}
}

func (c *Coordinator) queueSession(conn *net.UnixConn) {
	sess, err := acceptSession(c.l, conn)
	if err != nil {
		c.l.Error("rejecting control channel peer", "err", err)
		conn.Close()
		return
	}
	select {
	case c.pendingC <- sess:
		c.l.Info("successor connected, waiting for reconfiguration signal", "peer", sess.peerPID)
	default:
		c.l.Warn("a handover attempt is already pending, refusing peer", "peer", sess.peerPID)
		sess.Close()
	}
}

// Reconfigure is the reconfiguration-signal entry point, called when SIGQUIT
// is delivered (or synthetically, from tests). On success the coordinator is
// in Draining and the caller should wait on the drain supervisor before
// exiting. A signal that arrives while a handover is already in flight is
// rejected by the state machine and returns an error with no other effect.
func (c *Coordinator) Reconfigure() error {
	if err := c.transitionTo(stateSignalReceived); err != nil {
		c.l.Info("ignoring reconfiguration signal", "reason", err)
		return err
	}
	c.l.Info("reconfiguration signal received, beginning handover")
	c.mustTransitionTo(stateTransferring)

	// stop-accept is in effect before any descriptor moves, so no connection
	// can be counted as new here and accepted on the successor for the same
	// socket
	c.set.lockMutations(ErrTransferInProgress)
	if c.server != nil {
		c.server.StopAccepting()
	}

	if err := c.transfer(); err != nil {
		c.l.Error("handover failed, resuming", "err", err)
		// resume while the set is still locked: only listeners this process
		// still owns come back up, never fresh binds for sockets that were
		// already handed off
		if c.server != nil {
			if serr := c.server.StartAccepting(context.Background(), c.set); serr != nil {
				// this is the one truly bad place: we could not hand off and
				// could not resume. Complain loudly; the listeners are still
				// open, so a further attempt can still succeed.
				c.l.Error("unable to resume accepting after failed handover", "err", serr)
			}
		}
		c.set.unlockMutations()
		if terr := c.transitionTo(stateAccepting); terr != nil {
			c.l.Error("unable to roll back to accepting", "err", terr)
		}
		return err
	}

	c.set.lockMutations(ErrTransferCompleted)
	c.mustTransitionTo(stateDraining)
	close(c.handoverC)
	c.sup.Begin(c.drainTimeout)
	return nil
}

// transfer performs one handover attempt against the pending successor, if
// any arrives within the transfer timeout.
func (c *Coordinator) transfer() error {
	var sess *session
	connectTimeout := c.clock.NewTimer(c.transferTimeout)
	defer connectTimeout.Stop()
	select {
	case sess = <-c.pendingC:
	case <-connectTimeout.C():
		return errors.Wrap(ErrTransferFailed, "no successor connected before the transfer timeout")
	}
	defer sess.Close()

	if err := sess.sendListeners(c.os.Getpid(), c.set); err != nil {
		return errors.Wrapf(ErrTransferFailed, "%v", err)
	}

	type readyResult struct {
		pid int
		err error
	}
	readyC := make(chan readyResult, 1)
	go func() {
		pid, err := sess.awaitReady()
		readyC <- readyResult{pid: pid, err: err}
	}()

	readyTimeout := c.clock.NewTimer(c.transferTimeout)
	defer readyTimeout.Stop()
	select {
	case res := <-readyC:
		if res.err != nil {
			return errors.Wrapf(ErrTransferFailed, "successor never became ready: %v", res.err)
		}
		// the ready frame alone is hearsay; the pidfile is the consensus
		// record. Re-read it and require that it names the successor.
		rec, err := c.pidf.Read()
		if err != nil {
			return errors.Wrapf(ErrTransferFailed, "re-reading pidfile: %v", err)
		}
		if rec.PID != res.pid {
			return errors.Wrapf(ErrTransferFailed, "pidfile names %d, not successor %d", rec.PID, res.pid)
		}
	case <-readyTimeout.C():
		sess.Close()
		return errors.Wrap(ErrTransferFailed, "timed out awaiting successor readiness")
	}

	// close the control channel before confirming: the successor binds the
	// same path right after it reads our confirmation, and our close unlinks
	// it. One peer per channel lifetime; a failed attempt keeps it open.
	c.closeCtrlSock()
	if err := sess.confirmSteppingDown(); err != nil {
		// we must assume the successor received it and will take over; the
		// alternative risks two owners. See the proto package docs.
		c.l.Warn("error confirming stepping down", "err", err)
	}
	return nil
}

func (c *Coordinator) closeCtrlSock() {
	c.ctrlMu.Lock()
	ln := c.ctrlSock
	c.ctrlSock = nil
	c.ctrlMu.Unlock()
	if ln != nil {
		ln.Close()
	}
}

// Stop prevents any more handovers from happening, closes the handover
// complete channel, and releases the pidfile if this process still owns it.
func (c *Coordinator) Stop() {
	c.mustTransitionTo(stateTerminated)
	c.stopOnce.Do(func() {
		c.closeCtrlSock()
		select {
		case <-c.handoverC:
		default:
			close(c.handoverC)
		}
		c.l.Info("closing listener set")
		c.set.Close()
		if err := c.pidf.Remove(c.os.Getpid()); err != nil {
			c.l.Error("error removing pidfile record", "err", err)
		}
		c.unlockCoordination()
	})
}

func (c *Coordinator) transitionTo(state coordinatorState) error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.state.transitionTo(state)
}

func (c *Coordinator) mustTransitionTo(state coordinatorState) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	if err := c.state.transitionTo(state); err != nil {
		panic(fmt.Sprintf("BUG: error transitioning to %q: %v", state, err))
	}
}

// lockCoordination takes the cross-process exclusive lock that serializes
// handover attempts on these paths. Two successors racing for the same
// predecessor will queue here instead of interleaving.
func (c *Coordinator) lockCoordination(ctx context.Context) error {
	if err := touchFile(c.lockPath); err != nil {
		return errors.Wrap(err, "can't create coordination lock file")
	}
	for {
		fl, err := filelock.TryExclusiveLock(c.lockPath, filelock.RegFile)
		if err == nil {
			c.lockMu.Lock()
			c.flock = fl
			c.lockMu.Unlock()
			return nil
		}
		if err != filelock.ErrLocked {
			return errors.Wrap(err, "can't lock coordination lock file")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(100 * time.Millisecond):
		}
	}
}

func (c *Coordinator) unlockCoordination() {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	if c.flock == nil {
		return
	}
	if err := c.flock.Unlock(); err != nil {
		c.l.Error("error unlocking coordination lock file", "err", err)
	}
	c.flock = nil
}
