package handover

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	// ErrTransferInProgress indicates that a listener transfer is in progress.
	// This error will be returned if an attempt is made to mutate the
	// listener set while the coordinator is currently handing its listeners
	// to a successor process.
	ErrTransferInProgress = errors.New("a listener transfer is currently in progress")
	// ErrTransferCompleted indicates the listener set has already been handed
	// to a successor. This state is terminal; mutating the set after that
	// would create sockets the successor knows nothing about.
	ErrTransferCompleted = errors.New("the listener set has been transferred")
	// ErrDuplicateService indicates two listeners were registered under the
	// same logical service id.
	ErrDuplicateService = errors.New("duplicate service id in listener set")
)

// Listener is a net.Listener whose file descriptor can be passed to another
// process.
type Listener interface {
	net.Listener
	syscall.Conn
}

// file works around the fact that it's not possible to get the fd from an
// os.File without putting it into blocking mode.
type file struct {
	*os.File
	fd uintptr
}

func newFile(fd uintptr, name string) *file {
	f := os.NewFile(fd, name)
	if f == nil {
		return nil
	}
	return &file{
		f,
		fd,
	}
}

// Descriptor is a single transferable listening socket, tagged with the
// logical service it serves. The descriptor exclusively owns its (dup'd)
// file; once it has been sent to a successor the local copy is closed and
// the descriptor is removed from its set, so a transferred socket can never
// be used from both processes.
type Descriptor struct {
	ServiceID string
	Network   string
	Addr      string

	file *file
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("listener(%v): %v:%v", d.ServiceID, d.Network, d.Addr)
}

// ListenerSet holds all listening sockets owned by this process, whether
// bound here or inherited from a predecessor. At most one listener exists
// per service id.
type ListenerSet struct {
	mu    sync.Mutex
	order []string
	descs map[string]*Descriptor

	// locked indicates whether mutation of the set is locked. When true, all
	// mutations will result in an error with the error 'lockedReason'.
	locked       bool
	lockedReason error

	l log15.Logger
}

// NewListenerSet returns an empty listener set.
func NewListenerSet(l log15.Logger) *ListenerSet {
	return &ListenerSet{
		descs: make(map[string]*Descriptor),
		l:     l,
	}
}

func newInheritedSet(l log15.Logger, descs []*Descriptor) (*ListenerSet, error) {
	s := NewListenerSet(l)
	for _, d := range descs {
		if _, ok := s.descs[d.ServiceID]; ok {
			return nil, errors.Wrapf(ErrDuplicateService, "service %q", d.ServiceID)
		}
		s.descs[d.ServiceID] = d
		s.order = append(s.order, d.ServiceID)
	}
	return s, nil
}

func (s *ListenerSet) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]string, 0, len(s.order))
	for _, id := range s.order {
		res = append(res, s.descs[id].String())
	}
	return fmt.Sprintf("listeners: %v", res)
}

// Len returns the number of listeners in the set.
func (s *ListenerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// ServiceIDs returns the ids of all listeners in the set, in registration
// order.
func (s *ListenerSet) ServiceIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	return ids
}

// Listen returns a listener inherited from the predecessor process, or binds
// a new one. It is expected that the caller will close the returned listener
// once the coordinator indicates draining is desired.
// The network and addr arguments are passed to net.Listen, and their meaning
// is described there.
func (s *ListenerSet) Listen(ctx context.Context, id, network, addr string) (net.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ln, err := s.listenerLocked(id)
	if err != nil {
		return nil, err
	}
	if ln != nil {
		s.l.Debug("found existing listener in set", "service", id, "network", network, "addr", addr)
		return ln, nil
	}

	if s.locked {
		return nil, s.lockedReason
	}

	cfg := &net.ListenConfig{}
	ln, err = cfg.Listen(ctx, network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "can't bind listener for service %q", id)
	}

	fdLn, ok := ln.(Listener)
	if !ok {
		ln.Close()
		return nil, errors.Errorf("%T doesn't implement handover.Listener", ln)
	}

	if err := s.addLocked(id, network, ln.Addr().String(), fdLn); err != nil {
		fdLn.Close()
		return nil, err
	}
	return ln, nil
}

// ListenWith is like Listen, but uses the provided function to bind the
// listener when no inherited one exists. The function should return quickly
// since it blocks the whole set.
// Note that any unix sockets will have "SetUnlinkOnClose(false)" called on
// them so that closing the accept side does not unlink the path out from
// under a successor.
func (s *ListenerSet) ListenWith(id, network, addr string, listenerFunc func(network, addr string) (net.Listener, error)) (net.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ln, err := s.listenerLocked(id)
	if err != nil {
		return nil, err
	}
	if ln != nil {
		return ln, nil
	}
	if s.locked {
		return nil, s.lockedReason
	}

	ln, err = listenerFunc(network, addr)
	if err != nil {
		return nil, err
	}
	fdLn, ok := ln.(Listener)
	if !ok {
		ln.Close()
		return nil, errors.Errorf("%T doesn't implement handover.Listener", ln)
	}
	if err := s.addLocked(id, network, addr, fdLn); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

// Listener returns the listener with the given service id, or nil.
//
// It is the caller's responsibility to close the returned listener once
// connections should no longer be accepted on it.
func (s *ListenerSet) Listener(id string) (net.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenerLocked(id)
}

func (s *ListenerSet) listenerLocked(id string) (net.Listener, error) {
	desc, ok := s.descs[id]
	if !ok || desc.file == nil {
		return nil, nil
	}
	ln, err := net.FileListener(desc.file.File)
	if err != nil {
		return nil, errors.Wrapf(err, "can't use listener %s", desc)
	}
	return ln, nil
}

type unlinkOnCloser interface {
	SetUnlinkOnClose(bool)
}

func (s *ListenerSet) addLocked(id, network, addr string, ln Listener) error {
	if _, ok := s.descs[id]; ok {
		return errors.Wrapf(ErrDuplicateService, "service %q", id)
	}
	if ifc, ok := ln.(unlinkOnCloser); ok {
		ifc.SetUnlinkOnClose(false)
	}
	desc := &Descriptor{
		ServiceID: id,
		Network:   network,
		Addr:      addr,
	}
	fi, err := dupConn(ln, desc.String())
	if err != nil {
		return errors.Wrapf(err, "can't dup listener %v %v", network, addr)
	}
	desc.file = fi
	s.descs[id] = desc
	s.order = append(s.order, id)
	return nil
}

// lockMutations prevents adding or removing listeners until unlockMutations
// is called. All mutations fail with 'reason' while locked.
func (s *ListenerSet) lockMutations(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = true
	s.lockedReason = reason
}

func (s *ListenerSet) unlockMutations() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = false
	s.lockedReason = nil
}

// snapshot returns the current descriptors in registration order. The
// returned slice is a copy; the descriptors are not.
func (s *ListenerSet) snapshot() []*Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	descs := make([]*Descriptor, 0, len(s.order))
	for _, id := range s.order {
		descs = append(descs, s.descs[id])
	}
	return descs
}

// consume invalidates the local copy of a descriptor that has been handed to
// a successor: the entry is removed from the set and the local dup closed.
// It bypasses the mutation lock, since a transfer is exactly when the lock is
// held.
func (s *ListenerSet) consume(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	desc, ok := s.descs[id]
	if !ok {
		return
	}
	delete(s.descs, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if desc.file != nil {
		desc.file.Close()
		desc.file = nil
	}
}

// Close closes every descriptor still held by the set.
func (s *ListenerSet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, desc := range s.descs {
		if desc.file == nil {
			continue
		}
		if err := desc.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		desc.file = nil
	}
	s.descs = make(map[string]*Descriptor)
	s.order = nil
	return firstErr
}

func dupConn(conn syscall.Conn, name string) (*file, error) {
	// Use SyscallConn instead of File to avoid making the original
	// fd non-blocking.
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	var dup *file
	var duperr error
	err = raw.Control(func(fd uintptr) {
		dup, duperr = dupFd(fd, name)
	})
	if err != nil {
		return nil, errors.Wrap(err, "can't access fd")
	}
	return dup, duperr
}

func dupFd(fd uintptr, name string) (*file, error) {
	dupfd, _, errno := unix.Syscall(unix.SYS_FCNTL, fd, unix.F_DUPFD_CLOEXEC, 0)
	if errno != 0 {
		return nil, errors.Wrap(errno, "can't dup fd using fcntl")
	}
	return newFile(dupfd, name), nil
}
