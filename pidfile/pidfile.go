// Package pidfile maintains the on-disk record naming the process that
// currently owns a server's listening sockets.
//
// The record is written with a temp-file-and-rename so a reader can never
// observe a torn write. During a handover the record is replaced, never
// removed: a stale-but-present pidfile is safely detectable by an operator,
// while an absent one mid-transfer could misdirect a reconfiguration signal.
package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound indicates no record exists at the configured path.
	ErrNotFound = errors.New("pidfile: no record present")
	// ErrConflict indicates the path is already claimed by a live process
	// that is not part of this handover. Claiming must not proceed; doing so
	// would leave two processes believing they are authoritative.
	ErrConflict = errors.New("pidfile: path is claimed by a live process")
)

// Record is the parsed content of a pidfile.
type Record struct {
	PID  int
	Path string
}

// Manager owns a single pidfile path.
type Manager struct {
	path  string
	alive func(pid int) bool
	l     log15.Logger
}

// Option is an option function for Manager.
type Option func(m *Manager)

// WithLogger configures the logger used for pidfile operations. By default,
// nothing is logged.
func WithLogger(l log15.Logger) Option {
	return func(m *Manager) {
		m.l = l
	}
}

// withAliveFunc replaces the process liveness check, for tests.
func withAliveFunc(alive func(pid int) bool) Option {
	return func(m *Manager) {
		m.alive = alive
	}
}

// New returns a manager for the pidfile at the given path. The path must be
// absolute; both sides of a handover have to agree on it out-of-band, and a
// relative path would silently depend on each process's working directory.
func New(path string, opts ...Option) (*Manager, error) {
	if !filepath.IsAbs(path) {
		return nil, errors.Errorf("pidfile path %q must be absolute", path)
	}
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	m := &Manager{
		path:  path,
		alive: pidAlive,
		l:     noopLogger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Path returns the configured pidfile path.
func (m *Manager) Path() string {
	return m.path
}

// Read returns the current record, or ErrNotFound if no record exists.
func (m *Manager) Read() (Record, error) {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, errors.Wrap(err, "can't read pidfile")
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return Record{}, ErrNotFound
	}
	pid, err := strconv.Atoi(content)
	if err != nil {
		return Record{}, errors.Wrapf(err, "unable to parse pid out of data %q", content)
	}
	return Record{PID: pid, Path: m.path}, nil
}

// Claim writes pid as the owner of this pidfile. It fails with ErrConflict
// if the path is currently claimed by a different, live process. A record
// naming a dead process is stale and may be claimed over.
func (m *Manager) Claim(pid int) error {
	return m.claim(pid, 0)
}

// ClaimFrom is Claim for the successor side of a handover: a live record
// naming predecessor is expected and may be replaced.
func (m *Manager) ClaimFrom(pid, predecessor int) error {
	return m.claim(pid, predecessor)
}

func (m *Manager) claim(pid, predecessor int) error {
	rec, err := m.Read()
	if err != nil && err != ErrNotFound {
		return err
	}
	if err == nil && rec.PID != pid && rec.PID != predecessor {
		if m.alive(rec.PID) {
			return errors.Wrapf(ErrConflict, "pid %d", rec.PID)
		}
		m.l.Info("claiming over stale pidfile record", "path", m.path, "stalePid", rec.PID)
	}
	return m.write(pid)
}

// write commits pid to the pidfile via an atomic rename. If the rename
// fails the claim fails as a whole and the caller must abort its handover
// attempt; proceeding with an ambiguous identity on disk is worse than not
// proceeding at all.
func (m *Manager) write(pid int) error {
	tmp := m.path + "." + strconv.Itoa(pid) + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return errors.Wrap(err, "can't write pidfile")
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "can't commit pidfile")
	}
	m.l.Info("claimed pidfile", "path", m.path, "pid", pid)
	return nil
}

// Remove deletes the record, but only if it still names pid. It is intended
// for clean shutdown of an owner that is not handing off to a successor.
func (m *Manager) Remove(pid int) error {
	rec, err := m.Read()
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.PID != pid {
		// someone else claimed it since; leave their record alone
		return nil
	}
	return os.Remove(m.path)
}

// Alive reports whether the given pid names a live process.
func (m *Manager) Alive(pid int) bool {
	return m.alive(pid)
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
