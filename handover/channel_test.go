package handover

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDialNoPredecessor(t *testing.T) {
	dir := tmpDir(t)
	sock := filepath.Join(dir, "upgrade.sock")

	_, err := dialChannel(sock)
	require.Error(t, err)
	require.Equal(t, ErrTransferUnavailable, errorCause(err))
}

func TestDialCrashedPredecessor(t *testing.T) {
	dir := tmpDir(t)
	sock := filepath.Join(dir, "upgrade.sock")

	// a predecessor that crashed leaves the socket path behind with nobody
	// listening; that must look the same as no predecessor at all
	ln, err := listenChannel(sock)
	require.NoError(t, err)
	ln.SetUnlinkOnClose(false)
	ln.Close()

	_, err = dialChannel(sock)
	require.Error(t, err)
	require.Equal(t, ErrTransferUnavailable, errorCause(err))
}

func TestListenUnlinksStaleSocket(t *testing.T) {
	dir := tmpDir(t)
	sock := filepath.Join(dir, "upgrade.sock")

	ln, err := listenChannel(sock)
	require.NoError(t, err)
	ln.SetUnlinkOnClose(false)
	ln.Close()

	// path still exists, but it's stale; a new bind takes it over
	ln2, err := listenChannel(sock)
	require.NoError(t, err)
	ln2.Close()
}

func TestListenRefusesNonSocketPath(t *testing.T) {
	dir := tmpDir(t)
	path := filepath.Join(dir, "upgrade.sock")
	require.NoError(t, os.WriteFile(path, []byte("not a socket"), 0644))

	_, err := listenChannel(path)
	require.Error(t, err)
}

func TestPathsMustBeAbsolute(t *testing.T) {
	_, err := listenChannel("relative.sock")
	require.Error(t, err)
	_, err = dialChannel("relative.sock")
	require.Error(t, err)
}

func TestChannelRoundtrip(t *testing.T) {
	dir := tmpDir(t)
	sock := filepath.Join(dir, "upgrade.sock")

	ln, err := listenChannel(sock)
	require.NoError(t, err)
	defer ln.Close()

	connw, err := dialChannel(sock)
	require.NoError(t, err)
	defer connw.Close()

	go func() {
		connw.Write([]byte("hello"))
		connw.Close()
	}()

	connr, err := ln.AcceptUnix()
	require.NoError(t, err)
	defer connr.Close()

	buf := make([]byte, 16)
	n, err := connr.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}
