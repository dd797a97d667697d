package handover

import (
	"context"
	"net"
	"sync"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"github.com/motya-proxy/motya/handover/internal/proto"
)

// session is the transient entity that exists only during a transfer window:
// one accepted control channel connection, from the transfer request until
// the handover completes or fails.
type session struct {
	closeOnce sync.Once
	conn      *net.UnixConn
	peerPID   int
	l         log15.Logger
}

// acceptSession reads the transfer request off a freshly accepted control
// channel connection.
func acceptSession(l log15.Logger, conn *net.UnixConn) (*session, error) {
	var req proto.Request
	if err := proto.ReadFrame(conn, &req); err != nil {
		return nil, errors.Wrap(err, "can't read transfer request")
	}
	if req.Version > proto.Version {
		return nil, errors.Errorf("successor speaks protocol version %d, we speak %d", req.Version, proto.Version)
	}
	return &session{
		conn:    conn,
		peerPID: req.PID,
		l:       l.New("peer", req.PID),
	}, nil
}

// sendListeners transfers every descriptor in the set to the peer: a
// metadata frame first, then one SCM_RIGHTS message per descriptor.
// Each descriptor is consumed from the set as soon as its send succeeds, so
// a transferred socket is never visible in the sender's set again. A failure
// partway through is a hard error for the whole transfer; the receiver
// discards what it got, and the caller resumes serving whatever is left in
// the set.
func (s *session) sendListeners(selfPID int, set *ListenerSet) error {
	descs := set.snapshot()
	metas := make([]proto.ListenerMeta, 0, len(descs))
	for _, d := range descs {
		metas = append(metas, proto.ListenerMeta{
			ServiceID: d.ServiceID,
			Network:   d.Network,
			Addr:      d.Addr,
		})
	}

	if err := proto.WriteFrame(s.conn, proto.TransferHeader{
		PID:       selfPID,
		Version:   proto.Version,
		Listeners: metas,
	}); err != nil {
		return errors.Wrap(err, "can't write listener metadata")
	}

	sockFile, err := s.conn.File()
	if err != nil {
		return errors.Wrap(err, "could not convert control channel connection to file")
	}
	defer sockFile.Close()

	for _, d := range descs {
		if err := sendFile(sockFile, d.file); err != nil {
			return errors.Wrapf(err, "error sending %v", d)
		}
		set.consume(d.ServiceID)
	}
	s.l.Info("sent listener set to successor", "count", len(descs))
	return nil
}

// awaitReady blocks until the peer reports it has claimed the pidfile and is
// accepting. The caller bounds the wait by closing the session.
func (s *session) awaitReady() (int, error) {
	var msg proto.Message
	if err := proto.ReadFrame(s.conn, &msg); err != nil {
		return 0, errors.Wrap(err, "can't read readiness message")
	}
	if msg.Msg != proto.MsgReady {
		return 0, errors.Errorf("expected %q message, got %q", proto.MsgReady, msg.Msg)
	}
	return msg.PID, nil
}

// confirmSteppingDown is the final frame of a successful handover.
func (s *session) confirmSteppingDown() error {
	return errors.Wrap(
		proto.WriteFrame(s.conn, proto.Message{Msg: proto.MsgSteppingDown}),
		"can't confirm stepping down",
	)
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// receiveListeners is the successor side of the transfer: it sends the
// request frame and then blocks until the predecessor, prompted by its
// reconfiguration signal, sends the listener set. In the case of a context
// error, the connection is closed and a context error is returned as a
// wrapped error; it may be retrieved with errors.Cause.
func receiveListeners(ctx context.Context, l log15.Logger, conn *net.UnixConn, selfPID int) ([]*Descriptor, int, error) {
	if err := proto.WriteFrame(conn, proto.Request{PID: selfPID, Version: proto.Version}); err != nil {
		return nil, 0, errors.Wrap(err, "can't send transfer request")
	}

	sockFile, err := conn.File()
	if err != nil {
		return nil, 0, errors.Wrap(err, "could not convert control channel connection to file")
	}
	defer sockFile.Close()

	functionEnd := make(chan struct{})
	go func() {
		select {
		case <-functionEnd:
		case <-ctx.Done():
			// double check the function hasn't already returned; if it has
			// the connection is out of our hands already.
			select {
			case <-functionEnd:
				return
			default:
			}
			// close the socket to cause any pending reads to fail
			conn.Close()
		}
	}()
	defer close(functionEnd)
	// orContextErr returns a context error instead of the passed error if
	// there is one, under the assumption that the passed error was caused by
	// the context cancel and the context error is the more meaningful one.
	orContextErr := func(err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Wrap(ctxErr, err.Error())
		}
		return err
	}

	var hdr proto.TransferHeader
	if err := proto.ReadFrame(conn, &hdr); err != nil {
		return nil, 0, orContextErr(errors.Wrap(err, "can't read listener metadata from predecessor"))
	}

	descs := make([]*Descriptor, 0, len(hdr.Listeners))
	discard := func() {
		// an incomplete set must not be operated on; drop everything
		for _, d := range descs {
			d.file.Close()
		}
	}
	for _, meta := range hdr.Listeners {
		fi, err := recvFile(sockFile)
		if err != nil {
			discard()
			return nil, 0, orContextErr(errors.Wrapf(err, "error receiving descriptor for service %q", meta.ServiceID))
		}
		descs = append(descs, &Descriptor{
			ServiceID: meta.ServiceID,
			Network:   meta.Network,
			Addr:      meta.Addr,
			file:      fi,
		})
	}
	l.Info("received listener set from predecessor", "owner", hdr.PID, "count", len(descs))
	return descs, hdr.PID, nil
}

// sendReadyHandshake tells the predecessor we have claimed the pidfile, then
// waits for its stepping-down confirmation. Due to the stream nature of the
// socket, writing the ready frame does not mean the predecessor has read it;
// only the confirmation tells us it is actually draining.
func sendReadyHandshake(conn *net.UnixConn, selfPID int) error {
	if err := proto.WriteFrame(conn, proto.Message{Msg: proto.MsgReady, PID: selfPID}); err != nil {
		return errors.Wrap(err, "can't notify predecessor of readiness")
	}
	var msg proto.Message
	if err := proto.ReadFrame(conn, &msg); err != nil {
		return errors.Wrap(err, "can't read stepping-down confirmation")
	}
	if msg.Msg != proto.MsgSteppingDown {
		return errors.Errorf("expected %q message, got %q", proto.MsgSteppingDown, msg.Msg)
	}
	return nil
}
