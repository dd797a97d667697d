package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// WriteFrame writes a length-prefixed JSON frame to the given writer.
// It is expected to be read with ReadFrame.
func WriteFrame(dst io.Writer, obj interface{}) error {
	var frame bytes.Buffer
	enc := json.NewEncoder(&frame)
	if err := enc.Encode(obj); err != nil {
		return err
	}

	var frameLenBuf bytes.Buffer
	if err := binary.Write(&frameLenBuf, binary.BigEndian, int32(frame.Len())); err != nil {
		panic(fmt.Errorf("could not binary encode an int32: %v", err))
	}

	if _, err := dst.Write(frameLenBuf.Bytes()); err != nil {
		return errors.Wrap(err, "could not write frame length")
	}
	if _, err := dst.Write(frame.Bytes()); err != nil {
		return errors.Wrap(err, "could not write frame")
	}
	return nil
}

// ReadFrame reads a length-prefixed JSON frame written by WriteFrame.
func ReadFrame(src io.Reader, obj interface{}) error {
	var frameLen int32
	if err := binary.Read(src, binary.BigEndian, &frameLen); err != nil {
		return errors.Wrap(err, "protocol error: could not read frame length")
	}
	if frameLen < 0 {
		return errors.Errorf("protocol error: negative frame length %d", frameLen)
	}

	// Don't decode directly from src, but rather go through a buffer, because
	// `json.Decode` will attempt to use a buffered reader which can
	// accidentally lose fds being sent across a socket.
	data := make([]byte, frameLen)
	if n, err := io.ReadFull(src, data); err != nil {
		return errors.Wrapf(err, "unable to read full frame (expected %v, got %v)", frameLen, n)
	}

	if err := json.Unmarshal(data, obj); err != nil {
		return errors.Wrap(err, "can't decode frame")
	}
	return nil
}
