package main

import (
	"encoding/binary"
	"fmt"
	"io"
)

const maxFrameBytes = 256 * 1024 * 1024

// writeFrame/readFrame mirror internal/daemon's length-prefixed framing
// (4-byte big-endian length, then payload) from the client side of the
// socket; kept local to this binary rather than imported from
// internal/daemon, which exposes no public framing helpers of its own.
func writeFrame(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("compiler-proxy: frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
