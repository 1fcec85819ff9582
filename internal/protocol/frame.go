// Package protocol implements the wire format sessions speak: a stream of
// length-delimited JSON frames over TLS (spec.md §6). Each frame is a
// 32-bit big-endian payload length followed by a UTF-8 JSON object.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame's payload to guard against a
// misbehaving or hostile peer claiming an unbounded length prefix.
const MaxFrameSize = 4 << 20 // 4 MiB

// ReadFrame reads one length-delimited JSON frame from r and unmarshals it
// into v. It returns the underlying io error unmodified on EOF/timeout so
// callers can distinguish a clean close or deadline from a malformed frame.
func ReadFrame(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return fmt.Errorf("protocol: frame of %d bytes exceeds max %d", n, MaxFrameSize)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("protocol: decode frame: %w", err)
	}
	return nil
}

// WriteFrame marshals v to JSON and writes it as one length-delimited frame
// to w. Callers are responsible for any write-side mutex discipline.
func WriteFrame(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: encode frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("protocol: frame of %d bytes exceeds max %d", len(payload), MaxFrameSize)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}
