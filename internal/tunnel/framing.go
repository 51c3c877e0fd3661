// Package tunnel implements the wire framing used over the QUIC
// transport between client and server proxies: unreliable per-peer
// datagrams, and a length-prefixed control message stream per peer.
// Framing is written directly against encoding/binary and bytes.Buffer;
// no pack example reaches for a third-party framing/serialization
// library for this kind of tag+length+payload envelope.
package tunnel

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single control message so a corrupt or
// malicious length prefix can't force an unbounded allocation.
const MaxMessageSize = 64 * 1024 * 1024

// EncodeDatagram prepends a peer id (as a base-128 varint, matching the
// teacher's QUIC datagram framing convention for tagging an unreliable
// packet with its originating peer) to payload.
func EncodeDatagram(peerID uint32, payload []byte) []byte {
	out := make([]byte, 0, binary.MaxVarintLen32+len(payload))
	var varintBuf [binary.MaxVarintLen32]byte
	n := binary.PutUvarint(varintBuf[:], uint64(peerID))
	out = append(out, varintBuf[:n]...)
	out = append(out, payload...)
	return out
}

// DecodeDatagram splits a received datagram back into its peer id and
// payload.
func DecodeDatagram(buf []byte) (peerID uint32, payload []byte, err error) {
	id, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, nil, fmt.Errorf("tunnel: malformed datagram peer-id varint")
	}
	return uint32(id), buf[n:], nil
}

// WriteStreamPreamble writes the u32_le(peer_id) preamble that opens
// every bidirectional tunnel stream.
func WriteStreamPreamble(w io.Writer, peerID uint32) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], peerID)
	_, err := w.Write(hdr[:])
	return err
}

// ReadStreamPreamble reads the u32_le(peer_id) preamble.
func ReadStreamPreamble(r io.Reader) (uint32, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, fmt.Errorf("tunnel: read stream preamble: %w", err)
	}
	return binary.LittleEndian.Uint32(hdr[:]), nil
}

// WriteMessage writes one length-prefixed control message:
// u32_le(len(payload)) || payload.
func WriteMessage(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("tunnel: write message length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("tunnel: write message payload: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed control message written by
// WriteMessage. It returns io.EOF (unwrapped) only when the stream ends
// cleanly before any bytes of the next message arrive, letting callers
// distinguish "peer done" from a truncated message.
func ReadMessage(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("tunnel: truncated message length prefix: %w", err)
		}
		return nil, err
	}

	length := binary.LittleEndian.Uint32(hdr[:])
	if length > MaxMessageSize {
		return nil, fmt.Errorf("tunnel: message length %d exceeds limit %d", length, MaxMessageSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("tunnel: read message payload: %w", err)
	}
	return payload, nil
}

// NewBufferedReader wraps r for efficient ReadMessage/ReadStreamPreamble
// use over a QUIC receive stream, matching the teacher's practice of
// buffering stream reads rather than issuing one syscall per field.
func NewBufferedReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 32*1024)
}
