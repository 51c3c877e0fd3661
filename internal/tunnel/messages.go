package tunnel

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/fadenfire/factorio-cacher/internal/chunkkey"
	"github.com/fadenfire/factorio-cacher/internal/worldmodel"
)

// WorldReadyMessage is the first message sent over a tunnel stream once
// the server proxy has deduplicated a world: the manifest plus the
// original and rewritten MapReadyForDownload announcement fields, so
// the client proxy can report both the pre- and post-dedup totals.
type WorldReadyMessage struct {
	World   worldmodel.WorldDescription
	OldInfo worldmodel.MapReadyInfo
	NewInfo worldmodel.MapReadyInfo
}

// RequestChunksMessage asks the peer for a batch of chunks by key.
type RequestChunksMessage struct {
	RequestedChunks []chunkkey.Key
}

// SendChunksMessage answers a RequestChunksMessage with the chunk bytes
// in the same order as the keys that were requested.
type SendChunksMessage struct {
	Chunks []worldmodel.Chunk
}

func putUint16(buf []byte, v uint16) { binary.LittleEndian.PutUint16(buf, v) }
func putUint32(buf []byte, v uint32) { binary.LittleEndian.PutUint32(buf, v) }
func putUint64(buf []byte, v uint64) { binary.LittleEndian.PutUint64(buf, v) }

type byteWriter struct {
	buf []byte
}

func (w *byteWriter) u16(v uint16) {
	var b [2]byte
	putUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *byteWriter) u32(v uint32) {
	var b [4]byte
	putUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *byteWriter) u64(v uint64) {
	var b [8]byte
	putUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *byteWriter) bytes(b []byte) { w.buf = append(w.buf, b...) }

type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) u16() (uint16, error) {
	if r.pos+2 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *byteReader) u32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *byteReader) u64() (uint64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *byteReader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func encodeChunkKeys(w *byteWriter, keys []chunkkey.Key) {
	w.u32(uint32(len(keys)))
	for _, key := range keys {
		w.bytes(key[:])
	}
}

func decodeChunkKeys(r *byteReader) ([]chunkkey.Key, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	keys := make([]chunkkey.Key, count)
	for i := range keys {
		keyBytes, err := r.take(chunkkey.Size)
		if err != nil {
			return nil, err
		}
		copy(keys[i][:], keyBytes)
	}
	return keys, nil
}

func encodeFileDescriptor(w *byteWriter, fd worldmodel.FileDescriptor) {
	name := []byte(fd.Name)
	w.u16(uint16(len(name)))
	w.bytes(name)
	w.u64(uint64(fd.Length))
	w.u16(fd.Method)
	w.u32(fd.CRC32)
	w.u64(uint64(fd.Modified.UnixNano()))
	encodeChunkKeys(w, fd.ContentChunks)
}

func decodeFileDescriptor(r *byteReader) (worldmodel.FileDescriptor, error) {
	var fd worldmodel.FileDescriptor
	nameLen, err := r.u16()
	if err != nil {
		return fd, err
	}
	nameBytes, err := r.take(int(nameLen))
	if err != nil {
		return fd, err
	}
	fd.Name = string(nameBytes)

	length, err := r.u64()
	if err != nil {
		return fd, err
	}
	fd.Length = int64(length)

	fd.Method, err = r.u16()
	if err != nil {
		return fd, err
	}

	fd.CRC32, err = r.u32()
	if err != nil {
		return fd, err
	}

	modNanos, err := r.u64()
	if err != nil {
		return fd, err
	}
	fd.Modified = time.Unix(0, int64(modNanos)).UTC()

	fd.ContentChunks, err = decodeChunkKeys(r)
	if err != nil {
		return fd, err
	}
	return fd, nil
}

func encodeWorldDescription(w *byteWriter, d worldmodel.WorldDescription) {
	w.u32(uint32(len(d.Files)))
	for _, fd := range d.Files {
		encodeFileDescriptor(w, fd)
	}
	encodeChunkKeys(w, d.AuxChunks)
	w.u64(uint64(d.AuxLength))
	w.u64(uint64(d.OriginalWorldSize))
	w.u64(uint64(d.WorldSize))
	w.u32(d.ReconstructedCRC)
}

func decodeWorldDescription(r *byteReader) (worldmodel.WorldDescription, error) {
	var d worldmodel.WorldDescription
	fileCount, err := r.u32()
	if err != nil {
		return d, err
	}
	d.Files = make([]worldmodel.FileDescriptor, fileCount)
	for i := range d.Files {
		fd, err := decodeFileDescriptor(r)
		if err != nil {
			return d, err
		}
		d.Files[i] = fd
	}

	d.AuxChunks, err = decodeChunkKeys(r)
	if err != nil {
		return d, err
	}

	auxLength, err := r.u64()
	if err != nil {
		return d, err
	}
	d.AuxLength = int64(auxLength)

	originalSize, err := r.u64()
	if err != nil {
		return d, err
	}
	d.OriginalWorldSize = int64(originalSize)

	worldSize, err := r.u64()
	if err != nil {
		return d, err
	}
	d.WorldSize = int64(worldSize)

	d.ReconstructedCRC, err = r.u32()
	if err != nil {
		return d, err
	}
	return d, nil
}

func encodeMapReadyInfo(w *byteWriter, m worldmodel.MapReadyInfo) {
	w.u64(uint64(m.WorldSize))
	w.u64(uint64(m.AuxSize))
	w.u32(m.WorldCRC)
	w.u32(uint32(len(m.Opaque)))
	w.bytes(m.Opaque)
}

func decodeMapReadyInfo(r *byteReader) (worldmodel.MapReadyInfo, error) {
	var m worldmodel.MapReadyInfo
	worldSize, err := r.u64()
	if err != nil {
		return m, err
	}
	m.WorldSize = int64(worldSize)

	auxSize, err := r.u64()
	if err != nil {
		return m, err
	}
	m.AuxSize = int64(auxSize)

	m.WorldCRC, err = r.u32()
	if err != nil {
		return m, err
	}

	opaqueLen, err := r.u32()
	if err != nil {
		return m, err
	}
	opaque, err := r.take(int(opaqueLen))
	if err != nil {
		return m, err
	}
	m.Opaque = append([]byte(nil), opaque...)
	return m, nil
}

// Encode serializes a WorldReadyMessage into a compact binary payload
// suitable for WriteMessage.
func (m WorldReadyMessage) Encode() []byte {
	w := &byteWriter{}
	encodeWorldDescription(w, m.World)
	encodeMapReadyInfo(w, m.OldInfo)
	encodeMapReadyInfo(w, m.NewInfo)
	return w.buf
}

// DecodeWorldReadyMessage parses a payload produced by Encode.
func DecodeWorldReadyMessage(payload []byte) (WorldReadyMessage, error) {
	var m WorldReadyMessage
	r := &byteReader{buf: payload}

	world, err := decodeWorldDescription(r)
	if err != nil {
		return m, fmt.Errorf("tunnel: decode world description: %w", err)
	}
	oldInfo, err := decodeMapReadyInfo(r)
	if err != nil {
		return m, fmt.Errorf("tunnel: decode old map-ready info: %w", err)
	}
	newInfo, err := decodeMapReadyInfo(r)
	if err != nil {
		return m, fmt.Errorf("tunnel: decode new map-ready info: %w", err)
	}

	m.World, m.OldInfo, m.NewInfo = world, oldInfo, newInfo
	return m, nil
}

// Encode serializes a RequestChunksMessage.
func (m RequestChunksMessage) Encode() []byte {
	w := &byteWriter{}
	w.u32(uint32(len(m.RequestedChunks)))
	for _, key := range m.RequestedChunks {
		w.bytes(key[:])
	}
	return w.buf
}

// DecodeRequestChunksMessage parses a payload produced by Encode.
func DecodeRequestChunksMessage(payload []byte) (RequestChunksMessage, error) {
	var m RequestChunksMessage
	r := &byteReader{buf: payload}

	count, err := r.u32()
	if err != nil {
		return m, fmt.Errorf("tunnel: decode requested chunk count: %w", err)
	}
	m.RequestedChunks = make([]chunkkey.Key, count)
	for i := range m.RequestedChunks {
		keyBytes, err := r.take(chunkkey.Size)
		if err != nil {
			return m, fmt.Errorf("tunnel: decode requested chunk %d: %w", i, err)
		}
		copy(m.RequestedChunks[i][:], keyBytes)
	}
	return m, nil
}

// Encode serializes a SendChunksMessage.
func (m SendChunksMessage) Encode() []byte {
	w := &byteWriter{}
	w.u32(uint32(len(m.Chunks)))
	for _, chunk := range m.Chunks {
		w.u32(uint32(len(chunk)))
		w.bytes(chunk)
	}
	return w.buf
}

// DecodeSendChunksMessage parses a payload produced by Encode.
func DecodeSendChunksMessage(payload []byte) (SendChunksMessage, error) {
	var m SendChunksMessage
	r := &byteReader{buf: payload}

	count, err := r.u32()
	if err != nil {
		return m, fmt.Errorf("tunnel: decode chunk count: %w", err)
	}
	m.Chunks = make([]worldmodel.Chunk, count)
	for i := range m.Chunks {
		chunkLen, err := r.u32()
		if err != nil {
			return m, fmt.Errorf("tunnel: decode chunk %d length: %w", i, err)
		}
		chunkBytes, err := r.take(int(chunkLen))
		if err != nil {
			return m, fmt.Errorf("tunnel: decode chunk %d payload: %w", i, err)
		}
		m.Chunks[i] = append(worldmodel.Chunk(nil), chunkBytes...)
	}
	return m, nil
}
