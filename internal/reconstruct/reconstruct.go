// Package reconstruct turns a WorldDescription manifest plus a chunk
// map back into the original archive bytes, including the trailing
// CRC-32 patch that makes the reconstructed buffer match the checksum
// the game server originally announced.
//
// Grounded on the control flow in the original client-side proxy's
// transfer_world_data / WorldReconstructor usage: reconstruct one file
// at a time, fail recoverably with NeedChunks when a chunk isn't
// resident locally yet, and finalize once every file has been emitted.
package reconstruct

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"

	"github.com/fadenfire/factorio-cacher/internal/chunkkey"
	"github.com/fadenfire/factorio-cacher/internal/crc32patch"
	"github.com/fadenfire/factorio-cacher/internal/worldmodel"
)

// NeedChunksError is returned by ReconstructFile when one or more
// chunks referenced by a file are not yet present in the caller's local
// chunk map. The caller resolves it by fetching Missing from the chunk
// cache and retrying the same file.
type NeedChunksError struct {
	Missing []chunkkey.Key
}

func (e *NeedChunksError) Error() string {
	return fmt.Sprintf("reconstruct: need %d chunk(s) to continue", len(e.Missing))
}

// AsNeedChunks reports whether err is (or wraps) a NeedChunksError.
func AsNeedChunks(err error) (*NeedChunksError, bool) {
	var nc *NeedChunksError
	if errors.As(err, &nc) {
		return nc, true
	}
	return nil, false
}

// CollectChunks walks keys in order and concatenates their bytes, or
// returns a *NeedChunksError naming every key missing from local. It is
// the building block ReconstructFile uses for archive entries, and is
// also exported directly for the auxiliary blob, which is chunked as a
// flat byte range rather than parsed into file entries.
func CollectChunks(keys []chunkkey.Key, local map[chunkkey.Key]worldmodel.Chunk) ([]byte, error) {
	return collectPayload(keys, local)
}

// collectPayload walks chunks in order and concatenates their bytes,
// or returns a *NeedChunksError naming every key missing from local.
func collectPayload(chunks []chunkkey.Key, local map[chunkkey.Key]worldmodel.Chunk) ([]byte, error) {
	var missing []chunkkey.Key
	var payload []byte
	for _, key := range chunks {
		chunk, ok := local[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		if missing == nil {
			payload = append(payload, chunk...)
		}
	}
	if len(missing) > 0 {
		return nil, &NeedChunksError{Missing: missing}
	}
	return payload, nil
}

// writeRawEntry re-emits one archive entry using the file's original
// compression method, CRC-32, and sizes, streaming payload (the file's
// raw, as-stored bytes, reassembled from content chunks) through
// unchanged rather than decompressing and recompressing it. This is
// what lets a deflate-compressed world entry round-trip byte-for-byte:
// the entry's data region is never touched, only its header is
// re-authored from the preserved metadata.
func writeRawEntry(zw *zip.Writer, fd worldmodel.FileDescriptor, payload []byte) error {
	fh := &zip.FileHeader{
		Name:               fd.Name,
		Method:             fd.Method,
		Modified:           fd.Modified,
		CRC32:              fd.CRC32,
		UncompressedSize64: uint64(fd.Length),
		CompressedSize64:   uint64(len(payload)),
	}
	w, err := zw.CreateRaw(fh)
	if err != nil {
		return fmt.Errorf("create entry %q: %w", fd.Name, err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write entry %q: %w", fd.Name, err)
	}
	return nil
}

// BuildArchive assembles the full reconstructed world archive from a
// manifest and a complete chunk map, in one pass. The deduplicator
// uses it to compute the WorldDescription's own WorldSize and
// ReconstructedCRC (so they describe exactly what this package will
// later produce for the same manifest), and the round-trip tests use
// it as a non-streaming equivalent of ReconstructFile+FinalizeWorld.
func BuildArchive(files []worldmodel.FileDescriptor, chunks map[chunkkey.Key]worldmodel.Chunk) ([]byte, error) {
	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)
	for _, fd := range files {
		payload, err := collectPayload(fd.ContentChunks, chunks)
		if err != nil {
			return nil, fmt.Errorf("reconstruct: %q: %w", fd.Name, err)
		}
		if err := writeRawEntry(zw, fd, payload); err != nil {
			return nil, fmt.Errorf("reconstruct: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("reconstruct: close archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Reconstructor accumulates a rebuilt world archive one file at a time,
// streaming newly produced bytes back to the caller as soon as each
// file is complete rather than buffering the whole archive.
type Reconstructor struct {
	buf     *bytes.Buffer
	zw      *zip.Writer
	flushed int
}

// New creates an empty Reconstructor.
func New() *Reconstructor {
	buf := new(bytes.Buffer)
	return &Reconstructor{buf: buf, zw: zip.NewWriter(buf)}
}

// ReconstructFile walks file_desc.ContentChunks in order. If every
// chunk is present in local, its bytes are written into the archive
// under the file's original compression method, and the newly produced
// bytes (this file's local header plus body) are returned, streamable
// to a waiting game client. Otherwise it returns a *NeedChunksError
// naming every missing key across the whole file, so the caller can
// fetch them all in one batched request before retrying.
func (r *Reconstructor) ReconstructFile(fd worldmodel.FileDescriptor, local map[chunkkey.Key]worldmodel.Chunk) ([]byte, error) {
	payload, err := collectPayload(fd.ContentChunks, local)
	if err != nil {
		return nil, err
	}

	if err := writeRawEntry(r.zw, fd, payload); err != nil {
		return nil, fmt.Errorf("reconstruct: %w", err)
	}
	if err := r.zw.Flush(); err != nil {
		return nil, fmt.Errorf("reconstruct: flush entry %q: %w", fd.Name, err)
	}

	return r.drain(), nil
}

// FinalizeWorld closes the archive (writing its central directory), pads
// or truncates the accumulated buffer to targetSize, and patches the
// trailing 4 bytes so the whole buffer's CRC-32 equals targetCRC. It
// returns the tail bytes produced since the last ReconstructFile/
// FinalizeWorld call.
func (r *Reconstructor) FinalizeWorld(targetSize int64, targetCRC uint32) ([]byte, error) {
	if err := r.zw.Close(); err != nil {
		return nil, fmt.Errorf("reconstruct: close archive: %w", err)
	}

	if total := int64(r.buf.Len()); total < targetSize {
		r.buf.Write(make([]byte, targetSize-total))
	} else if total > targetSize {
		r.buf.Truncate(int(targetSize))
	}

	full := r.buf.Bytes()
	p := len(full) - 4
	if p < r.flushed {
		return nil, fmt.Errorf("reconstruct: CRC patch region overlaps already-streamed bytes")
	}

	patched, err := crc32patch.Patch(full, p, targetCRC)
	if err != nil {
		return nil, fmt.Errorf("reconstruct: solve trailing CRC patch: %w", err)
	}

	tail := append([]byte(nil), patched[r.flushed:]...)
	r.flushed = len(patched)
	return tail, nil
}

func (r *Reconstructor) drain() []byte {
	all := r.buf.Bytes()
	tail := append([]byte(nil), all[r.flushed:]...)
	r.flushed = len(all)
	return tail
}
