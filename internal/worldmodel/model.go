// Package worldmodel defines the shared manifest types produced by the
// deduplicator and consumed by the reconstructor and tunnel codecs: the
// deduplicated description of a game world archive and its chunk table.
package worldmodel

import (
	"time"

	"github.com/fadenfire/factorio-cacher/internal/chunkkey"
)

// FileDescriptor describes one logical file inside the world archive.
// ContentChunks cover the file's bytes exactly as they are stored in
// the archive (i.e. still deflate-compressed if the original entry
// was), never the decompressed payload, so the reconstructor can
// re-emit the entry using the original compression method instead of
// recompressing it from scratch.
type FileDescriptor struct {
	Name          string
	Length        int64 // uncompressed size, from the original archive entry
	Method        uint16
	CRC32         uint32
	Modified      time.Time
	ContentChunks []chunkkey.Key
}

// WorldDescription is the ordered manifest of a deduplicated world
// archive, plus the bookkeeping needed to reproduce the exact byte
// stream the game server announced. AuxChunks covers the auxiliary
// blob (mod/scenario archive) that travels alongside the world archive
// but is not itself a ZIP-like container, so it is chunked as a flat
// byte range rather than parsed into FileDescriptors.
type WorldDescription struct {
	Files             []FileDescriptor
	AuxChunks         []chunkkey.Key
	AuxLength         int64
	OriginalWorldSize int64
	WorldSize         int64
	ReconstructedCRC  uint32
}

// Chunk is a content-addressed slice of a world archive's bytes.
type Chunk []byte

// MapReadyInfo mirrors the game server's own world-announcement record.
// Opaque fields the proxy never interprets are retained verbatim so the
// rewritten packet round-trips byte-exact except for the fields this
// system actually changes.
type MapReadyInfo struct {
	WorldSize int64
	AuxSize   int64
	WorldCRC  uint32
	Opaque    []byte
}
