// Package dedup deconstructs a Factorio world archive and its
// auxiliary blob into a content-addressed chunk map, generalizing the
// teacher's hash-keyed block store (internal/storage/dedup.go) from
// whole-file SHA-256 dedup to content-defined BLAKE3 chunk dedup over
// a ZIP-like archive plus a flat auxiliary byte range.
package dedup

import (
	"archive/zip"
	"bytes"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/fadenfire/factorio-cacher/internal/chunker"
	"github.com/fadenfire/factorio-cacher/internal/chunkkey"
	"github.com/fadenfire/factorio-cacher/internal/reconstruct"
	"github.com/fadenfire/factorio-cacher/internal/worldmodel"
)

// Deduplicator locates file boundaries inside a world archive and splits
// each file's raw (as-stored) bytes into content-defined chunks,
// recording each distinct chunk exactly once.
type Deduplicator struct {
	chunker *chunker.Chunker
}

// New creates a Deduplicator using the given chunk boundary parameters.
func New(c *chunker.Chunker) *Deduplicator {
	if c == nil {
		c = chunker.Default()
	}
	return &Deduplicator{chunker: c}
}

// Deconstruct parses worldData as a deflate-based ZIP-like archive,
// enumerating its logical files in central-directory order, and splits
// each file's raw bytes (exactly as stored in the archive, still
// compressed if the entry was) into chunks. It also chunks auxData, a
// trailing blob that is not itself an archive, as one flat byte range.
// Every chunk referenced by any file or by the aux range is returned
// exactly once in the chunk map, keyed by its BLAKE3 digest.
//
// Chunking the raw stored bytes rather than the decompressed payload
// means reconstruction never has to recompress anything: it re-emits
// each entry under its original compression method (preserved in
// FileDescriptor.Method/CRC32/Modified) with the exact original
// compressed bytes as its body.
//
// WorldSize and ReconstructedCRC describe the archive that
// reconstruct.BuildArchive produces from the returned manifest and
// chunk map — i.e. this package's own output — not a measurement of
// worldData itself, since the reconstructed archive's headers are
// re-authored from preserved metadata rather than copied verbatim.
func (d *Deduplicator) Deconstruct(worldData, auxData []byte) (worldmodel.WorldDescription, map[chunkkey.Key]worldmodel.Chunk, error) {
	desc := worldmodel.WorldDescription{
		OriginalWorldSize: int64(len(worldData)),
	}
	chunks := make(map[chunkkey.Key]worldmodel.Chunk)

	if len(worldData) > 0 {
		zr, err := zip.NewReader(bytes.NewReader(worldData), int64(len(worldData)))
		if err != nil {
			return worldmodel.WorldDescription{}, nil, fmt.Errorf("dedup: parse archive: %w", err)
		}

		for _, zf := range zr.File {
			raw, err := readRawZipFile(zf)
			if err != nil {
				return worldmodel.WorldDescription{}, nil, fmt.Errorf("dedup: read %q: %w", zf.Name, err)
			}

			fd := worldmodel.FileDescriptor{
				Name:     zf.Name,
				Length:   int64(zf.UncompressedSize64),
				Method:   zf.Method,
				CRC32:    zf.CRC32,
				Modified: zf.Modified,
			}
			if err := d.splitInto(raw, &fd.ContentChunks, chunks); err != nil {
				return worldmodel.WorldDescription{}, nil, fmt.Errorf("dedup: chunk %q: %w", zf.Name, err)
			}

			desc.Files = append(desc.Files, fd)
		}
	}

	if len(auxData) > 0 {
		if err := d.splitInto(auxData, &desc.AuxChunks, chunks); err != nil {
			return worldmodel.WorldDescription{}, nil, fmt.Errorf("dedup: chunk aux data: %w", err)
		}
	}
	desc.AuxLength = int64(len(auxData))

	rebuilt, err := reconstruct.BuildArchive(desc.Files, chunks)
	if err != nil {
		return worldmodel.WorldDescription{}, nil, fmt.Errorf("dedup: simulate reconstruction: %w", err)
	}
	desc.WorldSize = int64(len(rebuilt))
	desc.ReconstructedCRC = crc32.ChecksumIEEE(rebuilt)

	return desc, chunks, nil
}

// splitInto runs the chunker over data, appending each span's key to
// into and inserting any not-yet-seen chunk bytes into chunks.
func (d *Deduplicator) splitInto(data []byte, into *[]chunkkey.Key, chunks map[chunkkey.Key]worldmodel.Chunk) error {
	spans, err := d.chunker.Split(data)
	if err != nil {
		return err
	}
	for _, s := range spans {
		chunkBytes := data[s.Offset : s.Offset+s.Length]
		key := chunkkey.Sum(chunkBytes)
		if _, ok := chunks[key]; !ok {
			stored := make(worldmodel.Chunk, len(chunkBytes))
			copy(stored, chunkBytes)
			chunks[key] = stored
		}
		*into = append(*into, key)
	}
	return nil
}

// readRawZipFile returns a file's bytes exactly as stored in the
// archive (OpenRaw: no decompression), since content chunking operates
// on the as-stored representation to preserve the entry's original
// compression method through reconstruction.
func readRawZipFile(zf *zip.File) ([]byte, error) {
	rc, err := zf.OpenRaw()
	if err != nil {
		return nil, err
	}
	return io.ReadAll(rc)
}
