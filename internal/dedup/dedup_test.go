package dedup

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"hash/crc32"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fadenfire/factorio-cacher/internal/chunker"
	"github.com/fadenfire/factorio-cacher/internal/reconstruct"
)

// buildWorldArchive writes files under the given compression method so
// tests can exercise both the Store and Deflate paths through the raw
// (as-stored) chunking in Deconstruct. Using Deflate here is what
// actually exercises the fix for preserving a compressed entry's bytes
// verbatim instead of rebuilding it under a different method.
func buildWorldArchive(t *testing.T, method uint16, files map[string][]byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range orderedNames(files) {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
		require.NoError(t, err)
		_, err = w.Write(files[name])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func orderedNames(files map[string][]byte) []string {
	names := make([]string, 0, len(files))
	for _, n := range []string{"level.dat", "control.lua", "item-metadata.dat"} {
		if _, ok := files[n]; ok {
			names = append(names, n)
		}
	}
	return names
}

// rawDeflate compresses payload the same way archive/zip's Deflate
// writer would, so tests can assert against the as-stored bytes
// Deconstruct actually chunks rather than the decompressed payload.
func rawDeflate(t *testing.T, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = fw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, fw.Close())
	return buf.Bytes()
}

func TestDeconstruct_SingleFile_Deflate(t *testing.T) {
	payload := bytes.Repeat([]byte("factorio world bytes "), 2000)
	archive := buildWorldArchive(t, zip.Deflate, map[string][]byte{"level.dat": payload})

	d := New(nil)
	desc, chunks, err := d.Deconstruct(archive, nil)
	require.NoError(t, err)

	require.Len(t, desc.Files, 1)
	fd := desc.Files[0]
	assert.Equal(t, "level.dat", fd.Name)
	assert.Equal(t, uint16(zip.Deflate), fd.Method)
	assert.Equal(t, int64(len(payload)), fd.Length)
	assert.NotEmpty(t, fd.ContentChunks)

	var reassembled []byte
	for _, key := range fd.ContentChunks {
		chunk, ok := chunks[key]
		require.True(t, ok, "chunk %s referenced but missing from map", key)
		reassembled = append(reassembled, chunk...)
	}

	// Reassembled chunks carry the entry's raw (still-compressed) bytes,
	// not the original decompressed payload.
	assert.Equal(t, rawDeflate(t, payload), reassembled)

	// Decompressing the reassembled bytes must recover the exact
	// original payload — the round-trip invariant this fix restores.
	fr := flate.NewReader(bytes.NewReader(reassembled))
	decompressed, err := io.ReadAll(fr)
	require.NoError(t, err)
	assert.Equal(t, payload, decompressed)

	// ReconstructedCRC/WorldSize are self-measured against the archive
	// BuildArchive would actually produce from this manifest, not a
	// recomputation over the raw input bytes.
	rebuilt, err := reconstruct.BuildArchive(desc.Files, chunks)
	require.NoError(t, err)
	assert.Equal(t, int64(len(rebuilt)), desc.WorldSize)
}

func TestDeconstruct_DuplicateChunksAcrossFiles(t *testing.T) {
	shared := bytes.Repeat([]byte("shared-region-bytes-"), 500)
	archive := buildWorldArchive(t, zip.Deflate, map[string][]byte{
		"level.dat":   shared,
		"control.lua": shared,
	})

	d := New(chunker.Default())
	desc, chunks, err := d.Deconstruct(archive, nil)
	require.NoError(t, err)
	require.Len(t, desc.Files, 2)

	assert.Equal(t, desc.Files[0].ContentChunks, desc.Files[1].ContentChunks,
		"identical file payloads compressed the same way must produce identical chunk sequences")

	totalReferences := len(desc.Files[0].ContentChunks) + len(desc.Files[1].ContentChunks)
	assert.Less(t, len(chunks), totalReferences, "duplicate content should collapse into fewer stored chunks")
}

func TestDeconstruct_MultipleDistinctFiles(t *testing.T) {
	archive := buildWorldArchive(t, zip.Store, map[string][]byte{
		"level.dat":         bytes.Repeat([]byte("A"), 10000),
		"control.lua":       []byte("-- control script"),
		"item-metadata.dat": bytes.Repeat([]byte("B"), 5000),
	})

	d := New(nil)
	desc, chunks, err := d.Deconstruct(archive, nil)
	require.NoError(t, err)
	require.Len(t, desc.Files, 3)
	assert.NotEmpty(t, chunks)

	rebuilt, err := reconstruct.BuildArchive(desc.Files, chunks)
	require.NoError(t, err)
	assert.Equal(t, int64(len(rebuilt)), desc.WorldSize)
	assert.Equal(t, crc32.ChecksumIEEE(rebuilt), desc.ReconstructedCRC)
}

func TestDeconstruct_AuxData(t *testing.T) {
	archive := buildWorldArchive(t, zip.Store, map[string][]byte{
		"level.dat": bytes.Repeat([]byte("A"), 4000),
	})
	aux := bytes.Repeat([]byte("mod-archive-bytes-"), 800)

	d := New(nil)
	desc, chunks, err := d.Deconstruct(archive, aux)
	require.NoError(t, err)

	assert.Equal(t, int64(len(aux)), desc.AuxLength)
	assert.NotEmpty(t, desc.AuxChunks)

	var reassembled []byte
	for _, key := range desc.AuxChunks {
		chunk, ok := chunks[key]
		require.True(t, ok, "aux chunk %s referenced but missing from map", key)
		reassembled = append(reassembled, chunk...)
	}
	assert.Equal(t, aux, reassembled, "aux data is a flat blob, not an archive, so chunks concatenate back exactly")
}

func TestDeconstruct_EmptyWorld(t *testing.T) {
	d := New(nil)
	desc, chunks, err := d.Deconstruct(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, desc.Files)
	assert.Empty(t, desc.AuxChunks)

	rebuilt, err := reconstruct.BuildArchive(desc.Files, chunks)
	require.NoError(t, err)
	assert.Equal(t, int64(len(rebuilt)), desc.WorldSize)
}
