// Package chunker produces deterministic content-defined chunk
// boundaries over a byte buffer using a Rabin-style rolling hash.
//
// Boundaries depend only on local content, never on a buffer's position
// within a larger stream, so edits localized to one region of a world
// snapshot change only a bounded number of chunks between successive
// snapshots.
package chunker

import (
	"fmt"
	"io"

	resticchunker "github.com/restic/chunker"
)

// Default boundary parameters (bytes): 2KiB minimum, 16KiB target,
// 64KiB maximum. Only the minimum and maximum are passed to the
// underlying chunker; DefaultTargetSize is not applied. No split mask is
// set here, so the library's default mask (about 1MiB average chunk
// size) decides content-defined cuts, and with a 64KiB maximum most
// boundaries are forced at the maximum size.
const (
	DefaultMinSize = 2 * 1024
	DefaultTargetSize = 16 * 1024
	DefaultMaxSize = 64 * 1024
)

// pol is a fixed irreducible polynomial used for every chunker instance
// in the process. Using a fixed polynomial (rather than
// resticchunker.RandomPolynomial, which the teacher's FastCDCChunker
// uses for per-instance randomization) is required here: the server and
// client proxies must derive identical boundaries for identical bytes
// without exchanging the polynomial out of band.
const pol = resticchunker.Pol(0x3DA3358B4DC173)

// Span is one chunk's extent within a buffer.
type Span struct {
	Offset int
	Length int
}

// Chunker holds the boundary parameters for a chunking pass.
type Chunker struct {
	minSize int
	maxSize int
}

// New creates a Chunker with explicit boundary sizes.
func New(minSize, maxSize int) (*Chunker, error) {
	if minSize <= 0 || maxSize <= 0 || minSize > maxSize {
		return nil, fmt.Errorf("chunker: invalid bounds min=%d max=%d", minSize, maxSize)
	}
	return &Chunker{minSize: minSize, maxSize: maxSize}, nil
}

// Default creates a Chunker using the package's default boundary sizes.
func Default() *Chunker {
	c, err := New(DefaultMinSize, DefaultMaxSize)
	if err != nil {
		panic(err)
	}
	return c
}

// Iterator pulls chunk boundaries out of a single byte buffer in order.
// It holds no goroutines and no buffering beyond the library's internal
// scan window, matching spec's "lazy boundary stream" pull-iterator
// contract.
type Iterator struct {
	data   []byte
	cs     *resticchunker.Chunker
	buf    []byte
	offset int
	done   bool
}

// Iterate returns a pull iterator over data. The iterator does not copy
// data; returned Spans index into the same slice passed in.
func (c *Chunker) Iterate(data []byte) *Iterator {
	return &Iterator{
		data: data,
		cs:   resticchunker.NewWithBoundaries(newByteReader(data), pol, uint(c.minSize), uint(c.maxSize)),
		buf:  make([]byte, c.maxSize),
	}
}

// Next returns the next chunk span, or io.EOF once the buffer is
// exhausted. Every length is within [minSize, maxSize] except possibly
// the final span.
func (it *Iterator) Next() (Span, error) {
	if it.done {
		return Span{}, io.EOF
	}

	chunk, err := it.cs.Next(it.buf)
	if err == io.EOF {
		it.done = true
		return Span{}, io.EOF
	}
	if err != nil {
		return Span{}, fmt.Errorf("chunker: split failed at offset %d: %w", it.offset, err)
	}

	span := Span{Offset: it.offset, Length: int(chunk.Length)}
	it.offset += int(chunk.Length)
	return span, nil
}

// Split runs the iterator to completion and returns every span. Spans
// cover data exactly: concatenating data[s.Offset:s.Offset+s.Length] for
// every span in order reproduces data.
func (c *Chunker) Split(data []byte) ([]Span, error) {
	if len(data) == 0 {
		return nil, nil
	}

	it := c.Iterate(data)
	var spans []Span
	for {
		span, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		spans = append(spans, span)
	}
	return spans, nil
}

// newByteReader adapts a []byte to io.Reader, matching the teacher's
// crypto.byteReader helper.
func newByteReader(data []byte) io.Reader {
	return &sliceReader{data: data}
}

type sliceReader struct {
	data []byte
	pos  int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
