package chunker

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"
)

func TestSplit_ReproducesInput(t *testing.T) {
	c, err := New(512, 2048)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data := make([]byte, 100*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	spans, err := c.Split(data)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(spans) < 2 {
		t.Fatalf("expected multiple spans for 100KiB input, got %d", len(spans))
	}

	var reassembled []byte
	offset := 0
	for i, s := range spans {
		if s.Offset != offset {
			t.Fatalf("span %d offset = %d, want %d", i, s.Offset, offset)
		}
		if i != len(spans)-1 && (s.Length < 512 || s.Length > 2048) {
			t.Errorf("span %d length %d out of bounds [512,2048]", i, s.Length)
		}
		reassembled = append(reassembled, data[s.Offset:s.Offset+s.Length]...)
		offset += s.Length
	}

	if !bytes.Equal(reassembled, data) {
		t.Error("reassembled data does not match input")
	}
}

func TestSplit_Deterministic(t *testing.T) {
	c := Default()

	data := make([]byte, 256*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	first, err := c.Split(data)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	second, err := c.Split(data)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("span count differs across runs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("span %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestSplit_BoundaryLocality(t *testing.T) {
	c, err := New(256, 1024)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	base := make([]byte, 64*1024)
	if _, err := rand.Read(base); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	edited := append([]byte(nil), base...)
	copy(edited[32*1024:32*1024+1024], bytes.Repeat([]byte{0xAB}, 1024))

	baseSpans, err := c.Split(base)
	if err != nil {
		t.Fatalf("Split base: %v", err)
	}
	editedSpans, err := c.Split(edited)
	if err != nil {
		t.Fatalf("Split edited: %v", err)
	}

	changed := 0
	for i := 0; i < len(baseSpans) && i < len(editedSpans); i++ {
		if baseSpans[i] != editedSpans[i] {
			changed++
		}
	}
	// A localized 1KiB edit should not rewrite every chunk boundary.
	if changed == len(baseSpans) {
		t.Error("expected boundary locality: localized edit changed every span")
	}
}

func TestSplit_Empty(t *testing.T) {
	c := Default()
	spans, err := c.Split(nil)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(spans) != 0 {
		t.Errorf("expected no spans for empty input, got %d", len(spans))
	}
}

func TestSplit_SmallerThanMin(t *testing.T) {
	c, err := New(4096, 16384)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data := []byte("hello, factorio")
	spans, err := c.Split(data)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(spans) != 1 {
		t.Fatalf("expected a single span for small input, got %d", len(spans))
	}
	if spans[0].Length != len(data) {
		t.Errorf("span length = %d, want %d", spans[0].Length, len(data))
	}
}

func TestIterator_MatchesSplit(t *testing.T) {
	c, err := New(512, 4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data := make([]byte, 50*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	want, err := c.Split(data)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	it := c.Iterate(data)
	var got []Span
	for {
		span, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, span)
	}

	if len(got) != len(want) {
		t.Fatalf("iterator produced %d spans, Split produced %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("span %d: iterator %+v != split %+v", i, got[i], want[i])
		}
	}
}
