package crc32patch

import (
	"bytes"
	"crypto/rand"
	"hash/crc32"
	"testing"
)

func TestSolve_TrailingPatch(t *testing.T) {
	buf := make([]byte, 4096)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	const target = 0xDEADBEEF
	p := len(buf) - 4
	patched, err := Patch(buf, p, target)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}

	if got := crc32.ChecksumIEEE(patched); got != target {
		t.Fatalf("patched crc = %#x, want %#x", got, target)
	}
	if !bytes.Equal(patched[:p], buf[:p]) {
		t.Error("bytes before patch position were modified")
	}
}

func TestSolve_MidBufferPatch(t *testing.T) {
	buf := make([]byte, 10000)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	const target = 0x12345678
	p := 4321
	patched, err := Patch(buf, p, target)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}

	if got := crc32.ChecksumIEEE(patched); got != target {
		t.Fatalf("patched crc = %#x, want %#x", got, target)
	}
	if !bytes.Equal(patched[:p], buf[:p]) {
		t.Error("prefix modified")
	}
	if !bytes.Equal(patched[p+4:], buf[p+4:]) {
		t.Error("suffix modified")
	}
}

func TestSolve_PatchAtStart(t *testing.T) {
	buf := make([]byte, 256)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	const target = 0x00000000
	patched, err := Patch(buf, 0, target)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if got := crc32.ChecksumIEEE(patched); got != target {
		t.Fatalf("patched crc = %#x, want %#x", got, target)
	}
}

func TestSolve_EmptyBufferExceptPatch(t *testing.T) {
	buf := make([]byte, 4)
	const target = 0xCAFEBABE
	patched, err := Patch(buf, 0, target)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if got := crc32.ChecksumIEEE(patched); got != target {
		t.Fatalf("patched crc = %#x, want %#x", got, target)
	}
}

func TestSolve_OutOfRangePosition(t *testing.T) {
	buf := make([]byte, 10)
	if _, err := Solve(buf, 8, 0); err == nil {
		t.Error("expected error for out-of-range patch position")
	}
	if _, err := Solve(buf, -1, 0); err == nil {
		t.Error("expected error for negative patch position")
	}
}

func TestSolve_Deterministic(t *testing.T) {
	buf := make([]byte, 1024)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	x1, err := Solve(buf, 500, 0x11223344)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	x2, err := Solve(buf, 500, 0x11223344)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if x1 != x2 {
		t.Errorf("solve is not deterministic: %v vs %v", x1, x2)
	}
}
