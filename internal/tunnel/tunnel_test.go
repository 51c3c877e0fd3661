package tunnel

import (
	"bytes"
	"testing"
	"time"

	"github.com/fadenfire/factorio-cacher/internal/chunkkey"
	"github.com/fadenfire/factorio-cacher/internal/worldmodel"
)

func TestDatagram_RoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	encoded := EncodeDatagram(42, payload)

	peerID, decoded, err := DecodeDatagram(encoded)
	if err != nil {
		t.Fatalf("DecodeDatagram: %v", err)
	}
	if peerID != 42 {
		t.Errorf("peerID = %d, want 42", peerID)
	}
	if !bytes.Equal(decoded, payload) {
		t.Errorf("payload = %v, want %v", decoded, payload)
	}
}

func TestDatagram_LargePeerID(t *testing.T) {
	encoded := EncodeDatagram(1<<30, []byte("hello"))
	peerID, payload, err := DecodeDatagram(encoded)
	if err != nil {
		t.Fatalf("DecodeDatagram: %v", err)
	}
	if peerID != 1<<30 {
		t.Errorf("peerID = %d, want %d", peerID, 1<<30)
	}
	if string(payload) != "hello" {
		t.Errorf("payload = %q, want hello", payload)
	}
}

func TestStreamPreamble_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteStreamPreamble(&buf, 99); err != nil {
		t.Fatalf("WriteStreamPreamble: %v", err)
	}
	got, err := ReadStreamPreamble(&buf)
	if err != nil {
		t.Fatalf("ReadStreamPreamble: %v", err)
	}
	if got != 99 {
		t.Errorf("peerID = %d, want 99", got)
	}
}

func TestMessage_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{[]byte("first"), []byte(""), bytes.Repeat([]byte{0xFF}, 10000)}

	for _, p := range payloads {
		if err := WriteMessage(&buf, p); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
	}

	for i, want := range payloads {
		got, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("ReadMessage %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("message %d = %v, want %v", i, got, want)
		}
	}
}

func TestMessage_OversizeRejected(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	putUint32(hdr[:], MaxMessageSize+1)
	buf.Write(hdr[:])

	if _, err := ReadMessage(&buf); err == nil {
		t.Error("expected error for oversize message length")
	}
}

func makeKey(b byte) chunkkey.Key {
	var k chunkkey.Key
	for i := range k {
		k[i] = b
	}
	return k
}

func TestWorldReadyMessage_RoundTrip(t *testing.T) {
	modTime := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	msg := WorldReadyMessage{
		World: worldmodel.WorldDescription{
			Files: []worldmodel.FileDescriptor{
				{Name: "level.dat", Length: 12345, Method: 8, CRC32: 0xDEADBEEF, Modified: modTime, ContentChunks: []chunkkey.Key{makeKey(1), makeKey(2)}},
				{Name: "control.lua", Length: 10, ContentChunks: []chunkkey.Key{makeKey(3)}},
			},
			AuxChunks:         []chunkkey.Key{makeKey(4), makeKey(5)},
			AuxLength:         2048,
			OriginalWorldSize: 99999,
			WorldSize:         54321,
			ReconstructedCRC:  0xABCDEF01,
		},
		OldInfo: worldmodel.MapReadyInfo{WorldSize: 99999, AuxSize: 512, WorldCRC: 0x11111111, Opaque: []byte{9, 9, 9}},
		NewInfo: worldmodel.MapReadyInfo{WorldSize: 54321, AuxSize: 512, WorldCRC: 0xABCDEF01, Opaque: []byte{9, 9, 9}},
	}

	decoded, err := DecodeWorldReadyMessage(msg.Encode())
	if err != nil {
		t.Fatalf("DecodeWorldReadyMessage: %v", err)
	}

	if len(decoded.World.Files) != 2 {
		t.Fatalf("got %d files, want 2", len(decoded.World.Files))
	}
	if decoded.World.Files[0].Name != "level.dat" || decoded.World.Files[0].Length != 12345 {
		t.Errorf("file[0] = %+v", decoded.World.Files[0])
	}
	if decoded.World.Files[0].Method != 8 || decoded.World.Files[0].CRC32 != 0xDEADBEEF {
		t.Errorf("file[0] method/crc = %+v", decoded.World.Files[0])
	}
	if !decoded.World.Files[0].Modified.Equal(modTime) {
		t.Errorf("file[0] modified = %v, want %v", decoded.World.Files[0].Modified, modTime)
	}
	if len(decoded.World.Files[0].ContentChunks) != 2 || decoded.World.Files[0].ContentChunks[1] != makeKey(2) {
		t.Errorf("file[0] chunks = %v", decoded.World.Files[0].ContentChunks)
	}
	if len(decoded.World.AuxChunks) != 2 || decoded.World.AuxChunks[1] != makeKey(5) {
		t.Errorf("aux chunks = %v", decoded.World.AuxChunks)
	}
	if decoded.World.AuxLength != 2048 {
		t.Errorf("aux length = %d, want 2048", decoded.World.AuxLength)
	}
	if decoded.World.ReconstructedCRC != 0xABCDEF01 {
		t.Errorf("reconstructed crc = %#x", decoded.World.ReconstructedCRC)
	}
	if decoded.NewInfo.WorldCRC != 0xABCDEF01 || !bytes.Equal(decoded.NewInfo.Opaque, []byte{9, 9, 9}) {
		t.Errorf("new info = %+v", decoded.NewInfo)
	}
}

func TestRequestChunksMessage_RoundTrip(t *testing.T) {
	msg := RequestChunksMessage{RequestedChunks: []chunkkey.Key{makeKey(1), makeKey(2), makeKey(3)}}
	decoded, err := DecodeRequestChunksMessage(msg.Encode())
	if err != nil {
		t.Fatalf("DecodeRequestChunksMessage: %v", err)
	}
	if len(decoded.RequestedChunks) != 3 {
		t.Fatalf("got %d keys, want 3", len(decoded.RequestedChunks))
	}
}

func TestSendChunksMessage_RoundTrip(t *testing.T) {
	msg := SendChunksMessage{Chunks: []worldmodel.Chunk{
		[]byte("chunk-one"),
		[]byte(""),
		bytes.Repeat([]byte{0x42}, 5000),
	}}
	decoded, err := DecodeSendChunksMessage(msg.Encode())
	if err != nil {
		t.Fatalf("DecodeSendChunksMessage: %v", err)
	}
	if len(decoded.Chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(decoded.Chunks))
	}
	if string(decoded.Chunks[0]) != "chunk-one" {
		t.Errorf("chunk[0] = %q", decoded.Chunks[0])
	}
	if !bytes.Equal(decoded.Chunks[2], bytes.Repeat([]byte{0x42}, 5000)) {
		t.Error("chunk[2] mismatch")
	}
}
