// Package gameproto recognizes the minimal slice of the game's own wire
// protocol the proxies need: packet-type headers, the block-transfer
// request/response pair used to pull the world archive off the real
// game server, and the world-ready announcement embedded in a
// server-to-client heartbeat. Anything beyond that is out of scope and
// is forwarded by the proxies without being parsed.
package gameproto

import (
	"encoding/binary"
	"fmt"
)

// TransferBlockSize is the fixed payload size of one TransferBlock,
// matching the game's own block-transfer chunking.
const TransferBlockSize = 503

// PacketType identifies the handful of packet kinds the proxies act on.
type PacketType byte

const (
	PacketTypeServerToClientHeartbeat PacketType = 0x01
	PacketTypeTransferBlockRequest    PacketType = 0x52
	PacketTypeTransferBlock           PacketType = 0x53
)

// Header is the one-byte packet-type tag every recognized packet
// starts with.
type Header struct {
	Type PacketType
}

// DecodeHeader reads the packet-type byte and returns the remaining
// message body.
func DecodeHeader(data []byte) (Header, []byte, error) {
	if len(data) < 1 {
		return Header{}, nil, fmt.Errorf("gameproto: packet too short for header")
	}
	return Header{Type: PacketType(data[0])}, data[1:], nil
}

// TransferBlockRequest asks the game server for one fixed-size block of
// the world archive currently being downloaded.
type TransferBlockRequest struct {
	BlockID uint32
}

func (p TransferBlockRequest) EncodeFullPacket() []byte {
	buf := make([]byte, 5)
	buf[0] = byte(PacketTypeTransferBlockRequest)
	binary.LittleEndian.PutUint32(buf[1:], p.BlockID)
	return buf
}

func DecodeTransferBlockRequest(body []byte) (TransferBlockRequest, error) {
	if len(body) < 4 {
		return TransferBlockRequest{}, fmt.Errorf("gameproto: short TransferBlockRequest body")
	}
	return TransferBlockRequest{BlockID: binary.LittleEndian.Uint32(body)}, nil
}

// TransferBlock carries one block of the world (or aux) archive.
type TransferBlock struct {
	BlockID uint32
	Data    []byte
}

func (p TransferBlock) EncodeFullPacket() []byte {
	buf := make([]byte, 5+len(p.Data))
	buf[0] = byte(PacketTypeTransferBlock)
	binary.LittleEndian.PutUint32(buf[1:5], p.BlockID)
	copy(buf[5:], p.Data)
	return buf
}

func DecodeTransferBlock(body []byte) (TransferBlock, error) {
	if len(body) < 4 {
		return TransferBlock{}, fmt.Errorf("gameproto: short TransferBlock body")
	}
	return TransferBlock{
		BlockID: binary.LittleEndian.Uint32(body),
		Data:    append([]byte(nil), body[4:]...),
	}, nil
}

// MapReadyForDownloadData mirrors the game server's world-announcement
// record: the archive size, auxiliary-data size, and the CRC-32 the
// unmodified game client will validate against. Opaque retains every
// other field of the record verbatim so rewriting world_size/world_crc
// never disturbs fields this proxy doesn't interpret.
type MapReadyForDownloadData struct {
	WorldSize uint64
	AuxSize   uint64
	WorldCRC  uint32
	Opaque    []byte
}

// Encode produces a byte-exact, deterministic encoding: two
// MapReadyForDownloadData values with equal fields always encode
// identically, which is what lets the server proxy locate and replace
// the old announcement inside an already-captured packet by a byte
// search rather than a structural re-parse.
func (m MapReadyForDownloadData) Encode() []byte {
	buf := make([]byte, 0, 8+8+4+4+len(m.Opaque))
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], m.WorldSize)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], m.AuxSize)
	buf = append(buf, tmp[:]...)
	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], m.WorldCRC)
	buf = append(buf, tmp4[:]...)
	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(m.Opaque)))
	buf = append(buf, tmp4[:]...)
	buf = append(buf, m.Opaque...)
	return buf
}

func DecodeMapReadyForDownloadData(data []byte) (MapReadyForDownloadData, int, error) {
	var m MapReadyForDownloadData
	if len(data) < 24 {
		return m, 0, fmt.Errorf("gameproto: short MapReadyForDownloadData")
	}
	m.WorldSize = binary.LittleEndian.Uint64(data[0:8])
	m.AuxSize = binary.LittleEndian.Uint64(data[8:16])
	m.WorldCRC = binary.LittleEndian.Uint32(data[16:20])
	opaqueLen := binary.LittleEndian.Uint32(data[20:24])
	if uint32(len(data)-24) < opaqueLen {
		return m, 0, fmt.Errorf("gameproto: truncated MapReadyForDownloadData opaque region")
	}
	m.Opaque = append([]byte(nil), data[24:24+opaqueLen]...)
	return m, 24 + int(opaqueLen), nil
}

// ServerToClientHeartbeat is the periodic server packet that, once per
// world transfer, carries an embedded MapReadyForDownloadData. A
// leading marker byte (1 = present, 0 = absent) distinguishes ordinary
// heartbeats from the one that announces a new world.
type ServerToClientHeartbeat struct {
	Body []byte
}

func DecodeServerToClientHeartbeat(body []byte) (ServerToClientHeartbeat, error) {
	return ServerToClientHeartbeat{Body: body}, nil
}

// TryDecodeMapReady extracts the embedded MapReadyForDownloadData, if
// this heartbeat carries one.
func (h ServerToClientHeartbeat) TryDecodeMapReady() (MapReadyForDownloadData, bool, error) {
	if len(h.Body) < 1 || h.Body[0] != 1 {
		return MapReadyForDownloadData{}, false, nil
	}
	m, _, err := DecodeMapReadyForDownloadData(h.Body[1:])
	if err != nil {
		return MapReadyForDownloadData{}, false, err
	}
	return m, true, nil
}
