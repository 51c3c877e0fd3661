package clientside

import (
	"sort"
	"time"

	"github.com/fadenfire/factorio-cacher/internal/gameproto"
	"github.com/fadenfire/factorio-cacher/internal/proxy"
)

// proxyState tracks one game client's view of the world download: the
// reconstructed buffer built so far and any block requests that
// arrived before the corresponding bytes did.
type proxyState struct {
	worldData         []byte
	lastBlockRequest  time.Time
	pendingRequests   map[uint32]struct{}
	worldDataDone     bool
}

func newProxyState() *proxyState {
	return &proxyState{
		lastBlockRequest: time.Now(),
		pendingRequests:  make(map[uint32]struct{}),
	}
}

// onPacketFromClient handles one inbound game-UDP packet from the real
// client. TransferBlockRequests are served locally when possible;
// everything else is forwarded to the game server over the tunnel.
func (s *proxyState) onPacketFromClient(data []byte) []proxy.Packet {
	var out []proxy.Packet

	if header, body, err := gameproto.DecodeHeader(data); err == nil && header.Type == gameproto.PacketTypeTransferBlockRequest {
		if req, err := gameproto.DecodeTransferBlockRequest(body); err == nil {
			if resp, ok := s.tryFulfillBlockRequest(req.BlockID); ok {
				out = append(out, proxy.Packet{Data: resp.EncodeFullPacket(), Dir: proxy.ToClient})
			} else {
				s.pendingRequests[req.BlockID] = struct{}{}
			}
			s.lastBlockRequest = time.Now()
			return out
		}
	}

	if len(s.worldData) > 0 && s.worldDataDone && time.Since(s.lastBlockRequest) > proxy.WorldDataTimeout {
		s.worldData = nil
	}

	out = append(out, proxy.Packet{Data: data, Dir: proxy.ToServer})
	return out
}

// onNewWorldData appends a freshly-reconstructed slice of the world
// buffer and re-attempts every pending block request against it.
func (s *proxyState) onNewWorldData(data []byte) []proxy.Packet {
	s.worldData = append(s.worldData, data...)

	var out []proxy.Packet
	stillPending := make(map[uint32]struct{})
	for _, blockID := range sortedUint32s(s.pendingRequests) {
		if resp, ok := s.tryFulfillBlockRequest(blockID); ok {
			out = append(out, proxy.Packet{Data: resp.EncodeFullPacket(), Dir: proxy.ToClient})
		} else {
			stillPending[blockID] = struct{}{}
		}
	}
	s.pendingRequests = stillPending
	s.lastBlockRequest = time.Now()
	return out
}

// onWorldDataDone marks that no further world data will arrive.
func (s *proxyState) onWorldDataDone() {
	s.worldDataDone = true
	s.lastBlockRequest = time.Now()
}

func (s *proxyState) tryFulfillBlockRequest(blockID uint32) (gameproto.TransferBlock, bool) {
	offset := int(blockID) * gameproto.TransferBlockSize
	if offset+gameproto.TransferBlockSize <= len(s.worldData) {
		return gameproto.TransferBlock{
			BlockID: blockID,
			Data:    s.worldData[offset : offset+gameproto.TransferBlockSize],
		}, true
	}
	return gameproto.TransferBlock{}, false
}

func sortedUint32s(m map[uint32]struct{}) []uint32 {
	out := make([]uint32, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
