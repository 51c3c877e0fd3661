package serverside

import (
	"bytes"
	"sort"
	"time"

	"github.com/fadenfire/factorio-cacher/internal/gameproto"
	"github.com/fadenfire/factorio-cacher/internal/metrics"
	"github.com/fadenfire/factorio-cacher/internal/proxy"
)

// phaseKind is the server-side peer's coarse state: whether it's still
// watching for the world announcement, actively pulling every block of
// the world archive off the real game server, or done and just
// relaying traffic (with the rewritten announcement applied).
type phaseKind int

const (
	phaseWaitingForWorld phaseKind = iota
	phaseDownloadingWorld
	phaseDone
)

// downloadingState tracks one in-progress world pull: which blocks have
// arrived, which are queued or currently in flight, and the held
// packets: the announcing heartbeat plus every non-block packet the
// game server sent while the download was running.
type downloadingState struct {
	worldInfo         gameproto.MapReadyForDownloadData
	worldBlockCount   int
	totalBlockCount   int
	downloadStart     time.Time
	heldPackets       [][]byte
	receivedBlocks    map[uint32][]byte
	blockRequestQueue map[uint32]struct{}
	inflight          map[uint32]struct{}
	lastBlockTime     time.Time
}

// proxyState is the full per-peer state machine driving the server
// side of a world transfer.
type proxyState struct {
	phase       phaseKind
	downloading *downloadingState

	// rewriteOld/rewriteNew hold the byte-exact MapReadyForDownloadData
	// encodings once a world has been finalized. Every outgoing packet
	// for the remainder of this peer's life is scanned for rewriteOld
	// and has it replaced with rewriteNew, since the real game server
	// may re-announce the same record in packets that arrive after the
	// ones captured during the WaitingForWorld -> DownloadingWorld
	// transition.
	rewriteOld []byte
	rewriteNew []byte

	// finalized holds the deduplicated world once finalizeAndTransition
	// has run, so a tunnel stream that arrives after finalization can
	// still be served immediately instead of being lost.
	finalized *finalizedWorld
}

func newProxyState() *proxyState {
	return &proxyState{phase: phaseWaitingForWorld}
}

// blockSize returns the fixed payload size of one transfer block.
const blockSize = gameproto.TransferBlockSize

func blockCount(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + blockSize - 1) / blockSize)
}

// onPacketFromServer processes one UDP packet received from the real
// game server, returning the packets to forward to the client (after
// phase-appropriate handling) and whether a world is now ready to
// finalize.
func (s *proxyState) onPacketFromServer(data []byte) (toClient []proxy.Packet, readyToFinalize bool) {
	switch s.phase {
	case phaseWaitingForWorld:
		return s.onPacketWaitingForWorld(data)
	case phaseDownloadingWorld:
		return s.onPacketDownloading(data)
	default: // phaseDone
		return []proxy.Packet{{Data: s.rewrite(data), Dir: proxy.ToClient}}, false
	}
}

func (s *proxyState) onPacketWaitingForWorld(data []byte) ([]proxy.Packet, bool) {
	header, body, err := gameproto.DecodeHeader(data)
	if err != nil || header.Type != gameproto.PacketTypeServerToClientHeartbeat {
		return []proxy.Packet{{Data: data, Dir: proxy.ToClient}}, false
	}

	hb, err := gameproto.DecodeServerToClientHeartbeat(body)
	if err != nil {
		return []proxy.Packet{{Data: data, Dir: proxy.ToClient}}, false
	}

	info, ok, err := hb.TryDecodeMapReady()
	if err != nil || !ok {
		return []proxy.Packet{{Data: data, Dir: proxy.ToClient}}, false
	}

	worldBlocks := blockCount(int64(info.WorldSize))
	auxBlocks := blockCount(int64(info.AuxSize))
	total := worldBlocks + auxBlocks

	ds := &downloadingState{
		worldInfo:         info,
		worldBlockCount:   worldBlocks,
		totalBlockCount:   total,
		downloadStart:     time.Now(),
		heldPackets:       [][]byte{append([]byte(nil), data...)},
		receivedBlocks:    make(map[uint32][]byte, total),
		blockRequestQueue: make(map[uint32]struct{}, total),
		inflight:          make(map[uint32]struct{}, proxy.InflightBlockRequestLimit),
		lastBlockTime:     time.Now(),
	}
	for i := 0; i < total; i++ {
		ds.blockRequestQueue[uint32(i)] = struct{}{}
	}

	s.phase = phaseDownloadingWorld
	s.downloading = ds
	return nil, false
}

func (s *proxyState) onPacketDownloading(data []byte) ([]proxy.Packet, bool) {
	ds := s.downloading

	header, body, err := gameproto.DecodeHeader(data)
	if err == nil && header.Type == gameproto.PacketTypeTransferBlock {
		if block, err := gameproto.DecodeTransferBlock(body); err == nil {
			_, queued := ds.blockRequestQueue[block.BlockID]
			_, flight := ds.inflight[block.BlockID]
			if queued || flight {
				ds.receivedBlocks[block.BlockID] = block.Data
				delete(ds.blockRequestQueue, block.BlockID)
				delete(ds.inflight, block.BlockID)
				ds.lastBlockTime = time.Now()
				return nil, len(ds.blockRequestQueue) == 0 && len(ds.inflight) == 0
			}
		}
	}

	ds.heldPackets = append(ds.heldPackets, append([]byte(nil), data...))
	return nil, false
}

// requestNextBlocks tops up the in-flight window up to
// proxy.InflightBlockRequestLimit and, if the downloader has stalled
// for longer than proxy.StallRecoveryThreshold, re-sends every
// currently in-flight request as well.
func (s *proxyState) requestNextBlocks() []proxy.Packet {
	ds := s.downloading
	var out []proxy.Packet

	stalled := time.Since(ds.lastBlockTime) > proxy.StallRecoveryThreshold
	if stalled {
		for _, id := range sortedUint32Set(ds.inflight) {
			out = append(out, proxy.Packet{
				Data: gameproto.TransferBlockRequest{BlockID: id}.EncodeFullPacket(),
				Dir:  proxy.ToServer,
			})
			metrics.RecordBlockStallRetry()
		}
	}

	for len(ds.inflight) < proxy.InflightBlockRequestLimit {
		id, ok := popFirst(ds.blockRequestQueue)
		if !ok {
			break
		}
		ds.inflight[id] = struct{}{}
		out = append(out, proxy.Packet{
			Data: gameproto.TransferBlockRequest{BlockID: id}.EncodeFullPacket(),
			Dir:  proxy.ToServer,
		})
	}

	if stalled {
		ds.lastBlockTime = time.Now()
	}
	return out
}

// rewrite replaces every occurrence of the old MapReadyForDownloadData
// encoding in data with the rewritten one.
func (s *proxyState) rewrite(data []byte) []byte {
	if len(s.rewriteOld) == 0 {
		return data
	}
	return bytes.ReplaceAll(data, s.rewriteOld, s.rewriteNew)
}

func popFirst(set map[uint32]struct{}) (uint32, bool) {
	if len(set) == 0 {
		return 0, false
	}
	ids := sortedUint32Set(set)
	id := ids[0]
	delete(set, id)
	return id, true
}

func sortedUint32Set(set map[uint32]struct{}) []uint32 {
	out := make([]uint32, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
