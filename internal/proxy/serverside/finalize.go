package serverside

import (
	"context"
	"fmt"
	"sort"

	"github.com/fadenfire/factorio-cacher/internal/chunker"
	"github.com/fadenfire/factorio-cacher/internal/chunkkey"
	"github.com/fadenfire/factorio-cacher/internal/dedup"
	"github.com/fadenfire/factorio-cacher/internal/gameproto"
	"github.com/fadenfire/factorio-cacher/internal/proxy"
	"github.com/fadenfire/factorio-cacher/internal/tunnel"
	"github.com/fadenfire/factorio-cacher/internal/workerpool"
	"github.com/fadenfire/factorio-cacher/internal/worldmodel"
)

// finalizedWorld is what finalizeWorld hands back: the manifest ready
// to announce over the tunnel and the in-memory chunk table the
// chunk-serving stream answers RequestChunksMessages from.
type finalizedWorld struct {
	ready   tunnel.WorldReadyMessage
	chunks  map[chunkkey.Key]worldmodel.Chunk
	oldInfo gameproto.MapReadyForDownloadData
	newInfo gameproto.MapReadyForDownloadData
}

// finalizeWorld concatenates every received block in order, splits it
// back into world and auxiliary data, and runs content-defined chunking
// off the network task (deduplication is CPU-bound and must not block
// packet relay for any other peer sharing the worker pool).
func finalizeWorld(ctx context.Context, pool *workerpool.Pool, ds *downloadingState) (*finalizedWorld, error) {
	var result *finalizedWorld
	err := pool.Submit(ctx, func() error {
		fw, err := buildFinalizedWorld(ds)
		if err != nil {
			return err
		}
		result = fw
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func buildFinalizedWorld(ds *downloadingState) (*finalizedWorld, error) {
	ids := make([]uint32, 0, len(ds.receivedBlocks))
	for id := range ds.receivedBlocks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) != ds.totalBlockCount {
		return nil, fmt.Errorf("serverside: finalize called with %d/%d blocks received", len(ids), ds.totalBlockCount)
	}

	var all []byte
	for _, id := range ids {
		all = append(all, ds.receivedBlocks[id]...)
	}

	auxOffset := ds.worldBlockCount * blockSize
	if auxOffset > len(all) {
		return nil, fmt.Errorf("serverside: assembled block data shorter than world portion")
	}
	worldData := all[:auxOffset]
	auxData := all[auxOffset:]

	if uint64(len(worldData)) > ds.worldInfo.WorldSize {
		worldData = worldData[:ds.worldInfo.WorldSize]
	}
	if uint64(len(auxData)) > ds.worldInfo.AuxSize {
		auxData = auxData[:ds.worldInfo.AuxSize]
	}

	deduper := dedup.New(chunker.Default())
	description, chunks, err := deduper.Deconstruct(worldData, auxData)
	if err != nil {
		return nil, fmt.Errorf("serverside: deduplicate world: %w", err)
	}

	// description.WorldSize/ReconstructedCRC describe the archive the
	// reconstructor will actually produce from this manifest, which is
	// what the client needs to advertise to the game, not a measurement
	// of the raw bytes this proxy happened to receive.
	newInfo := gameproto.MapReadyForDownloadData{
		WorldSize: uint64(description.WorldSize),
		AuxSize:   ds.worldInfo.AuxSize,
		WorldCRC:  description.ReconstructedCRC,
		Opaque:    ds.worldInfo.Opaque,
	}

	ready := tunnel.WorldReadyMessage{
		World: description,
		OldInfo: worldmodel.MapReadyInfo{
			WorldSize: int64(ds.worldInfo.WorldSize),
			AuxSize:   int64(ds.worldInfo.AuxSize),
			WorldCRC:  ds.worldInfo.WorldCRC,
			Opaque:    ds.worldInfo.Opaque,
		},
		NewInfo: worldmodel.MapReadyInfo{
			WorldSize: int64(newInfo.WorldSize),
			AuxSize:   int64(newInfo.AuxSize),
			WorldCRC:  newInfo.WorldCRC,
			Opaque:    newInfo.Opaque,
		},
	}

	return &finalizedWorld{
		ready:   ready,
		chunks:  chunks,
		oldInfo: ds.worldInfo,
		newInfo: newInfo,
	}, nil
}

// finalizeAndTransition runs finalizeWorld, installs the persistent
// rewriter that will keep translating the old MapReadyForDownloadData
// encoding to the new one for the rest of this peer's life, and returns
// every held packet (the announcing heartbeat plus every non-block
// packet received while downloading), rewritten and ready to forward.
func finalizeAndTransition(ctx context.Context, pool *workerpool.Pool, state *proxyState) ([]proxy.Packet, error) {
	ds := state.downloading
	fw, err := finalizeWorld(ctx, pool, ds)
	if err != nil {
		return nil, err
	}

	state.finalized = fw
	state.rewriteOld = fw.oldInfo.Encode()
	state.rewriteNew = fw.newInfo.Encode()
	state.phase = phaseDone

	held := ds.heldPackets
	state.downloading = nil

	out := make([]proxy.Packet, 0, len(held))
	for _, pkt := range held {
		out = append(out, proxy.Packet{Data: state.rewrite(pkt), Dir: proxy.ToClient})
	}
	return out, nil
}
