package clientside

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/fadenfire/factorio-cacher/internal/cache"
	"github.com/fadenfire/factorio-cacher/internal/chunkkey"
	"github.com/fadenfire/factorio-cacher/internal/metrics"
	"github.com/fadenfire/factorio-cacher/internal/reconstruct"
	"github.com/fadenfire/factorio-cacher/internal/tunnel"
	"github.com/fadenfire/factorio-cacher/internal/worldmodel"
)

// chunkBatchSize bounds how many missing chunks are requested from the
// server proxy in a single RequestChunksMessage round trip.
const chunkBatchSize = 512

// transferWorldData runs for the lifetime of one world download: it
// reads the WorldReadyMessage announcing the deduplicated manifest,
// reconstructs every file by pulling missing chunks through the
// persistent cache (and, failing that, the tunnel stream itself), and
// streams each file's freshly produced bytes into worldDataCh as soon
// as it's ready. worldDataCh is closed once the whole archive (plus its
// CRC-patched tail) has been sent.
func transferWorldData(st io.ReadWriter, chunkCache *cache.ChunkCache, worldDataCh chan<- []byte, logger *zap.Logger) error {
	defer close(worldDataCh)

	br := tunnel.NewBufferedReader(st)

	readyBytes, err := tunnel.ReadMessage(br)
	if err != nil {
		return fmt.Errorf("clientside: read world-ready message: %w", err)
	}
	ready, err := tunnel.DecodeWorldReadyMessage(readyBytes)
	if err != nil {
		return fmt.Errorf("clientside: decode world-ready message: %w", err)
	}

	var remaining []chunkkey.Key
	for _, fd := range ready.World.Files {
		remaining = append(remaining, fd.ContentChunks...)
	}
	remaining = append(remaining, ready.World.AuxChunks...)

	local := make(map[chunkkey.Key]worldmodel.Chunk)
	reconstructor := reconstruct.New()
	var resolveStats resolveStats

	for _, fd := range ready.World.Files {
		for {
			data, err := reconstructor.ReconstructFile(fd, local)
			if err == nil {
				if len(data) > 0 {
					worldDataCh <- data
				}
				break
			}

			if _, ok := reconstruct.AsNeedChunks(err); !ok {
				return fmt.Errorf("clientside: reconstruct %q: %w", fd.Name, err)
			}

			if err := resolveNextBatch(st, br, chunkCache, &remaining, local, &resolveStats); err != nil {
				return fmt.Errorf("clientside: resolve chunks for %q: %w", fd.Name, err)
			}
		}
	}

	tail, err := reconstructor.FinalizeWorld(ready.NewInfo.WorldSize, ready.NewInfo.WorldCRC)
	if err != nil {
		return fmt.Errorf("clientside: finalize world: %w", err)
	}
	if len(tail) > 0 {
		worldDataCh <- tail
	}

	// The auxiliary blob (mod/scenario archive) is not itself an
	// archive and was never recompressed, so its chunks are simply
	// concatenated back in order once they're all resolved locally.
	var auxData []byte
	for {
		data, err := reconstruct.CollectChunks(ready.World.AuxChunks, local)
		if err == nil {
			auxData = data
			break
		}
		if _, ok := reconstruct.AsNeedChunks(err); !ok {
			return fmt.Errorf("clientside: reconstruct aux data: %w", err)
		}
		if err := resolveNextBatch(st, br, chunkCache, &remaining, local, &resolveStats); err != nil {
			return fmt.Errorf("clientside: resolve chunks for aux data: %w", err)
		}
	}
	if len(auxData) > 0 {
		worldDataCh <- auxData
	}

	chunkCache.MarkDirty()
	if resolveStats.requested > 0 {
		metrics.RecordDedupRatio(1 - float64(resolveStats.fetchedOverTunnel)/float64(resolveStats.requested))
	}

	logger.Info("world transfer complete",
		zap.Int("files", len(ready.World.Files)),
		zap.Int64("world_size", ready.NewInfo.WorldSize),
		zap.Int64("aux_size", int64(len(auxData))))
	return nil
}

// resolveStats tallies, across every resolveNextBatch call in one world
// transfer, how many chunks were asked for in total versus how many
// actually had to be pulled over the tunnel rather than being already
// present in the persistent cache.
type resolveStats struct {
	requested         int
	fetchedOverTunnel int
}

// resolveNextBatch pulls the next batch of not-yet-resolved keys out of
// remaining, checks the persistent cache for them, and requests
// whatever's still missing from the peer over st. Every returned chunk
// is verified against its content key before being trusted.
func resolveNextBatch(st io.Writer, br io.Reader, chunkCache *cache.ChunkCache, remaining *[]chunkkey.Key, local map[chunkkey.Key]worldmodel.Chunk, stats *resolveStats) error {
	batchKeys := nextBatch(remaining, local, chunkBatchSize)
	if len(batchKeys) == 0 {
		return fmt.Errorf("clientside: no resolvable keys remain for an outstanding NeedChunksError")
	}
	stats.requested += len(batchKeys)

	batch := chunkCache.NewBatch(batchKeys)

	var fetched map[chunkkey.Key]worldmodel.Chunk
	if owned := batch.BatchKeys(); len(owned) > 0 {
		stats.fetchedOverTunnel += len(owned)
		req := tunnel.RequestChunksMessage{RequestedChunks: owned}
		if err := tunnel.WriteMessage(st, req.Encode()); err != nil {
			return fmt.Errorf("send chunk request: %w", err)
		}
		respBytes, err := tunnel.ReadMessage(br)
		if err != nil {
			return fmt.Errorf("read chunk response: %w", err)
		}
		resp, err := tunnel.DecodeSendChunksMessage(respBytes)
		if err != nil {
			return fmt.Errorf("decode chunk response: %w", err)
		}
		if len(resp.Chunks) != len(owned) {
			return fmt.Errorf("peer returned %d chunks for %d requested", len(resp.Chunks), len(owned))
		}

		fetched = make(map[chunkkey.Key]worldmodel.Chunk, len(owned))
		for i, key := range owned {
			chunk := resp.Chunks[i]
			if chunkkey.Sum(chunk) != key {
				return fmt.Errorf("chunk %s failed integrity check", key)
			}
			fetched[key] = chunk
		}
	}

	result, missing := batch.Fulfill(fetched)
	if len(missing) > 0 {
		return fmt.Errorf("%d chunk(s) unresolved after fulfill", len(missing))
	}
	for k, v := range result {
		local[k] = v
	}
	return nil
}

// nextBatch pops up to n keys from the front of remaining that aren't
// already resolved in local, compacting remaining in place.
func nextBatch(remaining *[]chunkkey.Key, local map[chunkkey.Key]worldmodel.Chunk, n int) []chunkkey.Key {
	var batch []chunkkey.Key
	kept := (*remaining)[:0]
	for _, k := range *remaining {
		if len(batch) >= n {
			kept = append(kept, k)
			continue
		}
		if _, ok := local[k]; ok {
			continue
		}
		batch = append(batch, k)
	}
	*remaining = kept
	return batch
}
