package serverside

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/fadenfire/factorio-cacher/internal/tunnel"
	"github.com/fadenfire/factorio-cacher/internal/worldmodel"
)

// serveWorld sends the WorldReadyMessage announcing a finalized world
// over st, then answers RequestChunksMessages from the in-memory chunk
// table until the peer closes the stream.
func serveWorld(st io.ReadWriter, fw *finalizedWorld, logger *zap.Logger) error {
	if err := tunnel.WriteMessage(st, fw.ready.Encode()); err != nil {
		return fmt.Errorf("serverside: write world-ready message: %w", err)
	}

	br := tunnel.NewBufferedReader(st)
	for {
		reqBytes, err := tunnel.ReadMessage(br)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("serverside: read chunk request: %w", err)
		}

		req, err := tunnel.DecodeRequestChunksMessage(reqBytes)
		if err != nil {
			return fmt.Errorf("serverside: decode chunk request: %w", err)
		}

		chunks := make([]worldmodel.Chunk, len(req.RequestedChunks))
		for i, key := range req.RequestedChunks {
			chunk, ok := fw.chunks[key]
			if !ok {
				return fmt.Errorf("serverside: requested chunk %s not present in finalized world", key)
			}
			chunks[i] = chunk
		}

		if err := tunnel.WriteMessage(st, tunnel.SendChunksMessage{Chunks: chunks}.Encode()); err != nil {
			return fmt.Errorf("serverside: write chunk response: %w", err)
		}
		logger.Debug("served chunk batch", zap.Int("count", len(chunks)))
	}
}
