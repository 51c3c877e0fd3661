package clientside

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/fadenfire/factorio-cacher/internal/cache"
	"github.com/fadenfire/factorio-cacher/internal/metrics"
	"github.com/fadenfire/factorio-cacher/internal/proxy"
	"github.com/fadenfire/factorio-cacher/internal/tunnel"

	"github.com/quic-go/quic-go"
)

type peerTaskDeps struct {
	Socket     net.PacketConn
	Tunnel     quic.Connection
	ChunkCache *cache.ChunkCache
	Logger     *zap.Logger
}

// runPeerTask owns one game client's entire session: it opens a tunnel
// stream for the world transfer, then forwards packets in both
// directions until the peer goes idle.
func runPeerTask(ctx context.Context, deps peerTaskDeps, p *peer) {
	logger := deps.Logger

	stream, err := deps.Tunnel.OpenStreamSync(ctx)
	if err != nil {
		logger.Error("open tunnel stream failed", zap.Error(err))
		return
	}
	defer stream.Close()

	if err := tunnel.WriteStreamPreamble(stream, p.id); err != nil {
		logger.Error("write stream preamble failed", zap.Error(err))
		return
	}

	worldDataCh := make(chan []byte, proxy.UDPQueueSize)
	go func() {
		if err := transferWorldData(stream, deps.ChunkCache, worldDataCh, logger); err != nil {
			logger.Warn("world transfer ended with error", zap.Error(err))
		}
	}()

	state := newProxyState()
	worldDataClosed := false
	idle := time.NewTimer(proxy.UDPPeerIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case data, ok := <-p.fromGame:
			if !ok {
				return
			}
			resetTimer(idle, proxy.UDPPeerIdleTimeout)
			dispatch(deps, p, state.onPacketFromClient(data))

		case data, ok := <-p.fromTunnel:
			if !ok {
				return
			}
			resetTimer(idle, proxy.UDPPeerIdleTimeout)
			dispatch(deps, p, []proxy.Packet{{Data: data, Dir: proxy.ToClient}})

		case data, ok := <-worldDataCh:
			if !ok {
				if !worldDataClosed {
					worldDataClosed = true
					state.onWorldDataDone()
				}
				continue
			}
			dispatch(deps, p, state.onNewWorldData(data))

		case <-idle.C:
			logger.Info("peer idle timeout, ending session")
			return
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func dispatch(deps peerTaskDeps, p *peer, packets []proxy.Packet) {
	for _, pkt := range packets {
		switch pkt.Dir {
		case proxy.ToClient:
			if _, err := deps.Socket.WriteTo(pkt.Data, p.addr); err != nil {
				deps.Logger.Warn("write to game client failed", zap.Error(err))
				continue
			}
			metrics.RecordBytesSent(len(pkt.Data))

		case proxy.ToServer:
			datagram := tunnel.EncodeDatagram(p.id, pkt.Data)
			if err := deps.Tunnel.SendDatagram(datagram); err != nil {
				deps.Logger.Warn("send tunnel datagram failed", zap.Error(err))
				continue
			}
			metrics.RecordBytesSent(len(pkt.Data))
		}
	}
}
