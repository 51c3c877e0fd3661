package serverside

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/fadenfire/factorio-cacher/internal/metrics"
	"github.com/fadenfire/factorio-cacher/internal/proxy"
	"github.com/fadenfire/factorio-cacher/internal/tunnel"
	"github.com/fadenfire/factorio-cacher/internal/workerpool"

	"github.com/quic-go/quic-go"
)

type peerTaskDeps struct {
	Tunnel       quic.Connection
	FactorioAddr *net.UDPAddr
	Pool         *workerpool.Pool
	Logger       *zap.Logger
}

// blockPollInterval is how often the downloader checks whether it
// needs to top up its in-flight window or recover from a stall, in the
// absence of any other packet waking the per-peer loop.
const blockPollInterval = 20 * time.Millisecond

// runPeerTask owns one connected player's whole session on the game
// server side: relaying ordinary UDP traffic in both directions and,
// once, pulling the full world archive for dedup and tunnel hosting.
func runPeerTask(ctx context.Context, deps peerTaskDeps, p *peer) {
	logger := deps.Logger

	fromServer := make(chan []byte, proxy.UDPQueueSize)
	udpErrs := make(chan error, 1)
	go readUDPLoop(ctx, p.socket, deps.FactorioAddr, fromServer, udpErrs)

	state := newProxyState()
	idle := time.NewTimer(proxy.UDPPeerIdleTimeout)
	defer idle.Stop()
	poll := time.NewTicker(blockPollInterval)
	defer poll.Stop()

	var stream quic.Stream

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-udpErrs:
			logger.Warn("game server socket closed", zap.Error(err))
			return

		case data, ok := <-fromServer:
			if !ok {
				return
			}
			resetTimer(idle, proxy.UDPPeerIdleTimeout)
			toClient, readyToFinalize := state.onPacketFromServer(data)
			sendToClient(deps, p, toClient)
			if readyToFinalize {
				held, err := finalizeAndTransition(ctx, deps.Pool, state)
				if err != nil {
					logger.Error("finalize world failed", zap.Error(err))
					return
				}
				sendToClient(deps, p, held)
				if stream != nil {
					go serveWorld(stream, state.finalized, logger)
				}
			}

		case data, ok := <-p.fromTunnel:
			if !ok {
				return
			}
			resetTimer(idle, proxy.UDPPeerIdleTimeout)
			if _, err := p.socket.WriteToUDP(data, deps.FactorioAddr); err != nil {
				logger.Warn("write to game server failed", zap.Error(err))
				continue
			}
			metrics.RecordBytesSent(len(data))

		case st := <-p.streamCh:
			stream = st
			if state.finalized != nil {
				go serveWorld(stream, state.finalized, logger)
			}

		case <-poll.C:
			if state.phase == phaseDownloadingWorld {
				for _, pkt := range state.requestNextBlocks() {
					if _, err := p.socket.WriteToUDP(pkt.Data, deps.FactorioAddr); err == nil {
						metrics.RecordBytesSent(len(pkt.Data))
					}
				}
			}

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

// readUDPLoop reads packets off the local impersonation socket,
// dropping anything not from the real game server.
func readUDPLoop(ctx context.Context, conn *net.UDPConn, factorioAddr *net.UDPAddr, out chan<- []byte, errs chan<- error) {
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return
		}
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errs <- err
			return
		}
		if !addr.IP.Equal(factorioAddr.IP) || addr.Port != factorioAddr.Port {
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

func sendToClient(deps peerTaskDeps, p *peer, packets []proxy.Packet) {
	for _, pkt := range packets {
		if pkt.Dir != proxy.ToClient {
			continue
		}
		datagram := tunnel.EncodeDatagram(p.id, pkt.Data)
		if err := deps.Tunnel.SendDatagram(datagram); err != nil {
			deps.Logger.Warn("send tunnel datagram failed", zap.Error(err))
			continue
		}
		metrics.RecordBytesSent(len(pkt.Data))
	}
}
