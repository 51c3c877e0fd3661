// Package clientside implements the proxy's game-client-facing half: it
// sits between the real Factorio client and the tunnel, impersonating
// the game server on UDP while the actual world download is served out
// of the chunk cache and the tunnel's deduplicated manifest.
package clientside

import (
	"context"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/fadenfire/factorio-cacher/internal/cache"
	"github.com/fadenfire/factorio-cacher/internal/metrics"
	"github.com/fadenfire/factorio-cacher/internal/proxy"
	"github.com/fadenfire/factorio-cacher/internal/tunnel"

	"github.com/quic-go/quic-go"
)

// Deps bundles everything a client-side proxy run needs.
type Deps struct {
	Socket     net.PacketConn
	Tunnel     quic.Connection
	ChunkCache *cache.ChunkCache
	Logger     *zap.Logger
}

type peer struct {
	id         uint32
	addr       net.Addr
	fromGame   chan []byte
	fromTunnel chan []byte
}

// Run is the client-side proxy's main dispatch loop. It owns the game
// UDP socket and the tunnel connection, demultiplexes both by peer, and
// spawns one per-peer goroutine per newly observed game-client address.
// It returns once ctx is cancelled or the tunnel connection fails.
func Run(ctx context.Context, d Deps) error {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	udpEvents := make(chan udpPacket, proxy.UDPQueueSize)
	datagramEvents := make(chan datagramPacket, proxy.UDPQueueSize)
	errs := make(chan error, 2)

	go readUDPLoop(ctx, d.Socket, udpEvents, errs)
	go readDatagramLoop(ctx, d.Tunnel, datagramEvents, errs)

	var (
		mu       sync.Mutex
		byAddr   = make(map[string]*peer)
		byPeerID = make(map[uint32]*peer)
		nextID   uint32
	)

	spawnPeer := func(addr net.Addr) *peer {
		p := &peer{
			id:         nextID,
			addr:       addr,
			fromGame:   make(chan []byte, proxy.UDPQueueSize),
			fromTunnel: make(chan []byte, proxy.UDPQueueSize),
		}
		nextID++
		byAddr[addr.String()] = p
		byPeerID[p.id] = p

		go runPeerTask(ctx, peerTaskDeps{
			Socket:     d.Socket,
			Tunnel:     d.Tunnel,
			ChunkCache: d.ChunkCache,
			Logger:     logger.With(zap.String("peer_addr", addr.String()), zap.Uint32("peer_id", p.id)),
		}, p)

		return p
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-errs:
			return err

		case ev := <-udpEvents:
			mu.Lock()
			p, ok := byAddr[ev.addr.String()]
			if !ok {
				p = spawnPeer(ev.addr)
			}
			mu.Unlock()
			metrics.RecordBytesReceived(len(ev.data))
			trySend(p.fromGame, ev.data)

		case ev := <-datagramEvents:
			mu.Lock()
			p, ok := byPeerID[ev.peerID]
			mu.Unlock()
			if !ok {
				continue
			}
			trySend(p.fromTunnel, ev.payload)
		}
	}
}

type udpPacket struct {
	addr net.Addr
	data []byte
}

type datagramPacket struct {
	peerID  uint32
	payload []byte
}

func readUDPLoop(ctx context.Context, conn net.PacketConn, out chan<- udpPacket, errs chan<- error) {
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errs <- err
			return
		}
		data := append([]byte(nil), buf[:n]...)
		select {
		case out <- udpPacket{addr: addr, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

func readDatagramLoop(ctx context.Context, conn quic.Connection, out chan<- datagramPacket, errs chan<- error) {
	for {
		data, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errs <- err
			return
		}
		peerID, payload, err := tunnel.DecodeDatagram(data)
		if err != nil {
			continue
		}
		select {
		case out <- datagramPacket{peerID: peerID, payload: payload}:
		case <-ctx.Done():
			return
		}
	}
}

func trySend(ch chan<- []byte, data []byte) {
	select {
	case ch <- data:
	default:
	}
}
