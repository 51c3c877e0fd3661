// Package serverside implements the proxy's game-server-facing half:
// it sits next to the real Factorio dedicated server, relays ordinary
// traffic for every connected remote player, and — per player, the
// first time that player triggers a world download — additionally
// pulls the whole world archive for itself, deduplicates it, and hosts
// it over the tunnel for the client side to reconstruct from.
package serverside

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/fadenfire/factorio-cacher/internal/proxy"
	"github.com/fadenfire/factorio-cacher/internal/tunnel"
	"github.com/fadenfire/factorio-cacher/internal/workerpool"

	"github.com/quic-go/quic-go"
)

// Deps bundles everything a server-side proxy run needs.
type Deps struct {
	Tunnel       quic.Connection
	FactorioAddr *net.UDPAddr
	Pool         *workerpool.Pool
	Logger       *zap.Logger
}

type peer struct {
	id         uint32
	socket     *net.UDPConn
	fromTunnel chan []byte
	streamCh   chan quic.Stream
}

// Run is the server-side proxy's main dispatch loop: it demultiplexes
// tunnel datagrams by peer id and accepts the per-peer bidi stream each
// client-side peer task opens, spawning one local UDP socket and one
// per-peer task for every newly observed peer.
func Run(ctx context.Context, d Deps) error {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		mu    sync.Mutex
		peers = make(map[uint32]*peer)
	)

	getOrCreate := func(id uint32) (*peer, error) {
		mu.Lock()
		defer mu.Unlock()
		if p, ok := peers[id]; ok {
			return p, nil
		}
		socket, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
		if err != nil {
			return nil, fmt.Errorf("serverside: bind local socket for peer %d: %w", id, err)
		}
		p := &peer{
			id:         id,
			socket:     socket,
			fromTunnel: make(chan []byte, proxy.UDPQueueSize),
			streamCh:   make(chan quic.Stream, 1),
		}
		peers[id] = p
		go runPeerTask(ctx, peerTaskDeps{
			Tunnel:       d.Tunnel,
			FactorioAddr: d.FactorioAddr,
			Pool:         d.Pool,
			Logger:       logger.With(zap.Uint32("peer_id", id)),
		}, p)
		return p, nil
	}

	errs := make(chan error, 2)
	datagramEvents := make(chan datagramPacket, proxy.UDPQueueSize)
	go readDatagramLoop(ctx, d.Tunnel, datagramEvents, errs)
	go acceptStreamLoop(ctx, d.Tunnel, func(id uint32, st quic.Stream) {
		p, err := getOrCreate(id)
		if err != nil {
			logger.Error("accept stream: create peer failed", zap.Error(err))
			return
		}
		select {
		case p.streamCh <- st:
		case <-ctx.Done():
		}
	}, errs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			return err
		case ev := <-datagramEvents:
			p, err := getOrCreate(ev.peerID)
			if err != nil {
				logger.Error("datagram: create peer failed", zap.Error(err))
				continue
			}
			trySend(p.fromTunnel, ev.payload)
		}
	}
}

type datagramPacket struct {
	peerID  uint32
	payload []byte
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

func acceptStreamLoop(ctx context.Context, conn quic.Connection, onStream func(peerID uint32, st quic.Stream), errs chan<- error) {
	for {
		st, err := conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errs <- err
			return
		}
		peerID, err := tunnel.ReadStreamPreamble(st)
		if err != nil {
			continue
		}
		onStream(peerID, st)
	}
}

func trySend(ch chan<- []byte, data []byte) {
	select {
	case ch <- data:
	default:
	}
}
