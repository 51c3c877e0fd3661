// Command factorio-cacher runs either half of the tunnel: the
// client-side proxy (co-located with a real Factorio client) or the
// server-side proxy (co-located with a real Factorio dedicated
// server). Which one runs is chosen by the first argument.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"go.uber.org/zap"

	"github.com/fadenfire/factorio-cacher/internal/cache"
	"github.com/fadenfire/factorio-cacher/internal/config"
	"github.com/fadenfire/factorio-cacher/internal/logging"
	"github.com/fadenfire/factorio-cacher/internal/metrics"
	"github.com/fadenfire/factorio-cacher/internal/proxy/clientside"
	"github.com/fadenfire/factorio-cacher/internal/proxy/serverside"
	"github.com/fadenfire/factorio-cacher/internal/quictransport"
	"github.com/fadenfire/factorio-cacher/internal/workerpool"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: factorio-cacher <client|server> [flags]")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "client":
		err = runClient(os.Args[2:])
	case "server":
		err = runServer(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q (want client or server)\n", os.Args[1])
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "factorio-cacher:", err)
		os.Exit(1)
	}
}

func runClient(args []string) error {
	cfg := config.DefaultClientConfig()
	config.LoadClientEnv(&cfg)

	fs := flag.NewFlagSet("client", flag.ExitOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "local UDP port the game client connects to")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "local address to bind the game-facing UDP socket on")
	fs.StringVar(&cfg.CachePath, "cache-path", cfg.CachePath, "path to the persistent chunk cache file")
	fs.Int64Var(&cfg.CacheLimit, "cache-limit", cfg.CacheLimit, "maximum chunk cache size in bytes")
	fs.DurationVar(&cfg.CacheSaveInterval, "cache-save-interval", cfg.CacheSaveInterval, "how often the chunk cache is flushed to disk")
	fs.StringVar(&cfg.ServerAddr, "server-addr", cfg.ServerAddr, "address of the server-side proxy's tunnel listener")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort, "port to serve Prometheus metrics on (0 disables)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if cfg.ServerAddr == "" {
		return fmt.Errorf("client: -server-addr is required")
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("client: build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.MetricsPort > 0 {
		go serveMetrics(cfg.MetricsPort, logger)
	}

	chunkCache, err := cache.New(cache.Options{
		MaxBytes:     cfg.CacheLimit,
		Path:         cfg.CachePath,
		SaveInterval: cfg.CacheSaveInterval,
		OnSaveError: func(err error) {
			logger.Error("chunk cache save failed", zap.Error(err))
		},
	})
	if err != nil {
		return fmt.Errorf("client: open chunk cache: %w", err)
	}
	defer func() { _ = chunkCache.Close() }()

	socket, err := net.ListenPacket("udp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return fmt.Errorf("client: bind game-facing socket: %w", err)
	}
	defer socket.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tunnelConn, err := quictransport.Dial(ctx, cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("client: dial tunnel %s: %w", cfg.ServerAddr, err)
	}
	defer func() { _ = tunnelConn.CloseWithError(0, "quit") }()

	logger.Info("client proxy started",
		zap.String("listen", socket.LocalAddr().String()),
		zap.String("server_addr", cfg.ServerAddr))

	return clientside.Run(ctx, clientside.Deps{
		Socket:     socket,
		Tunnel:     tunnelConn,
		ChunkCache: chunkCache,
		Logger:     logger,
	})
}

func runServer(args []string) error {
	cfg := config.DefaultServerConfig()
	config.LoadServerEnv(&cfg)

	fs := flag.NewFlagSet("server", flag.ExitOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "local port the tunnel listener binds")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "local address to bind the tunnel listener on")
	fs.StringVar(&cfg.GameServerAddr, "game-server-addr", cfg.GameServerAddr, "address of the real Factorio dedicated server")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort, "port to serve Prometheus metrics on (0 disables)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if cfg.GameServerAddr == "" {
		return fmt.Errorf("server: -game-server-addr is required")
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("server: build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.MetricsPort > 0 {
		go serveMetrics(cfg.MetricsPort, logger)
	}

	factorioAddr, err := net.ResolveUDPAddr("udp", cfg.GameServerAddr)
	if err != nil {
		return fmt.Errorf("server: resolve game-server-addr: %w", err)
	}

	pool := workerpool.New(runtime.NumCPU())
	defer pool.Close()

	listenAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := quictransport.Listen(listenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", listenAddr, err)
	}
	defer func() { _ = listener.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("server proxy started",
		zap.String("listen", listenAddr),
		zap.String("game_server_addr", cfg.GameServerAddr))

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: accept tunnel connection: %w", err)
		}

		go func() {
			if err := serverside.Run(ctx, serverside.Deps{
				Tunnel:       conn,
				FactorioAddr: factorioAddr,
				Pool:         pool,
				Logger:       logger,
			}); err != nil && ctx.Err() == nil {
				logger.Warn("tunnel connection ended with error", zap.Error(err))
			}
		}()
	}
}

func serveMetrics(port int, logger *zap.Logger) {
	addr := fmt.Sprintf(":%d", port)
	if err := metrics.Serve(addr); err != nil {
		logger.Error("metrics server stopped", zap.Error(err))
	}
}
