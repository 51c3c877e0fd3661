// Package logging constructs the process-wide zap logger used by both
// proxy sides.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger for the given level name ("debug", "info",
// "warn", "error"), production-encoded (JSON) in all cases — the
// teacher's cmd/vaultaire/main.go always reaches for
// zap.NewProduction(); this only additionally wires the configurable
// level the CLI exposes.
func New(levelName string) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("logging: invalid log level %q: %w", levelName, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build logger: %w", err)
	}
	return logger, nil
}

// ForPeer returns a child logger with the peer's address and assigned
// id attached, so every subsequent log call at that call site is
// attributed to a specific peer without repeating the fields.
func ForPeer(logger *zap.Logger, peerAddr string, peerID uint32) *zap.Logger {
	return logger.With(zap.String("peer_addr", peerAddr), zap.Uint32("peer_id", peerID))
}
