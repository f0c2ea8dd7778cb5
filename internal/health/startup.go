// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ManuGH/eventrelay/internal/config"
	"github.com/ManuGH/eventrelay/internal/log"
	"github.com/rs/zerolog"
)

// PerformStartupChecks validates the environment before the server starts.
func PerformStartupChecks(_ context.Context, cfg config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if cfg.Server.ListenAddr != "" {
		_, port, err := net.SplitHostPort(cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("invalid listen address %q: %w", cfg.Server.ListenAddr, err)
		}
		if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
			return fmt.Errorf("invalid listen port %q in %q", port, cfg.Server.ListenAddr)
		}
	}

	switch cfg.DeadLetter.Backend {
	case "sqlite":
		if err := checkDataDir(logger, filepath.Dir(cfg.DeadLetter.Path)); err != nil {
			return fmt.Errorf("dead-letter directory check failed: %w", err)
		}
	case "badger":
		if err := os.MkdirAll(cfg.DeadLetter.Path, 0o750); err != nil {
			return fmt.Errorf("dead-letter directory check failed: %w", err)
		}
		if err := checkDataDir(logger, cfg.DeadLetter.Path); err != nil {
			return fmt.Errorf("dead-letter directory check failed: %w", err)
		}
	default:
		logger.Warn().
			Str("backend", cfg.DeadLetter.Backend).
			Msg("dead letters are kept in memory and lost on restart")
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

func checkDataDir(logger zerolog.Logger, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", path)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str("path", path).Msg("data directory is writable")
	return nil
}
