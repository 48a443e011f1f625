package server

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

var logger = logrus.New()

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir(override string) (string, error) {
	var dataDir string
	switch {
	case override != "":
		expanded, err := expandHome(override)
		if err != nil {
			return "", err
		}
		dataDir = expanded
	case os.Getenv("XDG_DATA_HOME") != "":
		dataDir = filepath.Join(os.Getenv("XDG_DATA_HOME"), "tricklobby")
	default:
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "tricklobby")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// InitLogger sets the level and format of the package logger and tees
// it to stderr and server.log in the data directory. server.log is
// truncated on startup.
func InitLogger(cfg Config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	dataDir, err := getServerDataDir(cfg.DataDir)
	if err != nil {
		return err
	}

	serverLogPath := filepath.Join(dataDir, "server.log")
	serverLogFile, err := os.OpenFile(serverLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, serverLogFile))

	logger.WithField("path", serverLogPath).Info("server started")
	return nil
}

// SetLogOutput redirects the package logger, e.g. to io.Discard.
func SetLogOutput(w io.Writer) {
	logger.SetOutput(w)
}
