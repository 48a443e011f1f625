// Command server runs the lobby server.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/aeolun/tricklobby/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.tricklobby/config.toml", "Path to config file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	hashPassword := flag.String("hash-password", "", "Print a bcrypt hash for [server].admin_password_hash and exit (\"-\" reads the password from stdin)")
	flag.Parse()

	if *hashPassword != "" {
		if err := printPasswordHash(*hashPassword); err != nil {
			fmt.Fprintf(os.Stderr, "hash password: %v\n", err)
			os.Exit(1)
		}
		return
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	cfg := tomlConfig.ToConfig()
	if *debug {
		cfg.LogLevel = "debug"
	}

	if err := server.InitLogger(cfg); err != nil {
		logrus.WithError(err).Fatal("failed to initialize logging")
	}

	srv, err := server.New(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	if err := srv.Listen(); err != nil {
		logrus.WithError(err).Fatal("failed to listen")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Serve(ctx); err != nil {
		logrus.WithError(err).Fatal("server stopped")
	}
}

func printPasswordHash(password string) error {
	if password == "-" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return err
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return fmt.Errorf("empty password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	fmt.Println(string(hash))
	return nil
}
