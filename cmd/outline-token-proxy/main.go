// Copyright 2025 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command outline-token-proxy runs a forward HTTP proxy that authenticates
// clients with shared-secret tokens.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"github.com/Jigsaw-Code/outline-token-proxy/config"
	"github.com/Jigsaw-Code/outline-token-proxy/proxy"
	"github.com/Jigsaw-Code/outline-token-proxy/transport"
)

const shutdownTimeout = 5 * time.Second

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags...]\n", path.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}

func main() {
	configFlag := flag.String("config", "config.yaml", "Path to the configuration file")
	verboseFlag := flag.Bool("v", false, "Enable debug output")

	flag.Parse()

	logLevel := slog.LevelInfo
	if *verboseFlag {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(
		os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd())), Level: logLevel},
	)))

	cfg, err := config.Load(*configFlag)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if len(cfg.Tokens) == 0 {
		slog.Warn("No tokens configured; all proxy requests will be rejected")
	}
	for label, secret := range cfg.Tokens {
		slog.Info("Loaded token", "label", label, "token", proxy.MaskToken(secret))
	}

	server := &proxy.Server{
		Auth:              proxy.NewAuthenticator(cfg.Tokens),
		Dialer:            &transport.TCPDialer{},
		Logger:            slog.Default(),
		MaxHeadBytes:      cfg.Server.MaxHeaderBytes,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		DialTimeout:       cfg.Server.DialTimeout,
		TunnelIdleTimeout: cfg.Server.TunnelIdleTimeout,
		MaxConnections:    cfg.Server.MaxConnections,
	}

	listener, err := net.Listen("tcp", cfg.Server.Address())
	if err != nil {
		slog.Error("Failed to listen", "address", cfg.Server.Address(), "error", err)
		os.Exit(1)
	}
	slog.Info("Proxy listening", "address", listener.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Closing remaining connections", "error", err)
			server.Close()
		}
	}()

	err = server.Serve(listener)
	if err != nil && !errors.Is(err, proxy.ErrServerClosed) {
		slog.Error("Proxy failed", "error", err)
		os.Exit(1)
	}
	stop()
	<-shutdownDone
	slog.Info("Proxy stopped")
}
