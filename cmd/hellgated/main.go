package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JohnImril/hellgate-ws/config"
	"github.com/JohnImril/hellgate-ws/directory"
	"github.com/JohnImril/hellgate-ws/gateway"
	"github.com/JohnImril/hellgate-ws/logger"
	"github.com/JohnImril/hellgate-ws/room"
	"github.com/JohnImril/hellgate-ws/server"
	"github.com/JohnImril/hellgate-ws/storage"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg.Log.Level)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logr.Sync()

	if err := run(cfg, logr); err != nil {
		logr.Fatal("hellgated failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logr *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.OpenBolt(cfg.Directory.StorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	dir := directory.New(store, logr)
	reg := room.NewRegistry(room.Limits{
		MaxFrameBytes:     cfg.Room.MaxFrameBytes,
		MaxInvalidPackets: cfg.Room.MaxInvalidPackets,
		FloodWindow:       cfg.Room.FloodWindow,
		MaxPerWindow:      cfg.Room.MaxMessagesPerWindow,
	}, dir, logr)

	internal := server.NewInternal(cfg.Internal.ListenAddr,
		room.NewAttachHandler(reg, logr),
		directory.NewHandler(dir, logr))

	gw := gateway.NewHandler(gateway.Config{
		InternalURL:               "http://" + cfg.Internal.ListenAddr,
		ConnectTimeout:            cfg.Gateway.ConnectTimeout,
		MaxPendingMessages:        cfg.Gateway.MaxPendingMessages,
		MaxPendingBytes:           cfg.Gateway.MaxPendingBytes,
		MaxPendingUnknownMessages: cfg.Gateway.MaxPendingUnknownMessages,
		MaxPendingUnknownBytes:    cfg.Gateway.MaxPendingUnknownBytes,
		MaxFrameBytes:             cfg.Room.MaxFrameBytes,
	}, dir, logr)
	external := server.NewExternal(cfg.Gateway.ListenAddr, gw)

	// The directory runs on its own context so room actors can still flush
	// their removals while the HTTP servers drain.
	dirCtx, stopDir := context.WithCancel(context.Background())
	defer stopDir()
	dirDone := make(chan struct{})
	go func() {
		defer close(dirDone)
		if err := dir.Run(dirCtx); err != nil {
			logr.Error("directory stopped", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logr.Info("internal server listening", zap.String("addr", internal.Addr()))
		if err := internal.Serve(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("internal server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logr.Info("external server listening", zap.String("addr", external.Addr()))
		if err := external.Serve(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("external server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logr.Info("shutting down", zap.Int("rooms", reg.Len()))
		reg.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return errors.Join(external.Shutdown(shutdownCtx), internal.Shutdown(shutdownCtx))
	})

	err = g.Wait()

	// Room actors drop their directory entries as the sockets unwind; give
	// them a bounded window before the directory stops taking requests.
	deadline := time.Now().Add(shutdownGrace)
	for reg.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	stopDir()
	<-dirDone

	logr.Info("hellgated stopped")
	return err
}
