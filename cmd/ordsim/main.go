package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ordsync/internal/config"
	"ordsync/internal/server"
	"ordsync/internal/snapshot"
	"ordsync/internal/station"
	"ordsync/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	addr := flag.String("addr", cfg.Addr, "listen address")
	mutate := flag.Duration("mutate", 0, "change demo point values at this interval (0 disables)")
	seed := flag.String("seed", "", "restore the station tree from this snapshot before serving")
	flag.Parse()

	logger := log.Default()
	st, err := station.NewDemo(station.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to build station: %v", err)
	}
	if *seed != "" {
		if err := restoreSeed(cfg.Snapshot, *seed, st, logger); err != nil {
			log.Fatalf("Failed to restore snapshot %q: %v", *seed, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *mutate > 0 {
		go newSimulator(st, logger, time.Now().UnixNano()).run(ctx, *mutate)
	}

	srv := server.New(*addr, server.NewMux(transport.NewHandlers(st, logger), st), logger)
	go func() {
		if err := srv.Start(); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down station...")
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Station exiting")
}

func restoreSeed(cfg config.SnapshotConfig, name string, st *station.Station, logger *log.Logger) error {
	store, closeStore, err := snapshot.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := store.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := snapshot.Restore(st.Tree(), snap); err != nil {
		return err
	}
	logger.Printf("ordsim: restored snapshot %s taken %s", snap.Name, snap.TakenAt.Format(time.RFC3339))
	return nil
}
