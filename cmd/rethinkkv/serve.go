package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/urfave/cli.v1"

	"github.com/rethinkkv/rethinkkv/internal/config"
	"github.com/rethinkkv/rethinkkv/internal/store"
	"github.com/rethinkkv/rethinkkv/rlog"
)

var serveCommand = cli.Command{
	Name:   "serve",
	Usage:  "open a store and run until interrupted",
	Flags:  []cli.Flag{dataDirFlag, configFlag, numSlicesFlag},
	Action: serveAction,
}

func serveAction(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	log := rlog.New("component", "serve")
	st, err := store.Open(context.Background(), cfg.DataDir, storeOptions(cfg))
	if err != nil {
		return err
	}
	defer st.Close()
	log.Info("store opened", "datadir", cfg.DataDir, "engine_id", st.EngineID())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Duration(cfg.FlushIntervalMillis) * time.Millisecond)
	defer ticker.Stop()

	bgCtx := context.Background()
	for {
		select {
		case <-sig:
			log.Info("shutting down")
			return st.PersistCounters(bgCtx)
		case <-ticker.C:
			if err := st.PersistCounters(bgCtx); err != nil {
				log.Warn("persist counters failed", "err", err)
			}
		}
	}
}
