package main

import (
	"context"
	"os"
	"path/filepath"

	"gopkg.in/urfave/cli.v1"

	"github.com/rethinkkv/rethinkkv/internal/config"
	"github.com/rethinkkv/rethinkkv/internal/serializer"
	"github.com/rethinkkv/rethinkkv/internal/store"
)

var createCommand = cli.Command{
	Name:   "create",
	Usage:  "initialize a new store",
	Flags:  []cli.Flag{dataDirFlag, configFlag, numSlicesFlag, forceFlag},
	Action: createAction,
}

func loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := ctx.String(configFlag.Name); path != "" {
		var err error
		cfg, err = config.LoadTOML(path)
		if err != nil {
			return cfg, err
		}
	}
	if dir := ctx.String(dataDirFlag.Name); dir != "" {
		cfg.DataDir = dir
	}
	if n := ctx.Int(numSlicesFlag.Name); n > 0 {
		cfg.NumSlices = n
	}
	return cfg, nil
}

func storeOptions(cfg config.Config) store.Options {
	return store.Options{
		NumSlices:    cfg.NumSlices,
		MaxValueSize: cfg.MaxValueSize,
		Disk: serializer.Options{
			BlockSize:  cfg.BlockSize,
			ExtentSize: cfg.ExtentSize,
			ZoneSize:   cfg.ZoneSize,
		},
	}
}

func createAction(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.DataDir == "" {
		return cli.NewExitError("create: --datadir is required", 1)
	}

	if ctx.Bool(forceFlag.Name) {
		if err := os.RemoveAll(filepath.Join(cfg.DataDir)); err != nil {
			return err
		}
	}

	st, err := store.Create(context.Background(), cfg.DataDir, storeOptions(cfg))
	if err != nil {
		return err
	}
	defer st.Close()

	return nil
}
