// Command rethinkkv is the engine's CLI entrypoint: create, serve, and
// admin subcommands over the store (§6 "CLI"), wired with
// gopkg.in/urfave/cli.v1 the way cmd/geth's main.go wires its own
// subcommands.
package main

import (
	"os"

	"gopkg.in/urfave/cli.v1"

	"github.com/rethinkkv/rethinkkv/rlog"
)

var (
	dataDirFlag = cli.StringFlag{
		Name:  "datadir",
		Usage: "data directory for the store",
		Value: "./rethinkkv-data",
	}
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML config file (overrides built-in defaults)",
	}
	numSlicesFlag = cli.IntFlag{
		Name:  "slices",
		Usage: "number of B-tree slices to shard the key-space over",
	}
	forceFlag = cli.BoolFlag{
		Name:  "force",
		Usage: "reinitialize a non-empty data directory",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "rethinkkv"
	app.Usage = "embedded key-value storage engine"
	app.Commands = []cli.Command{
		createCommand,
		serveCommand,
		adminCommand,
	}

	if err := app.Run(os.Args); err != nil {
		rlog.Fatalf("%v", err)
	}
}
