package main

import (
	"flag"

	"go.uber.org/fx"

	"github.com/handybridge/relayd/internal/daemon"
)

func main() {
	dataDirFlag := flag.String("data-dir", "", "data directory (default ~/.relayd)")
	controlAddrFlag := flag.String("control-addr", "", "control API listen address (overrides config)")
	flag.Parse()

	app := fx.New(
		daemon.Module(daemon.Params{
			DataDir:     *dataDirFlag,
			ControlAddr: *controlAddrFlag,
		}),
	)

	app.Run()
}
