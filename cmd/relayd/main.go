package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/wpp-relay/internal/config"
	"github.com/matheus3301/wpp-relay/internal/daemon"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default $RELAY_CONFIG or ~/.wpp-relay/config.toml)")
	flag.Parse()

	path := config.ResolvePath(*configFlag)
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config %s: %v\n", path, err)
		fmt.Fprintln(os.Stderr, "run `relayctl init` to create one")
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Config: cfg}),
	)

	app.Run()
}
