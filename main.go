package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pixelbridge/pixelbridge-server/app"
)

func main() {
	configPath := flag.String("config", "pixelbridge.json", "path to the config file")
	flag.Parse()
	data, err := os.ReadFile(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		os.Exit(1)
	}
	config, err := app.ParseConfig(data)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config:\n%v\n", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.NewApp(config).Boot(ctx); err != nil {
		os.Exit(1)
	}
}
