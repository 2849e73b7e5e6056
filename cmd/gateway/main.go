package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"ibn-ledger/gateway/internal/composition/gatewayserver"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	listenAddr := flag.String("listen", "", "HTTP listen address (overrides config)")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("ledger-gateway version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := gatewayserver.BuildRuntime(*configPath, *listenAddr)
	if err != nil {
		log.Fatalf("ledger-gateway failed to initialize: %v", err)
	}

	log.Println("ledger-gateway starting")
	if err := rt.Run(ctx); err != nil {
		log.Fatalf("ledger-gateway failed: %v", err)
	}
	log.Println("ledger-gateway stopped")
}
