package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	gatewaycmd "github.com/synthesisproject/synthesis/internal/cmd/gateway"
	"github.com/synthesisproject/synthesis/internal/platform/config"
)

// main starts the twin gateway on stdio or HTTP.
func main() {
	_ = godotenv.Load()

	cfg, err := gatewaycmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	log.SetPrefix("[GATEWAY] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gatewaycmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve gateway: %v", err)
	}
}
