package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	agentrunnercmd "github.com/synthesisproject/synthesis/internal/cmd/agentrunner"
	"github.com/synthesisproject/synthesis/internal/platform/config"
)

// main starts the twin event stream consumer.
func main() {
	_ = godotenv.Load()

	cfg, err := agentrunnercmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	log.SetPrefix("[AGENT-RUNNER] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agentrunnercmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to run agent runner: %v", err)
	}
}
