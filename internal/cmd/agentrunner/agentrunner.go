// Package agentrunner parses agent runner command flags and starts the twin
// event stream consumer.
package agentrunner

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/synthesisproject/synthesis/internal/agentrunner"
	"github.com/synthesisproject/synthesis/internal/platform/config"
	"github.com/synthesisproject/synthesis/internal/platform/otel"
)

// Config holds agent runner command configuration.
type Config struct {
	NATSURL string `env:"SYNTHESIS_NATS_URL" envDefault:"nats://localhost:4222"`
	Subject string `env:"SYNTHESIS_SUBJECT"  envDefault:"twin.>"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS server URL")
	fs.StringVar(&cfg.Subject, "subject", cfg.Subject, "twin event subject filter")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the event stream consumer and blocks until the context is
// cancelled.
func Run(ctx context.Context, cfg Config) error {
	shutdown, err := otel.Setup(ctx, "agent-runner")
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Printf("otel shutdown: %v", err)
		}
	}()

	runner, err := agentrunner.New(agentrunner.Config{
		URL:     cfg.NATSURL,
		Subject: cfg.Subject,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := runner.Close(); err != nil {
			log.Printf("close runner: %v", err)
		}
	}()

	return runner.Run(ctx)
}
