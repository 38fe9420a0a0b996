// Package gateway parses gateway command flags and wires the store, the
// message bus, and the MCP transport together.
package gateway

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/synthesisproject/synthesis/internal/bus"
	gatewaysvc "github.com/synthesisproject/synthesis/internal/gateway"
	"github.com/synthesisproject/synthesis/internal/gateway/mcpserver"
	"github.com/synthesisproject/synthesis/internal/platform/config"
	"github.com/synthesisproject/synthesis/internal/platform/metrics"
	"github.com/synthesisproject/synthesis/internal/platform/otel"
	"github.com/synthesisproject/synthesis/internal/rules"
	"github.com/synthesisproject/synthesis/internal/storage/sqlite"
)

// Config holds gateway command configuration.
type Config struct {
	DBPath    string `env:"SYNTHESIS_DB_PATH"       envDefault:"synthesis.db"`
	NATSURL   string `env:"SYNTHESIS_NATS_URL"`
	Transport string `env:"SYNTHESIS_MCP_TRANSPORT" envDefault:"stdio"`
	HTTPAddr  string `env:"SYNTHESIS_HTTP_ADDR"     envDefault:"localhost:8081"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "path to the sqlite database")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS server URL; empty disables publication")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "MCP transport: stdio or http")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address (for http transport)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the twin gateway and blocks until the context is cancelled.
func Run(ctx context.Context, cfg Config) error {
	shutdown, err := otel.Setup(ctx, "gateway")
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

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}()

	var publisher bus.Publisher = bus.Noop{}
	if cfg.NATSURL != "" {
		jetstream, err := bus.Connect(cfg.NATSURL)
		if err != nil {
			return err
		}
		publisher = jetstream
	} else {
		log.Printf("no NATS URL configured, event publication disabled")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Printf("close publisher: %v", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	dispatcher, err := gatewaysvc.New(gatewaysvc.Config{
		Store:     store,
		Pipeline:  rules.Default(),
		Publisher: publisher,
		Metrics:   metrics.NewGateway(registry),
	})
	if err != nil {
		return err
	}

	server := mcpserver.New(dispatcher)
	return mcpserver.Run(ctx, server, mcpserver.Config{
		Transport: mcpserver.TransportKind(cfg.Transport),
		HTTPAddr:  cfg.HTTPAddr,
		Gatherer:  registry,
	})
}
