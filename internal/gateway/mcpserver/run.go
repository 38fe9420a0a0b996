package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TransportKind identifies the MCP transport implementation.
type TransportKind string

const (
	// TransportStdio serves MCP over standard input/output.
	TransportStdio TransportKind = "stdio"
	// TransportHTTP serves MCP over streamable HTTP for remote clients.
	TransportHTTP TransportKind = "http"
)

const shutdownTimeout = 10 * time.Second

// Config selects the transport for Run.
type Config struct {
	Transport TransportKind
	// HTTPAddr is the listen address for the HTTP transport. Defaults to
	// localhost:8081.
	HTTPAddr string
	// Gatherer backs the /metrics endpoint on the HTTP transport. Optional.
	Gatherer prometheus.Gatherer
}

// Run serves the MCP server over the configured transport and blocks until
// the context is cancelled.
func Run(ctx context.Context, server *mcp.Server, cfg Config) error {
	if server == nil {
		return errors.New("mcp server is required")
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportStdio
	}

	switch cfg.Transport {
	case TransportStdio:
		err := server.Run(ctx, &mcp.StdioTransport{})
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	case TransportHTTP:
		return runHTTP(ctx, server, cfg)
	default:
		return fmt.Errorf("transport %q is not supported", cfg.Transport)
	}
}

// runHTTP serves MCP over streamable HTTP with health and metrics endpoints
// alongside it.
func runHTTP(ctx context.Context, server *mcp.Server, cfg Config) error {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = "localhost:8081"
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, nil))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	httpServer := &http.Server{Addr: addr, Handler: mux}

	errChan := make(chan error, 1)
	go func() {
		log.Printf("mcp http server listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown mcp http server: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("mcp http server: %w", err)
	}
}
