package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/54b3r/evidex-go/internal/logging"
	"github.com/54b3r/evidex-go/internal/server"
	"github.com/54b3r/evidex-go/internal/tracing"
	"github.com/54b3r/evidex-go/internal/version"
)

// jobStopTimeout bounds how long serve waits for cancelled reindex jobs to
// record their final state.
const jobStopTimeout = 10 * time.Second

// NewServeCmd constructs the `evidex serve` command, which starts the HTTP
// API and the backend health monitor.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the evidex HTTP API",
		Long: `Start the evidex HTTP API.

Backends are probed once before the listener opens so the first query
routes on real health; the monitor then re-probes every RAG_HEALTH_INTERVAL.

Endpoints:
  POST   /api/ingest
  POST   /api/search
  GET    /api/config
  DELETE /api/documents/{engagement_id}/{document_id}
  POST   /api/admin/reindex
  GET    /api/admin/reindex/{job_id}
  GET    /api/health, /api/ready, /metrics

Set EVIDEX_API_KEY to require a Bearer token on /api routes.

Examples:
  evidex serve
  evidex serve --port 9090
  RAG_SEARCH_BACKEND=document_store evidex serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)
			log.Info("serve starting", slog.String("version", version.String()))

			flush := tracing.Install(tracing.ConfigFromEnv(), log)
			defer flush()

			a, err := openApp(ctx, log, prometheus.DefaultRegisterer)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer a.Close()

			go a.monitor.Run(ctx)

			s := a.settings
			if cmd.Flags().Changed("host") {
				s.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				s.Server.Port = port
			}

			srv, err := server.New(a.coordinator, &server.Config{
				Host:      s.Server.Host,
				Port:      s.Server.Port,
				Logger:    log,
				Pingers:   []server.Pinger{server.NewCatalogPinger(a.catalog)},
				RateLimit: s.Server.RateLimit,
				RateBurst: s.Server.RateBurst,
				APIKey:    s.Server.APIKey,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			err = srv.Start(ctx)
			log.Info("stopping reindex jobs")
			stopCtx, cancel := context.WithTimeout(context.Background(), jobStopTimeout)
			defer cancel()
			if serr := a.coordinator.Shutdown(stopCtx); serr != nil {
				log.Warn("reindex jobs did not stop in time", slog.Any("error", serr))
			}
			return err
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to (overrides EVIDEX_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on (overrides EVIDEX_PORT)")

	return cmd
}
