package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/threadline/internal/server"
	"github.com/harun/threadline/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve turns over HTTP",
	Long: `Start the HTTP server. Endpoints:

  POST /v1/turns   submit a turn {"agent", "input", "persistent", "context"}
  GET  /v1/agents  list configured agents
  GET  /healthz    liveness
  GET  /metrics    prometheus metrics

The janitor runs on its configured schedule while the server is up.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := tracing.InitOpenTelemetry("threadline"); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to initialize tracing")
	}

	if cfg.Janitor.Enabled {
		if err := a.janitor.Start(); err != nil {
			return err
		}
	}

	srv := server.New(server.Options{
		Host:   cfg.Server.Host,
		Port:   cfg.Server.Port,
		Logger: a.logger,
	}, a.orchestrator)

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	fmt.Fprintln(cmd.OutOrStdout(), green(fmt.Sprintf("Listening on %s:%d with %d agents", cfg.Server.Host, cfg.Server.Port, len(a.orchestrator.Agents()))))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	errs = append(errs, srv.Stop(shutdownCtx))
	errs = append(errs, <-errCh)
	errs = append(errs, tracing.ShutdownOpenTelemetry(shutdownCtx))
	return errors.Join(errs...)
}
