package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/portalsync/internal/health"
	"github.com/felixgeelhaar/portalsync/internal/metrics"
	"github.com/felixgeelhaar/portalsync/internal/version"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Run the sync client and serve metrics and health probes",
	Long: `Run the session, cache and notification channel in the foreground and
expose their metrics on /metrics, with /healthz and /readyz probes, until
interrupted.

Examples:
  portal metrics --addr :9464`,
	RunE: runMetrics,
}

func init() {
	metricsCmd.Flags().String("addr", "127.0.0.1:9464", "listen address")
	metricsCmd.Flags().Bool("warm", true, "preload dashboard data on start")

	rootCmd.AddCommand(metricsCmd)
}

func runMetrics(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	addr, _ := cmd.Flags().GetString("addr")
	warm, _ := cmd.Flags().GetBool("warm")

	p, _, err := openPortal(ctx, cmd, live)
	if err != nil {
		return err
	}
	defer p.Close()

	checks := health.NewManager(5 * time.Second)
	checks.AddChecker(&health.EndpointChecker{URL: p.BaseURL()})
	checks.AddChecker(&health.SessionChecker{Sessions: p.Session()})
	if ch := p.Channel(); ch != nil {
		checks.AddChecker(&health.ChannelChecker{Channel: ch})
	} else {
		checks.AddChecker(&health.ChannelChecker{})
	}
	probes := health.NewProbes(checks, version.GetInfo().Version)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HandlerFor(p.Registry()))
	probes.Register(mux)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Serving metrics on http://%s/metrics\n", ln.Addr()) //nolint:errcheck

	if warm && p.Session().Current().IsAuthenticated() {
		if err := p.Warm(ctx); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warm-up failed: %v\n", err) //nolint:errcheck
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	probes.MarkShutdown()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
