package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tOgg1/chatsync/internal/engine"
	"github.com/tOgg1/chatsync/internal/events"
	"github.com/tOgg1/chatsync/internal/logging"
)

const shutdownTimeout = 5 * time.Second

func newTailCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the chat timeline",
		Long: "Open the chat viewer and stream new messages, connection changes and " +
			"notifications until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd, flags)
		},
	}
	cmd.Flags().Bool("jsonl", false, "emit one JSON record per line")
	cmd.Flags().Int("backlog", DefaultStreamConfig().Backlog, "number of loaded messages to print first")
	cmd.Flags().String("metrics-listen", "", "serve prometheus metrics on this address")
	return cmd
}

func runTail(cmd *cobra.Command, flags *globalFlags) error {
	cfg, _, closeLog, err := loadConfig(flags)
	if err != nil {
		return err
	}
	defer closeLog()

	jsonl, _ := cmd.Flags().GetBool("jsonl")
	backlog, _ := cmd.Flags().GetInt("backlog")
	listen, _ := cmd.Flags().GetString("metrics-listen")
	if listen == "" {
		listen = cfg.Metrics.Listen
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := openSession(ctx, cfg, func(c *engine.Config) { c.ViewerOpen = true })
	if err != nil {
		return Exitf(ExitCodeFailure, "%v", err)
	}

	streamCfg := DefaultStreamConfig()
	streamCfg.JSONL = jsonl
	streamCfg.Backlog = backlog
	streamer := NewTimelineStreamer(cmd.OutOrStdout(), streamCfg)
	if err := sess.engine.Subscribe("tail", events.Filter{}, streamer.Handle); err != nil {
		_ = sess.close(context.Background())
		return Exitf(ExitCodeFailure, "subscribe: %v", err)
	}

	ctx = logging.WithContext(ctx, logging.Component("tail"))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return streamer.Stream(gctx) })
	if listen != "" {
		g.Go(func() error { return serveMetrics(gctx, listen, sess.registry) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return sess.close(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return Exitf(ExitCodeFailure, "%v", err)
	}
	return nil
}

// serveMetrics exposes reg on /metrics until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	logger := logging.FromContext(ctx).With().Str("addr", addr).Logger()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Msg("serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
