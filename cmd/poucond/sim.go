package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tankwanghow/poucon/internal/obslog"
	"github.com/tankwanghow/poucon/internal/supervisor"
)

func newSimCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Boot every component against an in-memory simulated fieldbus instead of real hardware",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSim(viper.GetString("db"), viper.GetBool("dev"), metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Listen address for the Prometheus /metrics endpoint.")
	return cmd
}

// runSim mirrors runServe, except the configured ports never dial real
// hardware: every non-virtual port shares one simulation adapter, so the
// same database that drives production can be exercised against
// synthetic I/O for demos and rehearsal (spec §4.10).
func runSim(dsn string, dev bool, metricsAddr string) error {
	log, err := obslog.New(dev)
	if err != nil {
		return err
	}
	defer log.Sync()

	sup, sim, err := supervisor.BootSimulated(dsn, log)
	if err != nil {
		return err
	}
	log.Info("booted against simulated fieldbus", zap.Bool("sim", sim != nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(sup.Metrics().Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: metricsAddr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("metrics endpoint listening", zap.String("addr", metricsAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	sup.WaitSignal(ctx)
	return g.Wait()
}
