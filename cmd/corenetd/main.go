// Command corenetd runs one corenet Transport per configured CPU,
// accepting on a fixed address and echoing back everything it reads —
// a minimal reference application exercising every module in
// github.com/iqhive/corenet, in the style of the teacher's own thin CLI
// wrappers over library code.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"net/http"

	"github.com/iqhive/corenet"
)

func main() {
	var (
		configPath string
		listenAddr string
		cpus       []int
		metricsAddr string
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "corenetd",
		Short: "corenet reference echo server, one loop per CPU",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, listenAddr, cpus, metricsAddr, logLevel)
		},
	}

	var flags *pflag.FlagSet = root.Flags()
	flags.StringVar(&configPath, "config", "", "path to a loop-config TOML file (optional)")
	flags.StringVar(&listenAddr, "listen", ":9000", "address to accept connections on")
	flags.IntSliceVar(&cpus, "cpu", []int{0}, "CPU indices to run one loop on each")
	flags.StringVar(&metricsAddr, "metrics", "", "address to serve Prometheus metrics on (empty disables)")
	flags.StringVar(&logLevel, "log-level", "info", "logrus level: debug, info, warn, error")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, listenAddr string, cpus []int, metricsAddr, logLevel string) error {
	logger := logrus.New()
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := corenet.DefaultLoopConfig()
	if configPath != "" {
		cfg, err = corenet.LoadLoopConfig(configPath)
		if err != nil {
			return err
		}
	}

	registry := prometheus.NewRegistry()
	transports := make([]*corenet.Transport, 0, len(cpus))

	for _, cpu := range cpus {
		loopCfg := cfg
		loopCfg.CPU = cpu
		id := fmt.Sprintf("cpu-%d", cpu)

		t := corenet.New(id, loopCfg, logger, registry)
		t.OnConnection(echoOnConnection(logger))

		if err := t.Start(); err != nil {
			return fmt.Errorf("start loop %s: %w", id, err)
		}
		if _, err := t.AcceptOn(listenAddr); err != nil {
			return fmt.Errorf("accept_on %s on loop %s: %w", listenAddr, id, err)
		}
		transports = append(transports, t)
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("metrics server failed")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	for _, t := range transports {
		if _, err := t.CloseAccept(); err != nil {
			logger.WithError(err).Warn("close_accept failed")
		}
	}
	for _, t := range transports {
		done, err := t.Stop()
		if err != nil {
			logger.WithError(err).Warn("stop failed")
			continue
		}
		<-done
		if err := t.Err(); err != nil {
			logger.WithError(err).Error("loop stopped with error")
		}
	}
	return nil
}

// echoOnConnection returns an OnConnectionFunc that copies everything a
// client sends back to it, demonstrating the application side of the
// two half-pipes on_connection receives.
func echoOnConnection(logger *logrus.Logger) corenet.OnConnectionFunc {
	return func(c corenet.Connection) {
		peer, _ := c.Peer()
		entry := logger.WithField("peer", peer.String())
		entry.Debug("connection accepted")

		go func() {
			ctx := context.Background()
			for {
				view, err := c.Input.ReadAsync(ctx)
				if err != nil || view.IsCancelled || (view.Len() == 0 && view.IsCompleted) {
					c.Output.Complete(err)
					return
				}
				for _, seg := range view.Segments {
					buf := c.Output.Alloc(len(seg))
					n := copy(buf, seg)
					c.Output.Commit(buf, n)
				}
				c.Input.Advance(view.Len())
				if completed, _, ferr := c.Output.FlushAsync(ctx); completed {
					c.Input.Complete(ferr)
					return
				}
			}
		}()
	}
}
