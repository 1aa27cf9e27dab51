// Command busd runs the bus hub every replica publishes to and subscribes
// from.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-controlplane/pkg/bus"
	"github.com/dd0wney/cluso-controlplane/pkg/logging"
	"github.com/dd0wney/cluso-controlplane/pkg/metrics"
	"github.com/dd0wney/cluso-controlplane/pkg/server"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	def := bus.DefaultHubConfig()
	fs := pflag.NewFlagSet("busd", pflag.ContinueOnError)
	collect := fs.String("collect", def.CollectAddr, "address replicas publish to")
	distribute := fs.String("distribute", def.DistributeAddr, "address replicas subscribe to")
	transportName := fs.String("transport", "nng", "bus transport: nng, or zmq when built with -tags zmq")
	metricsListen := fs.String("metrics-listen", ":9501", "metrics listen address, empty to disable")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	logger := logging.NewJSONLogger(os.Stdout, logging.ParseLevel(*logLevel))
	reg := metrics.NewRegistry()

	transport, err := bus.NewTransport(*transportName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "busd: %v\n", err)
		return 2
	}
	cfg := bus.HubConfig{
		CollectAddr:      *collect,
		DistributeAddr:   *distribute,
		RecvPollInterval: def.RecvPollInterval,
	}
	hub, err := bus.NewHub(cfg, transport, logger, reg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "busd: %v\n", err)
		return 2
	}
	if err := hub.Listen(); err != nil {
		logger.Error("hub listen failed", logging.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return hub.Run(gctx) })

	if *metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", reg.Handler())
		ops := server.NewGracefulServer("metrics", *metricsListen, mux, logger)
		if err := ops.Listen(); err != nil {
			logger.Error("metrics listen failed", logging.Error(err))
			_ = hub.Close()
			return 1
		}
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ops.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		forwarded, dropped := hub.Stats()
		logger.Info("bus hub stopping",
			logging.Uint64("forwarded", forwarded),
			logging.Uint64("dropped", dropped))
		return hub.Close()
	})

	logger.Info("bus hub running",
		logging.String("collect", *collect),
		logging.String("distribute", *distribute),
		logging.String("transport", *transportName))

	if err := g.Wait(); err != nil {
		logger.Error("bus hub failed", logging.Error(err))
		return 1
	}
	return 0
}
