// Command controlplane runs one control plane replica.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/dd0wney/cluso-controlplane/pkg/config"
	"github.com/dd0wney/cluso-controlplane/pkg/logging"
	"github.com/dd0wney/cluso-controlplane/pkg/server"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("controlplane", pflag.ContinueOnError)
	flags := config.RegisterFlags(fs)
	showVersion := fs.Bool("version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *showVersion {
		fmt.Println(version)
		return 0
	}

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "controlplane: %v\n", err)
		return 2
	}

	logger := logging.NewJSONLogger(os.Stdout, cfg.Level())
	srv, err := server.New(cfg, server.Options{Version: version, Logger: logger})
	if err != nil {
		logger.Error("invalid configuration", logging.Error(err))
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Error("failed to start", logging.Error(err))
		return 1
	}

	<-ctx.Done()
	logger.Info("shutting down", logging.Duration("timeout", cfg.HTTP.ShutdownTimeout))
	if err := srv.Stop(context.Background()); err != nil {
		logger.Error("shutdown incomplete", logging.Error(err))
		return 1
	}
	return 0
}
