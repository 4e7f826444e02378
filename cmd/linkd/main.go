package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/trilink/internal/logging"
	"github.com/danmuck/trilink/internal/server"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "cmd/linkd/config.toml", "path to linkd config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "linkd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadRuntimeConfig(configPath)
	missing := errors.Is(err, fs.ErrNotExist)
	if missing {
		cfg = defaultRuntimeConfig()
	} else if err != nil {
		return err
	}

	logging.ApplyEnvOverrides(&cfg.Log)
	sink := logging.New(cfg.Log, os.Stdout)
	log := sink.Logger.With().Str("app", "linkd").Logger()
	if missing {
		log.Warn().Str("path", configPath).Msg("linkd config not found, using defaults")
	}

	svc, err := server.NewService(cfg.Service, log)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
	g.Go(func() error {
		select {
		case <-svc.Ready():
		case <-ctx.Done():
			return nil
		}
		return newRelay(svc, cfg.FileStore, log).Run(ctx)
	})
	return g.Wait()
}
