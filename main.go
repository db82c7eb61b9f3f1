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

	"github.com/certcentral/certcentral/certstore"
	"github.com/certcentral/certcentral/challenges"
	"github.com/certcentral/certcentral/common"
	"github.com/certcentral/certcentral/config"
	"github.com/certcentral/certcentral/control_server"
	"github.com/certcentral/certcentral/dnsprovider"
	"github.com/certcentral/certcentral/gologger"
	"github.com/certcentral/certcentral/internal"
	"github.com/certcentral/certcentral/scheduler"
	"github.com/certcentral/certcentral/tracing"
	"github.com/certcentral/certcentral/utils"
	"golang.org/x/sync/errgroup"
)

var logger = gologger.NewLogger()

func main() {
	os.Exit(run())
}

func run() int {
	logger.Info().Msg("starting certcentral")

	if utils.Env_ConfigPath == "" {
		logger.Error().Msg("CERTCENTRAL_CONFIG is not set")
		return common.ExitConfig
	}
	cfg, err := config.Load(utils.Env_ConfigPath)
	if err != nil {
		logger.Error().Err(err).Str("path", utils.Env_ConfigPath).Msg("error loading config")
		return common.ExitConfig
	}

	store, err := certstore.New(cfg.Store.BasePath, cfg.Store.ArchiveKeep)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.Store.BasePath).Msg("error opening certificate store")
		return common.ExitStore
	}

	solvers, err := buildSolvers(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("error building challenge solvers")
		return common.ExitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flushTracer, err := tracing.InitTracer(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("error initializing tracer, continuing without tracing")
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = flushTracer(flushCtx)
		}()
	}

	sched := scheduler.New(cfg, store, solvers)
	control := control_server.NewServer(sched)

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(groupCtx)
	})
	g.Go(func() error {
		logger.Info().Msg("starting control server")
		if err := control.Start(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error in control server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info().Msg("starting internal metrics server")
		if err := internal.StartMetricsServer(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error in metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		watchReloads(groupCtx, sched)
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(utils.Env_ShutdownTimeoutSeconds)*time.Second)
		defer cancel()
		if err := control.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("error shutting down control server")
		}
		if err := internal.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("error shutting down metrics server")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("service exited with error")
		return common.ExitInternal
	}
	logger.Info().Msg("certcentral stopped")
	return common.ExitOK
}

// watchReloads re-reads configuration on SIGHUP and reconciles the record
// set. A config that fails validation is logged and ignored, the running
// configuration stays.
func watchReloads(ctx context.Context, sched *scheduler.Scheduler) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.Load(utils.Env_ConfigPath)
			if err != nil {
				logger.Error().Err(err).Msg("error reloading config, keeping current configuration")
				continue
			}
			sched.Reconcile(cfg)
			logger.Info().Int("certificates", len(cfg.Certificates)).Msg("configuration reloaded")
		}
	}
}

// buildSolvers wires the configured challenge types: the http-01 well-known
// directory, and one DNS driver per dns-01 provider block.
func buildSolvers(cfg *config.Config) (challenges.Registry, error) {
	registry := challenges.Registry{}
	if cfg.Challenges.HTTP01 != nil {
		registry[config.ChallengeHTTP01] = challenges.NewHTTP01Solver(
			cfg.Challenges.HTTP01.ChallengesDir,
			cfg.Challenges.HTTP01.SelfCheckURLs,
		)
	}
	if cfg.Challenges.DNS01 != nil {
		bound := make([]challenges.Bound, 0, len(cfg.Challenges.DNS01.Providers))
		for id, pc := range cfg.Challenges.DNS01.Providers {
			provider, err := dnsprovider.New(pc.Driver, pc.Credentials)
			if err != nil {
				return nil, fmt.Errorf("dns01 provider %s: %w", id, err)
			}
			bound = append(bound, challenges.Bound{ID: id, Zones: pc.Zones, Provider: provider})
		}
		registry[config.ChallengeDNS01] = challenges.NewDNS01Solver(bound, cfg.Challenges.DNS01.PropagationTimeout.Std())
	}
	return registry, nil
}
