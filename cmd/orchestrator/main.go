// Command orchestrator accepts calc and linalg services, serves the status API and
// runs periodic demo calls against the registered services.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"svcbus/broker"
	"svcbus/config"
	"svcbus/logging"
	"svcbus/orchestrator"
	"svcbus/services/calc"
	"svcbus/services/linalg"
)

func main() {
	configPath := flag.String("config", "", "path to a .toml or .yaml config file")
	demo := flag.Bool("demo", true, "run periodic demo calls")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, *demo, logger); err != nil {
		logger.Error("orchestrator stopped", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, demo bool, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := broker.NewEtcdBroker(cfg.Broker, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	orc, err := orchestrator.New(ctx, orchestrator.Options{
		Broker:        b,
		Codec:         cfg.Codec,
		AcceptedTypes: []string{calc.ServiceType, linalg.ServiceType},
		ZombieTimeout: cfg.ZombieTimeout,
		CallTimeout:   cfg.CallTimeout,
		CallRetries:   cfg.CallRetries,
		Balancer:      cfg.Balancer,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer orc.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orc.Serve(gctx) })
	if cfg.HTTPAddr != "" {
		g.Go(func() error { return orc.ListenAndServe(gctx, cfg.HTTPAddr) })
	}
	if demo {
		g.Go(func() error {
			orc.RunDemo(gctx, 2*time.Second, 3*time.Second)
			return nil
		})
	}
	return g.Wait()
}
