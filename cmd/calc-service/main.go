// Command calc-service serves the calc commands on the bus.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"svcbus/broker"
	"svcbus/config"
	"svcbus/logging"
	"svcbus/services"
	"svcbus/services/calc"
)

func main() {
	configPath := flag.String("config", "", "path to a .toml or .yaml config file")
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := broker.NewEtcdBroker(cfg.Broker, logger)
	if err != nil {
		logger.Error("broker connection failed", zap.Error(err))
		os.Exit(1)
	}
	defer b.Close()

	if err := services.Run(ctx, cfg, b, calc.ServiceType, calc.Commands(), logger); err != nil {
		logger.Error("service stopped", zap.Error(err))
		b.Close()
		logger.Sync()
		os.Exit(1)
	}
}
