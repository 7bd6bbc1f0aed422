// Package services holds the command sets served on the bus (one subpackage per
// service type) and the common start-up sequence of a service process.
package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"svcbus/broker"
	"svcbus/command"
	"svcbus/config"
	"svcbus/descriptor"
	"svcbus/middleware"
	"svcbus/server"
)

// Orchestrator is the descriptor every service registers with.
var Orchestrator = descriptor.MustParse("svc:orc:")

// Run serves commands as svc:<serviceType>:<cfg.ServiceID> on b and registers with
// the orchestrator. It returns when ctx is done (nil) or when the service cannot
// continue: registration exhausted or rejected, or the broker lost.
func Run(ctx context.Context, cfg config.Config, b broker.Broker, serviceType string, commands *command.Registry, logger *zap.Logger) error {
	if cfg.ServiceID == "" {
		return fmt.Errorf("services: no instance id for %s (set HOSTNAME or service.id)", serviceType)
	}
	self := descriptor.New(serviceType, cfg.ServiceID)

	svr := server.NewServer(server.Options{
		Self:     self,
		Broker:   b,
		Commands: commands,
		Codec:    cfg.Codec,
		Logger:   logger,
	})
	svr.Use(middleware.LoggingMiddleware(logger.With(zap.String("service", self.Encode()))))
	if cfg.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}

	logger.Info("starting service", zap.String("service", self.Encode()), zap.Strings("commands", commands.Names()))
	return svr.Run(ctx, server.RegistrationOptions{
		Orchestrator:      Orchestrator,
		Attempts:          cfg.Registration.Attempts,
		PerAttemptTimeout: cfg.Registration.PerAttemptTimeout,
		HeartbeatInterval: cfg.Registration.HeartbeatInterval,
	})
}
