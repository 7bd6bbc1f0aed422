// Package orchestrator is the coordinator side of the bus: it owns the service
// Directory, decides which service types may register, and calls registered
// services through a load-balanced client.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"svcbus/broker"
	"svcbus/client"
	"svcbus/codec"
	"svcbus/descriptor"
	"svcbus/loadbalance"
	"svcbus/registry"
)

// Self is the orchestrator's descriptor. There is only one orchestrator, so the
// instance id is empty.
var Self = descriptor.MustParse("svc:orc:")

type Options struct {
	Broker        broker.Broker
	Codec         codec.CodecType
	AcceptedTypes []string // service types allowed to register
	ZombieTimeout time.Duration
	CallTimeout   time.Duration
	CallRetries   int
	Balancer      string
	Logger        *zap.Logger
}

type Orchestrator struct {
	dir       *registry.Directory
	client    *client.Client
	accepted  map[string]struct{}
	logger    *zap.Logger
	startedAt time.Time
}

func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("service", Self.Encode()))

	o := &Orchestrator{
		accepted:  make(map[string]struct{}, len(opts.AcceptedTypes)),
		logger:    logger,
		startedAt: time.Now(),
	}
	for _, t := range opts.AcceptedTypes {
		o.accepted[t] = struct{}{}
	}

	o.dir = registry.NewDirectory(opts.Broker, Self, opts.Codec, opts.ZombieTimeout, logger)
	o.dir.OnServiceRegistering = o.serviceRegistering
	o.dir.OnServiceUnregistering = o.serviceUnregistering

	c, err := client.NewClient(ctx, client.Options{
		Self:     Self,
		Broker:   opts.Broker,
		Codec:    opts.Codec,
		Registry: o.dir,
		Balancer: loadbalance.New(opts.Balancer),
		Timeout:  opts.CallTimeout,
		Retries:  opts.CallRetries,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	o.client = c
	return o, nil
}

func (o *Orchestrator) Directory() *registry.Directory { return o.dir }

func (o *Orchestrator) Client() *client.Client { return o.client }

// AcceptedTypes returns the service types allowed to register, sorted.
func (o *Orchestrator) AcceptedTypes() []string {
	out := make([]string, 0, len(o.accepted))
	for t := range o.accepted {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Serve runs the Directory until ctx is done.
func (o *Orchestrator) Serve(ctx context.Context) error {
	return o.dir.Serve(ctx)
}

func (o *Orchestrator) Close() error {
	return o.client.Close()
}

func (o *Orchestrator) serviceRegistering(d descriptor.ServiceDescriptor) error {
	if _, ok := o.accepted[d.ServiceType]; !ok {
		o.logger.Warn("unknown service type to register", zap.String("type", d.ServiceType), zap.String("descriptor", d.Encode()))
		return fmt.Errorf("unknown service type to register: %s", d.ServiceType)
	}
	o.logger.Info("module has been registered", zap.String("type", d.ServiceType), zap.String("descriptor", d.Encode()))
	return nil
}

func (o *Orchestrator) serviceUnregistering(d descriptor.ServiceDescriptor, isZombie bool) error {
	if _, ok := o.accepted[d.ServiceType]; !ok {
		return fmt.Errorf("unknown service type to unregister: %s", d.ServiceType)
	}
	if isZombie {
		o.logger.Warn("module is not alive anymore, it has been unregistered", zap.String("descriptor", d.Encode()))
	} else {
		o.logger.Info("module has been unregistered", zap.String("descriptor", d.Encode()))
	}
	return nil
}
