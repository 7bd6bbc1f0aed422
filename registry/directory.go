package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"svcbus/broker"
	"svcbus/codec"
	"svcbus/descriptor"
	"svcbus/message"
	"svcbus/protocol"
)

const DefaultZombieTimeout = 15 * time.Second

// Directory is the orchestrator-side Registry. It is fed by the registrations mailbox
// (see Serve) but can also be driven directly through Register/Deregister.
type Directory struct {
	// OnServiceRegistering runs before a service is accepted. A non-nil error rejects it.
	OnServiceRegistering func(d descriptor.ServiceDescriptor) error
	// OnServiceUnregistering runs after a service is removed. isZombie is true when it
	// was evicted for missing heartbeats rather than unregistering itself.
	OnServiceUnregistering func(d descriptor.ServiceDescriptor, isZombie bool) error

	broker        broker.Broker
	self          descriptor.ServiceDescriptor
	codecType     codec.CodecType
	zombieTimeout time.Duration
	logger        *zap.Logger

	mu       sync.Mutex
	services map[string]map[string]*entry // serviceType → serviceId → entry
	watchers map[string]map[chan []descriptor.ServiceDescriptor]struct{}
}

type entry struct {
	descriptor descriptor.ServiceDescriptor
	lastSeen   time.Time
}

func NewDirectory(b broker.Broker, self descriptor.ServiceDescriptor, ct codec.CodecType, zombieTimeout time.Duration, logger *zap.Logger) *Directory {
	if zombieTimeout <= 0 {
		zombieTimeout = DefaultZombieTimeout
	}
	return &Directory{
		broker:        b,
		self:          self,
		codecType:     ct,
		zombieTimeout: zombieTimeout,
		logger:        logger.Named("directory"),
		services:      make(map[string]map[string]*entry),
		watchers:      make(map[string]map[chan []descriptor.ServiceDescriptor]struct{}),
	}
}

// Serve consumes the registrations mailbox until ctx is done and evicts zombies
// every zombieTimeout/3. It returns broker.ErrClosed if the subscription is lost.
func (d *Directory) Serve(ctx context.Context) error {
	inbox, err := d.broker.Subscribe(ctx, broker.RegistrationsMailbox(d.self.Encode()))
	if err != nil {
		return err
	}

	sweep := time.NewTicker(d.zombieTimeout / 3)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-sweep.C:
			d.Sweep(now)
		case data, ok := <-inbox:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return broker.ErrClosed
			}
			d.handle(ctx, data)
		}
	}
}

func (d *Directory) handle(ctx context.Context, data []byte) {
	header, body, err := protocol.Unpack(data)
	if err != nil {
		d.logger.Warn("dropping malformed envelope", zap.Error(err))
		return
	}
	var reg message.Registration
	if err := protocol.DecodeBody(header, body, &reg); err != nil {
		d.logger.Warn("dropping malformed registration", zap.Error(err))
		return
	}
	desc, err := descriptor.ParseServiceFullId(reg.Descriptor)
	if err != nil {
		d.logger.Warn("dropping registration with bad descriptor", zap.String("descriptor", reg.Descriptor), zap.Error(err))
		return
	}

	switch header.MsgType {
	case protocol.MsgTypeRegister:
		regErr := d.Register(desc)
		if err := d.ack(ctx, desc, header.Seq, regErr); err != nil {
			d.logger.Warn("ack failed", zap.String("service", desc.Encode()), zap.Error(err))
		}
	case protocol.MsgTypeHeartbeat:
		if d.touch(desc, time.Now()) {
			return
		}
		// An evicted instance, or one registered before a restart, is still alive.
		d.logger.Info("heartbeat from unknown service, registering it", zap.String("service", desc.Encode()))
		regErr := d.Register(desc)
		if err := d.ack(ctx, desc, header.Seq, regErr); err != nil {
			d.logger.Warn("ack failed", zap.String("service", desc.Encode()), zap.Error(err))
		}
	case protocol.MsgTypeUnregister:
		if err := d.Deregister(desc, false); err != nil {
			d.logger.Warn("unregister hook failed", zap.String("service", desc.Encode()), zap.Error(err))
		}
	default:
		d.logger.Warn("unexpected message on registrations mailbox", zap.Stringer("type", header.MsgType))
	}
}

func (d *Directory) ack(ctx context.Context, desc descriptor.ServiceDescriptor, seq uint32, regErr error) error {
	var flags protocol.Flags
	reg := &message.Registration{Descriptor: desc.Encode()}
	if regErr != nil {
		flags |= protocol.FlagError
		reg.Reason = regErr.Error()
	}
	envelope, err := protocol.Pack(d.codecType, protocol.MsgTypeAck, flags, seq, reg)
	if err != nil {
		return err
	}
	return d.broker.Publish(ctx, broker.AcksMailbox(desc.Encode()), envelope)
}

// Register accepts a service unless OnServiceRegistering rejects it.
// Registering an already known service refreshes it.
func (d *Directory) Register(desc descriptor.ServiceDescriptor) error {
	if desc.ServiceId == "" {
		return fmt.Errorf("registry: %s has no instance id", desc.Encode())
	}
	if d.OnServiceRegistering != nil {
		if err := d.OnServiceRegistering(desc); err != nil {
			return err
		}
	}

	d.mu.Lock()
	ids := d.services[desc.ServiceType]
	if ids == nil {
		ids = make(map[string]*entry)
		d.services[desc.ServiceType] = ids
	}
	ids[desc.ServiceId] = &entry{descriptor: desc, lastSeen: time.Now()}
	d.notifyLocked(desc.ServiceType)
	d.mu.Unlock()

	d.logger.Info("service registered", zap.String("service", desc.Encode()))
	return nil
}

// Deregister removes a service. Unknown services are ignored.
func (d *Directory) Deregister(desc descriptor.ServiceDescriptor, isZombie bool) error {
	d.mu.Lock()
	ids := d.services[desc.ServiceType]
	if _, ok := ids[desc.ServiceId]; !ok {
		d.mu.Unlock()
		return nil
	}
	delete(ids, desc.ServiceId)
	if len(ids) == 0 {
		delete(d.services, desc.ServiceType)
	}
	d.notifyLocked(desc.ServiceType)
	d.mu.Unlock()

	d.logger.Info("service unregistered", zap.String("service", desc.Encode()), zap.Bool("zombie", isZombie))
	if d.OnServiceUnregistering != nil {
		return d.OnServiceUnregistering(desc, isZombie)
	}
	return nil
}

// Discover returns the registered instances of serviceType, sorted by id.
func (d *Directory) Discover(serviceType string) ([]descriptor.ServiceDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked(serviceType), nil
}

// Types returns the service types with at least one registered instance.
func (d *Directory) Types() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	types := make([]string, 0, len(d.services))
	for t := range d.services {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Watch emits the instance list of serviceType on every change until ctx is done.
// A slow reader only ever sees the latest list.
func (d *Directory) Watch(ctx context.Context, serviceType string) <-chan []descriptor.ServiceDescriptor {
	ch := make(chan []descriptor.ServiceDescriptor, 1)

	d.mu.Lock()
	if d.watchers[serviceType] == nil {
		d.watchers[serviceType] = make(map[chan []descriptor.ServiceDescriptor]struct{})
	}
	d.watchers[serviceType][ch] = struct{}{}
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		delete(d.watchers[serviceType], ch)
		d.mu.Unlock()
		close(ch)
	}()
	return ch
}

// Sweep evicts services whose last heartbeat is older than the zombie timeout.
func (d *Directory) Sweep(now time.Time) {
	var zombies []descriptor.ServiceDescriptor
	d.mu.Lock()
	for _, ids := range d.services {
		for _, e := range ids {
			if now.Sub(e.lastSeen) > d.zombieTimeout {
				zombies = append(zombies, e.descriptor)
			}
		}
	}
	d.mu.Unlock()

	for _, z := range zombies {
		if err := d.Deregister(z, true); err != nil {
			d.logger.Warn("unregister hook failed", zap.String("service", z.Encode()), zap.Error(err))
		}
	}
}

func (d *Directory) touch(desc descriptor.ServiceDescriptor, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.services[desc.ServiceType][desc.ServiceId]
	if ok {
		e.lastSeen = now
	}
	return ok
}

func (d *Directory) snapshotLocked(serviceType string) []descriptor.ServiceDescriptor {
	ids := d.services[serviceType]
	out := make([]descriptor.ServiceDescriptor, 0, len(ids))
	for _, e := range ids {
		out = append(out, e.descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceId < out[j].ServiceId })
	return out
}

func (d *Directory) notifyLocked(serviceType string) {
	if len(d.watchers[serviceType]) == 0 {
		return
	}
	list := d.snapshotLocked(serviceType)
	for ch := range d.watchers[serviceType] {
		// Drop a stale, unread list before sending the new one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- list:
		default:
		}
	}
}
