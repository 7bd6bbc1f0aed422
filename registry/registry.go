// Package registry implements how services become known to the orchestrator.
//
// Service side (Registrar): announce the service's descriptor on the orchestrator's
// registrations mailbox and wait for an ack, with a bounded number of attempts.
// After registering, send heartbeats; on shutdown, send an unregister.
//
// Orchestrator side (Directory): accept registrations, answer with acks, track
// heartbeats, evict services that went silent (zombies) and answer discovery queries.
package registry

import (
	"context"
	"errors"

	"svcbus/descriptor"
)

var (
	ErrRegistrationExhausted = errors.New("registry: registration attempts exhausted")
	ErrRegistrationRejected  = errors.New("registry: registration rejected")
	ErrAckTimeout            = errors.New("registry: ack timeout")
)

// Registry is the orchestrator's view of the registered services.
type Registry interface {
	Register(d descriptor.ServiceDescriptor) error
	Deregister(d descriptor.ServiceDescriptor, isZombie bool) error
	Discover(serviceType string) ([]descriptor.ServiceDescriptor, error)
	Watch(ctx context.Context, serviceType string) <-chan []descriptor.ServiceDescriptor
}
