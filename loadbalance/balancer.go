// Package loadbalance provides strategies for choosing one service instance
// among those registered for a service type.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity instances
//   - Random:          uniform random choice, no shared state
//   - ConsistentHash:  the same key always lands on the same instance
package loadbalance

import (
	"errors"

	"svcbus/descriptor"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer chooses the target of a call. Pick is called on every call and must be
// goroutine-safe.
type Balancer interface {
	Pick(instances []descriptor.ServiceDescriptor) (descriptor.ServiceDescriptor, error)

	// Name returns the strategy name (for logging).
	Name() string
}

// New returns the balancer registered under name, or RoundRobin for an unknown name.
func New(name string) Balancer {
	switch name {
	case "random":
		return &RandomBalancer{}
	case "consistent-hash":
		return NewConsistentHashBalancer()
	default:
		return &RoundRobinBalancer{}
	}
}
