package loadbalance

import (
	"sync/atomic"

	"svcbus/descriptor"
)

// RoundRobinBalancer cycles through the instances in order. The counter is atomic,
// so one balancer can be shared by concurrent callers.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(instances []descriptor.ServiceDescriptor) (descriptor.ServiceDescriptor, error) {
	if len(instances) == 0 {
		return descriptor.ServiceDescriptor{}, ErrNoInstances
	}
	index := (b.counter.Add(1) - 1) % uint64(len(instances))
	return instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
