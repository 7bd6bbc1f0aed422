package loadbalance

import (
	"math/rand/v2"

	"svcbus/descriptor"
)

// RandomBalancer picks a uniformly random instance.
type RandomBalancer struct{}

func (b *RandomBalancer) Pick(instances []descriptor.ServiceDescriptor) (descriptor.ServiceDescriptor, error) {
	if len(instances) == 0 {
		return descriptor.ServiceDescriptor{}, ErrNoInstances
	}
	return instances[rand.IntN(len(instances))], nil
}

func (b *RandomBalancer) Name() string {
	return "Random"
}
