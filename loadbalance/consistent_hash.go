package loadbalance

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/zeebo/blake3"

	"svcbus/descriptor"
)

const defaultReplicas = 100

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance until the ring changes.
//
// Each instance is placed on the ring as N virtual nodes so that a handful of
// instances still spread evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu      sync.RWMutex
	ring    []uint32                                // sorted virtual node hashes
	nodes   map[uint32]descriptor.ServiceDescriptor // virtual node hash → instance
	members map[string]struct{}                     // encoded descriptors on the ring
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: defaultReplicas,
		nodes:    make(map[uint32]descriptor.ServiceDescriptor),
		members:  make(map[string]struct{}),
	}
}

func hashKey(key string) uint32 {
	sum := blake3.Sum256([]byte(key))
	return binary.BigEndian.Uint32(sum[:4])
}

// Add places an instance on the ring. Adding an instance twice is a no-op.
func (b *ConsistentHashBalancer) Add(instance descriptor.ServiceDescriptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(instance)
}

func (b *ConsistentHashBalancer) addLocked(instance descriptor.ServiceDescriptor) {
	id := instance.Encode()
	if _, ok := b.members[id]; ok {
		return
	}
	b.members[id] = struct{}{}
	for i := 0; i < b.replicas; i++ {
		hash := hashKey(fmt.Sprintf("%s#%d", id, i))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Remove takes an instance and its virtual nodes off the ring.
func (b *ConsistentHashBalancer) Remove(instance descriptor.ServiceDescriptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := instance.Encode()
	if _, ok := b.members[id]; !ok {
		return
	}
	delete(b.members, id)
	ring := b.ring[:0]
	for _, h := range b.ring {
		if b.nodes[h].Encode() == id {
			delete(b.nodes, h)
			continue
		}
		ring = append(ring, h)
	}
	b.ring = ring
}

// Get finds the instance responsible for key: the first virtual node clockwise
// from the key's hash, wrapping around past the end of the ring.
func (b *ConsistentHashBalancer) Get(key string) (descriptor.ServiceDescriptor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return descriptor.ServiceDescriptor{}, ErrNoInstances
	}
	hash := hashKey(key)
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

// Pick syncs the ring with instances and routes on the empty key, so that one caller
// keeps hitting the same instance while membership is stable.
func (b *ConsistentHashBalancer) Pick(instances []descriptor.ServiceDescriptor) (descriptor.ServiceDescriptor, error) {
	b.Sync(instances)
	return b.Get("")
}

// Sync makes the ring hold exactly instances.
func (b *ConsistentHashBalancer) Sync(instances []descriptor.ServiceDescriptor) {
	want := make(map[string]descriptor.ServiceDescriptor, len(instances))
	for _, inst := range instances {
		want[inst.Encode()] = inst
	}

	b.mu.RLock()
	same := len(want) == len(b.members)
	if same {
		for id := range want {
			if _, ok := b.members[id]; !ok {
				same = false
				break
			}
		}
	}
	b.mu.RUnlock()
	if same {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]descriptor.ServiceDescriptor)
	b.members = make(map[string]struct{})
	for _, inst := range want {
		b.addLocked(inst)
	}
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
