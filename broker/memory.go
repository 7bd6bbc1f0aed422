package broker

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process Broker. Every subscriber gets its own unbounded queue,
// so a slow subscriber never blocks publishers.
type MemoryBroker struct {
	mu        sync.Mutex
	subs      map[string]map[*subscription]struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type subscription struct {
	mu     sync.Mutex
	queue  [][]byte
	signal chan struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subs: make(map[string]map[*subscription]struct{}),
		done: make(chan struct{}),
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, mailbox string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.isClosed() {
		b.mu.Unlock()
		return ErrClosed
	}
	targets := make([]*subscription, 0, len(b.subs[mailbox]))
	for s := range b.subs[mailbox] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.push(append([]byte(nil), data...))
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, mailbox string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isClosed() {
		return nil, ErrClosed
	}

	s := &subscription{signal: make(chan struct{}, 1)}
	if b.subs[mailbox] == nil {
		b.subs[mailbox] = make(map[*subscription]struct{})
	}
	b.subs[mailbox][s] = struct{}{}

	out := make(chan []byte)
	go b.pump(ctx, mailbox, s, out)
	return out, nil
}

// Subscribers returns the number of live subscriptions on mailbox.
func (b *MemoryBroker) Subscribers(mailbox string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[mailbox])
}

func (b *MemoryBroker) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		close(b.done)
		b.mu.Unlock()
	})
	return nil
}

func (b *MemoryBroker) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *MemoryBroker) pump(ctx context.Context, mailbox string, s *subscription, out chan<- []byte) {
	defer func() {
		b.mu.Lock()
		delete(b.subs[mailbox], s)
		if len(b.subs[mailbox]) == 0 {
			delete(b.subs, mailbox)
		}
		b.mu.Unlock()
		close(out)
	}()

	for {
		if msg, ok := s.pop(); ok {
			select {
			case out <- msg:
				continue
			case <-ctx.Done():
				return
			case <-b.done:
				return
			}
		}
		select {
		case <-s.signal:
		case <-ctx.Done():
			return
		case <-b.done:
			return
		}
	}
}

func (s *subscription) push(msg []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) pop() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg, true
}
