package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const DefaultKeyPrefix = "/svcbus/"

// EtcdConfig holds connection parameters. They are passed to the etcd client as-is.
type EtcdConfig struct {
	Endpoints   []string
	Username    string
	Password    string
	DialTimeout time.Duration
	MessageTTL  time.Duration // Lease TTL of each published message
	KeyPrefix   string
}

// EtcdBroker implements Broker on top of etcd v3, mapping mailboxes onto key prefixes.
//
//	Key:   /svcbus/{mailbox}/{uuid}
//	Value: the published bytes (a protocol envelope)
//
// Every message is attached to a short TTL lease, so etcd garbage-collects delivered
// messages on its own. Subscribers use the Watch API (server push) on the mailbox prefix
// and only see messages written after they subscribed.
type EtcdBroker struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	prefix string
	ttl    int64
	logger *zap.Logger
}

// NewEtcdBroker connects to etcd and verifies the cluster answers within DialTimeout.
func NewEtcdBroker(cfg EtcdConfig, logger *zap.Logger) (*EtcdBroker, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("broker: no etcd endpoints")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.MessageTTL < time.Second {
		cfg.MessageTTL = 30 * time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if !strings.HasSuffix(cfg.KeyPrefix, "/") {
		cfg.KeyPrefix += "/"
	}

	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("broker: connect etcd: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if _, err := c.Get(ctx, cfg.KeyPrefix, clientv3.WithPrefix(), clientv3.WithCountOnly()); err != nil {
		c.Close()
		return nil, fmt.Errorf("broker: reach etcd: %w", err)
	}

	return &EtcdBroker{
		client: c,
		prefix: cfg.KeyPrefix,
		ttl:    int64(cfg.MessageTTL / time.Second),
		logger: logger,
	}, nil
}

func (b *EtcdBroker) mailboxPrefix(mailbox string) string {
	return b.prefix + mailbox + "/"
}

// Publish writes data under a fresh key in the mailbox, bound to a TTL lease.
func (b *EtcdBroker) Publish(ctx context.Context, mailbox string, data []byte) error {
	lease, err := b.client.Grant(ctx, b.ttl)
	if err != nil {
		return fmt.Errorf("broker: grant lease: %w", err)
	}

	key := b.mailboxPrefix(mailbox) + uuid.NewString()
	if _, err := b.client.Put(ctx, key, string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("broker: put %s: %w", key, err)
	}
	return nil
}

// Subscribe watches the mailbox prefix and forwards every new value.
// The watch starts right after the current revision, so nothing published once
// Subscribe has returned is missed. Deletions (lease expiry) are ignored.
func (b *EtcdBroker) Subscribe(ctx context.Context, mailbox string) (<-chan []byte, error) {
	prefix := b.mailboxPrefix(mailbox)
	current, err := b.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return nil, fmt.Errorf("broker: read revision of %s: %w", prefix, err)
	}
	watchChan := b.client.Watch(clientv3.WithRequireLeader(ctx), prefix,
		clientv3.WithPrefix(), clientv3.WithRev(current.Header.Revision+1))

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				b.logger.Error("etcd watch failed", zap.String("mailbox", mailbox), zap.Error(err))
				return
			}
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				select {
				case out <- ev.Kv.Value:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *EtcdBroker) Close() error {
	return b.client.Close()
}
