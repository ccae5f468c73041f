package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Locker serializes reconciliations of one deployment
type Locker interface {
	// Lock blocks until key is held or ctx is done; the returned func releases it
	Lock(ctx context.Context, key string) (func(), error)
}

// LocalLocker serializes within this process
type LocalLocker struct {
	slots *xsync.MapOf[string, chan struct{}]
}

// NewLocalLocker creates an in-process keyed locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: xsync.NewMapOf[string, chan struct{}]()}
}

// Lock implements Locker
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	slot, _ := l.slots.LoadOrStore(key, make(chan struct{}, 1))

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for lock %s: %w", key, ctx.Err())
	}
}

// EtcdLocker serializes across operator replicas using etcd sessions
type EtcdLocker struct {
	client *clientv3.Client
	prefix string
	ttl    int
}

// EtcdLockerConfig configures the etcd-backed locker
type EtcdLockerConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
	TTLSeconds  int
}

// NewEtcdLocker connects to etcd
func NewEtcdLocker(config EtcdLockerConfig) (*EtcdLocker, error) {
	if len(config.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd locker requires at least one endpoint")
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.Prefix == "" {
		config.Prefix = "/quorumkeeper/locks"
	}
	if config.TTLSeconds <= 0 {
		config.TTLSeconds = 30
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	return &EtcdLocker{client: cli, prefix: config.Prefix, ttl: config.TTLSeconds}, nil
}

// Lock implements Locker. The lease is tied to a session so a crashed
// operator releases its locks after the TTL. ctx bounds acquisition only;
// the session keeps its lease alive until the returned func runs.
func (l *EtcdLocker) Lock(ctx context.Context, key string) (func(), error) {
	sessCtx, cancelSess := context.WithCancel(context.WithoutCancel(ctx))
	detach := context.AfterFunc(ctx, cancelSess)

	sess, err := concurrency.NewSession(l.client, concurrency.WithTTL(l.ttl), concurrency.WithContext(sessCtx))
	if err != nil {
		cancelSess()
		return nil, fmt.Errorf("failed to create etcd session: %w", errors.Join(err, ctx.Err()))
	}

	mu := concurrency.NewMutex(sess, l.prefix+"/"+key)
	if err := mu.Lock(ctx); err != nil {
		sess.Close()
		cancelSess()
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !detach() {
		// ctx ended right after acquisition and already stopped the keepalive
		l.release(mu, sess, key)
		cancelSess()
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, ctx.Err())
	}

	return func() {
		l.release(mu, sess, key)
		cancelSess()
	}, nil
}

func (l *EtcdLocker) release(mu *concurrency.Mutex, sess *concurrency.Session, key string) {
	unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mu.Unlock(unlockCtx); err != nil {
		log.Warn().Err(err).Str("lock", key).Msg("Failed to release etcd lock")
	}
	sess.Close()
}

// Close releases the etcd client
func (l *EtcdLocker) Close() error {
	return l.client.Close()
}
