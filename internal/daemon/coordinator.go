// Package daemon implements the sync coordinator behind blockcachevfsd:
// the out-of-band verbs that create, destroy, upload, download, inspect
// and clean containers.
package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/objectfs/blockvfs/internal/blockstore"
	"github.com/objectfs/blockvfs/internal/cache"
	"github.com/objectfs/blockvfs/internal/circuit"
	"github.com/objectfs/blockvfs/internal/config"
	"github.com/objectfs/blockvfs/internal/credentials"
	"github.com/objectfs/blockvfs/internal/lock"
	"github.com/objectfs/blockvfs/internal/manifest"
	bverrors "github.com/objectfs/blockvfs/pkg/errors"
	"github.com/objectfs/blockvfs/pkg/retry"
	"github.com/objectfs/blockvfs/pkg/types"
)

// Options configures a Coordinator.
type Options struct {
	Config  *config.Configuration
	Session credentials.Session
	// Backends opens object store backends; nil uses OpenBackend.
	Backends BackendOpener
	Metrics  types.MetricsCollector
	Logger   zerolog.Logger
}

// Coordinator runs verbs against containers. Verbs on the same container
// are serialized by the container lock.
type Coordinator struct {
	cfg       *config.Configuration
	session   credentials.Session
	open      BackendOpener
	metrics   types.MetricsCollector
	logger    zerolog.Logger
	manifests *manifest.Manager
	locks     *lock.Manager

	mu       sync.Mutex
	cache    *cache.Cache
	backends map[string]types.Backend
	breakers map[string]*circuit.Breaker
	clients  []*blockstore.Client
}

// New returns a Coordinator. The local cache is opened on first use.
func New(opts Options) (*Coordinator, error) {
	if opts.Config == nil {
		return nil, bverrors.NewError(bverrors.ErrCodeMissingConfig, "coordinator needs a configuration").WithComponent("daemon")
	}
	if opts.Session == nil {
		return nil, bverrors.NewError(bverrors.ErrCodeCredentialsMissing, "coordinator needs a credential session").WithComponent("daemon")
	}
	logger := opts.Logger.With().Str("component", "daemon").Logger()
	open := opts.Backends
	if open == nil {
		open = OpenBackend(opts.Config, opts.Session, opts.Logger)
	}
	return &Coordinator{
		cfg:     opts.Config,
		session: credentials.NewMemo(opts.Session),
		open:    open,
		metrics: opts.Metrics,
		logger:  logger,
		manifests: manifest.NewManager(manifest.Options{
			Concurrency: opts.Config.Storage.Concurrency,
			Logger:      opts.Logger,
		}),
		locks:    lock.NewManager(opts.Config.Cache.Directory, opts.Config.Lock.Lease, opts.Logger),
		backends: make(map[string]types.Backend),
		breakers: make(map[string]*circuit.Breaker),
	}, nil
}

// Manifests returns the manifest manager shared by every verb.
func (c *Coordinator) Manifests() *manifest.Manager {
	return c.manifests
}

// Cache opens the local block cache on first call.
func (c *Coordinator) Cache() (*cache.Cache, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache != nil {
		return c.cache, nil
	}
	capacity := c.cfg.CacheSizeBytes()
	cc, err := cache.Open(cache.Config{
		Directory: c.cfg.Cache.Directory,
		Capacity:  capacity,
		Metrics:   c.metrics,
		Logger:    c.logger,
	})
	if err != nil {
		return nil, err
	}
	c.cache = cc
	return cc, nil
}

// Close syncs and closes the cache and the block store clients.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, client := range c.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.clients = nil
	if c.cache != nil {
		if err := c.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.cache = nil
	}
	return firstErr
}

func (c *Coordinator) retryConfig() retry.Config {
	rc := retry.DefaultConfig()
	net := c.cfg.Network
	if net.Retry.MaxAttempts > 0 {
		rc.MaxAttempts = net.Retry.MaxAttempts
	}
	if net.Retry.BaseDelay > 0 {
		rc.InitialDelay = net.Retry.BaseDelay
	}
	if net.Retry.MaxDelay > 0 {
		rc.MaxDelay = net.Retry.MaxDelay
	}
	if net.Timeouts.Request > 0 {
		rc.AttemptTimeout = net.Timeouts.Request
	}
	return rc
}

// Client returns a block store client for the container at bucketPath.
func (c *Coordinator) Client(ctx context.Context, bucketPath string) (*blockstore.Client, error) {
	path, err := blockstore.ParsePath(bucketPath)
	if err != nil {
		return nil, bverrors.Wrap(err, bverrors.ErrCodePathInvalid, "invalid bucket path").
			WithComponent("daemon").WithDetail("path", bucketPath)
	}

	c.mu.Lock()
	backend, ok := c.backends[path.Bucket]
	c.mu.Unlock()
	if !ok {
		backend, err = c.open(ctx, path.Bucket)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.backends[path.Bucket] = backend
		c.breakers[path.Bucket] = circuit.New(path.Bucket, circuit.Config{
			Failures: c.cfg.Network.Breaker.Failures,
			Cooldown: c.cfg.Network.Breaker.Cooldown,
		}, c.logger)
		c.mu.Unlock()
	}

	c.mu.Lock()
	breaker := c.breakers[path.Bucket]
	c.mu.Unlock()

	client, err := blockstore.New(backend, path, blockstore.Options{
		Retry:   c.retryConfig(),
		Breaker: breaker,
		Metrics: c.metrics,
		Logger:  c.logger,
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.clients = append(c.clients, client)
	c.mu.Unlock()
	return client, nil
}

// identity authenticates the caller; every verb needs one.
func (c *Coordinator) identity(ctx context.Context) (credentials.Identity, error) {
	id, err := c.session.Identity(ctx)
	if err != nil {
		return credentials.Identity{}, err
	}
	if id.Account == "" {
		return credentials.Identity{}, bverrors.NewError(bverrors.ErrCodeCredentialsMissing, "credential session has no account").
			WithComponent("daemon")
	}
	return id, nil
}

// locked runs fn holding the container lock for the caller's identity. The
// lease is renewed in the background until fn returns.
func (c *Coordinator) locked(ctx context.Context, client *blockstore.Client, id credentials.Identity, fn func() error) error {
	handle, err := c.locks.Acquire(ctx, client, id.Account)
	if err != nil {
		return err
	}
	container := client.Path().String()

	keepCtx, stop := context.WithCancel(ctx)
	kept := make(chan struct{})
	go func() {
		defer close(kept)
		handle.Keep(keepCtx, func(err error) {
			c.logger.Warn().Err(err).Str("container", container).Msg("failed to renew container lease")
		})
	}()
	defer func() {
		stop()
		<-kept
		if err := handle.Release(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn().Err(err).Str("container", container).Msg("failed to release container lock")
		}
	}()
	return fn()
}

// run times a verb and reports it to the metrics collector.
func (c *Coordinator) run(verb, container string, fn func() error) error {
	start := time.Now()
	err := fn()
	took := time.Since(start)
	if c.metrics != nil {
		c.metrics.RecordOperation("verb_"+verb, took, 0, err == nil)
		if err != nil {
			c.metrics.RecordError("verb_"+verb, err)
		}
	}
	ev := c.logger.Info()
	if err != nil {
		ev = c.logger.Warn().Err(err)
	}
	ev.Str("verb", verb).Str("container", container).Dur("took", took).Msg("verb finished")
	return err
}
