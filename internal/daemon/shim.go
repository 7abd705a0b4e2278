package daemon

import (
	"context"
	"time"

	"github.com/objectfs/blockvfs/internal/vfs"
	bverrors "github.com/objectfs/blockvfs/pkg/errors"
)

// Mount returns a vfs mount of the container at bucketPath under alias,
// sharing the coordinator's cache, manifests and lock directory.
func (c *Coordinator) Mount(ctx context.Context, alias, bucketPath string) (*vfs.Mount, error) {
	if _, err := c.identity(ctx); err != nil {
		return nil, err
	}
	client, err := c.Client(ctx, bucketPath)
	if err != nil {
		return nil, err
	}
	cc, err := c.Cache()
	if err != nil {
		return nil, err
	}
	return vfs.NewMount(ctx, vfs.MountConfig{
		Alias:          alias,
		Store:          client,
		Manifests:      c.manifests,
		Cache:          cc,
		LockDir:        c.cfg.Cache.Directory,
		PublishOnClose: c.cfg.VFS.PublishOnClose,
		Session:        c.session,
		Logger:         c.logger,
	})
}

// Registry returns a registry with the configured container mounted under
// the configured alias.
func (c *Coordinator) Registry(ctx context.Context) (*vfs.Registry, error) {
	if c.cfg.VFS.Bucket == "" {
		return nil, bverrors.NewError(bverrors.ErrCodeMissingConfig, "no container configured (vfs.bucket / SQ_DB_BUCKET)").
			WithComponent("daemon")
	}
	m, err := c.Mount(ctx, c.cfg.VFS.Alias, c.cfg.VFS.Bucket)
	if err != nil {
		return nil, err
	}
	r := vfs.NewRegistry()
	if err := r.Register(m); err != nil {
		return nil, err
	}
	return r, nil
}

// DefaultReconcileInterval is used when no positive interval is given.
const DefaultReconcileInterval = time.Minute

// ReconcileInterval returns interval, or the default when it is not positive.
func ReconcileInterval(interval time.Duration) time.Duration {
	if interval <= 0 {
		return DefaultReconcileInterval
	}
	return interval
}

// Reconcile publishes the pending cache entries of bucketPath every
// interval until ctx is done. Failed rounds are logged and retried on the
// next tick.
func (c *Coordinator) Reconcile(ctx context.Context, bucketPath string, interval time.Duration) error {
	ticker := time.NewTicker(ReconcileInterval(interval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			man, n, err := c.UploadPending(ctx, bucketPath)
			switch {
			case err != nil && ctx.Err() != nil:
				return nil
			case err != nil:
				c.logger.Error().Err(err).Str("container", bucketPath).Msg("reconcile round failed")
			case n > 0:
				c.logger.Info().Str("container", bucketPath).Uint64("version", man.Version).Int("blocks", n).Msg("pending blocks published")
			}
		}
	}
}
