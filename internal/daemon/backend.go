package daemon

import (
	"context"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/objectfs/blockvfs/internal/config"
	"github.com/objectfs/blockvfs/internal/credentials"
	"github.com/objectfs/blockvfs/internal/storage/gcs"
	"github.com/objectfs/blockvfs/internal/storage/local"
	"github.com/objectfs/blockvfs/internal/storage/s3"
	bverrors "github.com/objectfs/blockvfs/pkg/errors"
	"github.com/objectfs/blockvfs/pkg/types"
)

// BackendOpener returns the object store backend for bucket.
type BackendOpener func(ctx context.Context, bucket string) (types.Backend, error)

// OpenBackend returns a BackendOpener for the configured storage module,
// authenticating with session.
func OpenBackend(cfg *config.Configuration, session credentials.Session, logger zerolog.Logger) BackendOpener {
	return func(ctx context.Context, bucket string) (types.Backend, error) {
		switch cfg.Storage.Module {
		case config.ModuleS3:
			s3cfg := s3.NewDefaultConfig()
			s3cfg.Region = cfg.Storage.S3.Region
			s3cfg.Endpoint = cfg.Storage.S3.Endpoint
			s3cfg.ForcePathStyle = cfg.Storage.S3.ForcePathStyle
			s3cfg.RequestTimeout = cfg.Network.Timeouts.Request
			switch sess := session.(type) {
			case *credentials.AWSSession:
				s3cfg.Credentials = sess.Provider()
			case *credentials.TokenSession:
				// static --user/--auth pair: account is the key id, token the secret
				id, err := sess.Identity(ctx)
				if err != nil {
					return nil, err
				}
				s3cfg.AccessKeyID = id.Account
				s3cfg.SecretAccessKey = id.Token
			}
			client, err := s3.NewClient(ctx, s3cfg)
			if err != nil {
				return nil, bverrors.Wrap(err, bverrors.ErrCodeInvalidConfig, "failed to create s3 client").WithComponent("daemon")
			}
			return s3.NewBackend(client, bucket, logger)

		case config.ModuleGoogle:
			gcfg := gcs.Config{Endpoint: cfg.Storage.GCS.Endpoint}
			if sess, ok := session.(*credentials.TokenSession); ok {
				gcfg.TokenSource = sess.TokenSource()
			}
			return gcs.NewBackend(ctx, bucket, gcfg, logger)

		case config.ModuleLocal:
			if cfg.Storage.LocalRoot == "" {
				return nil, bverrors.NewError(bverrors.ErrCodeMissingConfig, "storage.local_root is required for the local module").
					WithComponent("daemon")
			}
			return local.NewBackend(filepath.Join(cfg.Storage.LocalRoot, bucket), logger)

		default:
			return nil, bverrors.Newf(bverrors.ErrCodeInvalidConfig, "unknown storage module %q", cfg.Storage.Module).
				WithComponent("daemon")
		}
	}
}
