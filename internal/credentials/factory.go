package credentials

import (
	"context"
	"os/user"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog"

	"github.com/objectfs/blockvfs/internal/config"
	bverrors "github.com/objectfs/blockvfs/pkg/errors"
)

// FromConfig picks the session for the configured storage module. An
// explicit token always wins over ambient credentials.
func FromConfig(ctx context.Context, cfg *config.Configuration, logger zerolog.Logger) (Session, error) {
	creds := cfg.Credentials
	logger = logger.With().Str("component", "credentials").Str("module", cfg.Storage.Module).Logger()

	if creds.Token != "" {
		logger.Debug().Str("account", creds.Account).Msg("using static credentials")
		return NewStaticSession(creds.Token, creds.Account)
	}

	switch cfg.Storage.Module {
	case config.ModuleGoogle:
		logger.Debug().Msg("using application default credentials")
		return NewGoogleSession(ctx, creds.Account)
	case config.ModuleS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Storage.S3.Region))
		if err != nil {
			return nil, bverrors.Wrap(err, bverrors.ErrCodeCredentialsMissing, "failed to load aws configuration").
				WithComponent("credentials")
		}
		logger.Debug().Msg("using aws default credential chain")
		return NewAWSSession(creds.Account, awsCfg.Credentials), nil
	case config.ModuleLocal:
		account := creds.Account
		if account == "" {
			if u, err := user.Current(); err == nil {
				account = u.Username
			}
		}
		return NewStaticSession("local", account)
	default:
		return nil, bverrors.Newf(bverrors.ErrCodeInvalidConfig, "unknown storage module %q", cfg.Storage.Module).
			WithComponent("credentials")
	}
}
