// Package blockstore is the container-aware client of the object store. It
// stores content-addressed blocks, immutable manifests, the container
// descriptor and the lock lease below a container prefix, verifying every
// block it fetches.
package blockstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/objectfs/blockvfs/internal/circuit"
	bverrors "github.com/objectfs/blockvfs/pkg/errors"
	"github.com/objectfs/blockvfs/pkg/retry"
	"github.com/objectfs/blockvfs/pkg/types"
)

// Options configures a Client.
type Options struct {
	Retry   retry.Config
	Breaker *circuit.Breaker
	Metrics types.MetricsCollector
	Logger  zerolog.Logger
}

// Client talks to one container.
type Client struct {
	backend types.Backend
	path    Path
	retryer *retry.Retryer
	breaker *circuit.Breaker
	metrics types.MetricsCollector
	logger  zerolog.Logger

	mu          sync.RWMutex
	compression string

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New returns a client for the container at path on backend.
func New(backend types.Backend, path Path, opts Options) (*Client, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Client{
		backend:     backend,
		path:        path,
		retryer:     retry.New(opts.Retry),
		breaker:     opts.Breaker,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With().Str("component", "blockstore").Str("container", path.String()).Logger(),
		compression: CompressionNone,
		encoder:     encoder,
		decoder:     decoder,
	}, nil
}

// Path returns the container path.
func (c *Client) Path() Path {
	return c.path
}

// Checksum returns the hex BLAKE3-256 digest of data.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Close releases the codec resources.
func (c *Client) Close() error {
	c.decoder.Close()
	return c.encoder.Close()
}

func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	next := c.retryer.Config().OnRetry
	retryer := c.retryer.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		c.logger.Debug().Err(err).Str("op", op).Int("attempt", attempt).Dur("delay", delay).Msg("retrying object store call")
		if next != nil {
			next(attempt, err, delay)
		}
	})
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return retryer.DoWithContext(ctx, fn)
	})
	if c.metrics != nil {
		c.metrics.RecordOperation(op, time.Since(start), 0, err == nil)
		if err != nil && !bverrors.IsKind(err, bverrors.CategoryNotFound) {
			c.metrics.RecordError(op, err)
		}
	}
	return err
}

func (c *Client) attach(desc *Container) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compression = desc.Compression
	if c.compression == "" {
		c.compression = CompressionNone
	}
}

// CreateContainer writes the descriptor. It fails with
// CONFLICT_CONTAINER_EXISTS when the container is already there.
func (c *Client) CreateContainer(ctx context.Context, desc Container) error {
	if desc.Compression == "" {
		desc.Compression = CompressionNone
	}
	if desc.Compression != CompressionNone && desc.Compression != CompressionZstd {
		return bverrors.Newf(bverrors.ErrCodeInvalidConfig, "unknown compression %q", desc.Compression).
			WithComponent("blockstore")
	}
	desc.Path = c.path.String()
	desc.FormatVersion = FormatVersion
	if desc.Created.IsZero() {
		desc.Created = time.Now().UTC()
	}

	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode container descriptor: %w", err)
	}

	err = c.do(ctx, "create_container", func(ctx context.Context) error {
		return c.backend.PutObjectIfAbsent(ctx, c.path.descriptorKey(), data)
	})
	if bverrors.HasCode(err, bverrors.ErrCodeObjectExists) {
		return bverrors.Newf(bverrors.ErrCodeContainerExists, "container %s already exists", c.path).
			WithComponent("blockstore").WithOperation("create")
	}
	if err != nil {
		return err
	}
	c.attach(&desc)
	c.logger.Info().Int64("block_size", desc.BlockSize).Str("compression", desc.Compression).Msg("container created")
	return nil
}

// Container loads the descriptor and adopts its codec.
func (c *Client) Container(ctx context.Context) (*Container, error) {
	var data []byte
	err := c.do(ctx, "get_container", func(ctx context.Context) error {
		var err error
		data, err = c.backend.GetObject(ctx, c.path.descriptorKey(), 0, 0)
		return err
	})
	if bverrors.HasCode(err, bverrors.ErrCodeObjectNotFound) {
		return nil, bverrors.Newf(bverrors.ErrCodeContainerNotFound, "container %s does not exist", c.path).
			WithComponent("blockstore")
	}
	if err != nil {
		return nil, err
	}

	var desc Container
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, bverrors.Wrap(err, bverrors.ErrCodeCorruptManifest, "invalid container descriptor").
			WithComponent("blockstore")
	}
	if desc.BlockSize <= 0 || desc.BlockSize&(desc.BlockSize-1) != 0 {
		return nil, bverrors.Newf(bverrors.ErrCodeCorruptManifest, "container %s has invalid block size %d", c.path, desc.BlockSize).
			WithComponent("blockstore")
	}
	c.attach(&desc)
	return &desc, nil
}

// DeleteContainer removes every object of the container, the descriptor
// last. Deleting a missing container succeeds.
func (c *Client) DeleteContainer(ctx context.Context) error {
	var keys []string
	for _, dir := range []string{manifestsDir, blocksDir, claimsDir} {
		prefix := c.path.Key(dir) + "/"
		var objects []types.ObjectInfo
		err := c.do(ctx, "list", func(ctx context.Context) error {
			var err error
			objects, err = c.backend.ListObjects(ctx, prefix, 0)
			return err
		})
		if err != nil {
			return err
		}
		for _, o := range objects {
			keys = append(keys, o.Key)
		}
	}
	keys = append(keys, c.path.lockKey(), c.path.descriptorKey())

	for _, key := range keys {
		key := key
		if err := c.do(ctx, "delete", func(ctx context.Context) error {
			return c.backend.DeleteObject(ctx, key)
		}); err != nil {
			return err
		}
	}
	c.logger.Info().Int("objects", len(keys)).Msg("container deleted")
	return nil
}

// HasBlock reports whether a block with checksum is stored.
func (c *Client) HasBlock(ctx context.Context, checksum string) (bool, error) {
	err := c.do(ctx, "head_block", func(ctx context.Context) error {
		_, err := c.backend.HeadObject(ctx, c.path.blockKey(checksum))
		return err
	})
	if bverrors.HasCode(err, bverrors.ErrCodeObjectNotFound) {
		return false, nil
	}
	return err == nil, err
}

// PutBlock stores data under its checksum unless it is already present and
// returns the checksum.
func (c *Client) PutBlock(ctx context.Context, data []byte) (string, error) {
	sum := Checksum(data)
	exists, err := c.HasBlock(ctx, sum)
	if err != nil {
		return "", err
	}
	if exists {
		c.logger.Debug().Str("block", sum).Msg("block already stored")
		return sum, nil
	}

	payload := data
	c.mu.RLock()
	compression := c.compression
	c.mu.RUnlock()
	if compression == CompressionZstd {
		payload = c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	}

	start := time.Now()
	err = c.do(ctx, "put_block", func(ctx context.Context) error {
		return c.backend.PutObject(ctx, c.path.blockKey(sum), payload)
	})
	if err != nil {
		return "", err
	}
	c.logger.Debug().Str("block", sum).Int("size", len(payload)).Dur("took", time.Since(start)).Msg("block stored")
	return sum, nil
}

// GetBlock fetches and verifies the block with checksum. A mismatch is
// reported as CORRUPTION_CHECKSUM and never retried.
func (c *Client) GetBlock(ctx context.Context, checksum string) ([]byte, error) {
	var payload []byte
	err := c.do(ctx, "get_block", func(ctx context.Context) error {
		var err error
		payload, err = c.backend.GetObject(ctx, c.path.blockKey(checksum), 0, 0)
		return err
	})
	if bverrors.HasCode(err, bverrors.ErrCodeObjectNotFound) {
		return nil, bverrors.Newf(bverrors.ErrCodeBlockNotFound, "block %s missing from %s", checksum, c.path).
			WithComponent("blockstore").WithOperation("fetch")
	}
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	compression := c.compression
	c.mu.RUnlock()

	data := payload
	if compression == CompressionZstd {
		data, err = c.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, bverrors.Wrap(err, bverrors.ErrCodeChecksumMismatch, "block does not decompress").
				WithComponent("blockstore").WithOperation("fetch").WithDetail("block", checksum)
		}
	}

	if got := Checksum(data); got != checksum {
		return nil, bverrors.Newf(bverrors.ErrCodeChecksumMismatch, "block %s has checksum %s", checksum, got).
			WithComponent("blockstore").WithOperation("fetch").WithDetail("block", checksum)
	}
	if c.metrics != nil {
		c.metrics.RecordRemoteFetch(c.path.String(), int64(len(data)))
	}
	return data, nil
}

// GetManifest returns the raw manifest document of version.
func (c *Client) GetManifest(ctx context.Context, version uint64) ([]byte, error) {
	var data []byte
	err := c.do(ctx, "get_manifest", func(ctx context.Context) error {
		var err error
		data, err = c.backend.GetObject(ctx, c.path.manifestKey(version), 0, 0)
		return err
	})
	return data, err
}

// PutManifest creates the manifest of version. It fails with
// CONFLICT_MANIFEST when that version already exists.
func (c *Client) PutManifest(ctx context.Context, version uint64, data []byte) error {
	err := c.do(ctx, "put_manifest", func(ctx context.Context) error {
		return c.backend.PutObjectIfAbsent(ctx, c.path.manifestKey(version), data)
	})
	if bverrors.HasCode(err, bverrors.ErrCodeObjectExists) {
		return bverrors.Newf(bverrors.ErrCodeManifestConflict, "manifest version %d already published", version).
			WithComponent("blockstore").WithOperation("publish")
	}
	return err
}

// ManifestVersions lists the published manifest versions in ascending order.
func (c *Client) ManifestVersions(ctx context.Context) ([]uint64, error) {
	prefix := c.path.Key(manifestsDir) + "/"
	var objects []types.ObjectInfo
	err := c.do(ctx, "list_manifests", func(ctx context.Context) error {
		var err error
		objects, err = c.backend.ListObjects(ctx, prefix, 0)
		return err
	})
	if err != nil {
		return nil, err
	}

	versions := make([]uint64, 0, len(objects))
	for _, o := range objects {
		name := strings.TrimSuffix(strings.TrimPrefix(o.Key, prefix), ".json")
		v, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			c.logger.Warn().Str("key", o.Key).Msg("ignoring foreign object in manifests")
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// GetLock returns the raw lease document.
func (c *Client) GetLock(ctx context.Context) ([]byte, error) {
	var data []byte
	err := c.do(ctx, "get_lock", func(ctx context.Context) error {
		var err error
		data, err = c.backend.GetObject(ctx, c.path.lockKey(), 0, 0)
		return err
	})
	return data, err
}

// PutLock writes the lease document; with ifAbsent it fails with
// CONFLICT_OBJECT_EXISTS when a lease is present.
func (c *Client) PutLock(ctx context.Context, data []byte, ifAbsent bool) error {
	return c.do(ctx, "put_lock", func(ctx context.Context) error {
		if ifAbsent {
			return c.backend.PutObjectIfAbsent(ctx, c.path.lockKey(), data)
		}
		return c.backend.PutObject(ctx, c.path.lockKey(), data)
	})
}

// DeleteLock removes the lease document.
func (c *Client) DeleteLock(ctx context.Context) error {
	return c.do(ctx, "delete_lock", func(ctx context.Context) error {
		return c.backend.DeleteObject(ctx, c.path.lockKey())
	})
}

// ClaimLock records that the caller is replacing the lease of session. Only
// one caller can claim a session; the others get CONFLICT_OBJECT_EXISTS.
func (c *Client) ClaimLock(ctx context.Context, session string, data []byte) error {
	return c.do(ctx, "claim_lock", func(ctx context.Context) error {
		return c.backend.PutObjectIfAbsent(ctx, c.path.claimKey(session), data)
	})
}

// GetLockClaim returns the claim on session.
func (c *Client) GetLockClaim(ctx context.Context, session string) ([]byte, error) {
	var data []byte
	err := c.do(ctx, "get_lock_claim", func(ctx context.Context) error {
		var err error
		data, err = c.backend.GetObject(ctx, c.path.claimKey(session), 0, 0)
		return err
	})
	return data, err
}

// DeleteLockClaim removes the claim on session.
func (c *Client) DeleteLockClaim(ctx context.Context, session string) error {
	return c.do(ctx, "delete_lock_claim", func(ctx context.Context) error {
		return c.backend.DeleteObject(ctx, c.path.claimKey(session))
	})
}
