package manifest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/objectfs/blockvfs/internal/blockstore"
	bverrors "github.com/objectfs/blockvfs/pkg/errors"
)

// Store is the slice of the block store client the manager needs.
type Store interface {
	Path() blockstore.Path
	ManifestVersions(ctx context.Context) ([]uint64, error)
	GetManifest(ctx context.Context, version uint64) ([]byte, error)
	PutManifest(ctx context.Context, version uint64, data []byte) error
	PutBlock(ctx context.Context, data []byte) (string, error)
}

// Change is the new content of one database for Publish.
type Change struct {
	// Size is the new logical size.
	Size int64
	// Blocks holds full block contents by index; indices not listed keep
	// their published checksum.
	Blocks map[int64][]byte
	// Checksums names blocks the caller already stored, by index.
	Checksums map[int64]string
	// Remove drops the database from the manifest.
	Remove bool
}

// Options configures a Manager.
type Options struct {
	// MemoSize bounds how many containers' latest manifests are memoized.
	MemoSize int
	// Concurrency bounds parallel block uploads during Publish.
	Concurrency int
	Logger      zerolog.Logger
}

// Manager memoizes the latest manifest per container.
type Manager struct {
	mu          sync.Mutex
	memo        *lru.Cache
	concurrency int
	logger      zerolog.Logger
}

// NewManager returns a Manager.
func NewManager(opts Options) *Manager {
	if opts.MemoSize <= 0 {
		opts.MemoSize = 64
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Manager{
		memo:        lru.New(opts.MemoSize),
		concurrency: opts.Concurrency,
		logger:      opts.Logger.With().Str("component", "manifest").Logger(),
	}
}

func (m *Manager) cached(container string) *Manifest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.memo.Get(container); ok {
		return v.(*Manifest)
	}
	return nil
}

func (m *Manager) remember(man *Manifest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.memo.Get(man.Container); ok && prev.(*Manifest).Version > man.Version {
		return
	}
	m.memo.Add(man.Container, man)
}

// Forget drops the memoized manifest of container.
func (m *Manager) Forget(container string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memo.Remove(container)
}

// Initialize publishes the empty version 0 of a new container.
func (m *Manager) Initialize(ctx context.Context, store Store, blockSize int64, author string) (*Manifest, error) {
	man := &Manifest{
		Container: store.Path().String(),
		Version:   0,
		BlockSize: blockSize,
		Databases: map[string]Database{},
		Author:    author,
		Timestamp: time.Now().UTC(),
	}
	if err := m.write(ctx, store, man); err != nil {
		return nil, err
	}
	m.remember(man)
	return man, nil
}

// Load returns the latest manifest, memoized.
func (m *Manager) Load(ctx context.Context, store Store) (*Manifest, error) {
	if man := m.cached(store.Path().String()); man != nil {
		return man, nil
	}
	return m.Refresh(ctx, store)
}

// Refresh fetches the latest manifest from the store. With a memoized
// version it probes the following versions instead of listing them all.
func (m *Manager) Refresh(ctx context.Context, store Store) (*Manifest, error) {
	container := store.Path().String()

	if known := m.cached(container); known != nil {
		latest := known
		for {
			next, err := m.Version(ctx, store, latest.Version+1)
			if bverrors.IsKind(err, bverrors.CategoryNotFound) {
				break
			}
			if err != nil {
				return nil, err
			}
			latest = next
		}
		m.remember(latest)
		return latest, nil
	}

	versions, err := store.ManifestVersions(ctx)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, bverrors.Newf(bverrors.ErrCodeContainerNotFound, "container %s has no manifest", container).
			WithComponent("manifest").WithOperation("load")
	}
	man, err := m.Version(ctx, store, versions[len(versions)-1])
	if err != nil {
		return nil, err
	}
	m.remember(man)
	return man, nil
}

// Version fetches a specific manifest version.
func (m *Manager) Version(ctx context.Context, store Store, version uint64) (*Manifest, error) {
	data, err := store.GetManifest(ctx, version)
	if bverrors.HasCode(err, bverrors.ErrCodeObjectNotFound) {
		return nil, bverrors.Newf(bverrors.ErrCodeObjectNotFound, "manifest version %d not found", version).
			WithComponent("manifest")
	}
	if err != nil {
		return nil, err
	}
	man, err := decode(data)
	if err != nil {
		return nil, bverrors.Wrap(err, bverrors.ErrCodeCorruptManifest, fmt.Sprintf("manifest version %d is invalid", version)).
			WithComponent("manifest")
	}
	if man.Version != version {
		return nil, bverrors.Newf(bverrors.ErrCodeCorruptManifest, "manifest stored as version %d claims version %d", version, man.Version).
			WithComponent("manifest")
	}
	return man, nil
}

// History lists the published versions in ascending order.
func (m *Manager) History(ctx context.Context, store Store) ([]uint64, error) {
	versions, err := store.ManifestVersions(ctx)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, bverrors.Newf(bverrors.ErrCodeContainerNotFound, "container %s has no manifest", store.Path()).
			WithComponent("manifest")
	}
	return versions, nil
}

// ResolveBlock returns the checksum of a block in the latest manifest.
func (m *Manager) ResolveBlock(ctx context.Context, store Store, database string, index int64) (string, bool, error) {
	man, err := m.Load(ctx, store)
	if err != nil {
		return "", false, err
	}
	sum, ok := man.Block(database, index)
	return sum, ok, nil
}

// Publish uploads the changed blocks and writes version base.Version+1.
// Every block is stored before the manifest is written. When another
// publisher got to that version first the result is CONFLICT_MANIFEST and
// nothing is merged.
func (m *Manager) Publish(ctx context.Context, store Store, base *Manifest, changes map[string]Change, author string) (*Manifest, error) {
	if base == nil {
		return nil, bverrors.NewError(bverrors.ErrCodeValidationFailed, "publish needs a base manifest").WithComponent("manifest")
	}
	bs := base.BlockSize

	next := &Manifest{
		Container: base.Container,
		Version:   base.Version + 1,
		BlockSize: bs,
		Databases: make(map[string]Database, len(base.Databases)+len(changes)),
		Author:    author,
		Timestamp: time.Now().UTC(),
	}
	for name, db := range base.Databases {
		next.Databases[name] = db
	}

	type upload struct {
		database string
		index    int64
		data     []byte
	}
	var uploads []upload
	needZero := false

	for name, ch := range changes {
		if ch.Remove {
			delete(next.Databases, name)
			continue
		}
		if ch.Size < 0 {
			return nil, bverrors.Newf(bverrors.ErrCodeValidationFailed, "database %s has negative size", name).WithComponent("manifest")
		}
		count := blockCount(ch.Size, bs)
		prev := base.Databases[name]
		blocks := make([]string, count)
		for i := int64(0); i < count; i++ {
			if data, ok := ch.Blocks[i]; ok {
				if int64(len(data)) != bs {
					return nil, bverrors.Newf(bverrors.ErrCodeValidationFailed, "block %d of %s has %d bytes, want %d", i, name, len(data), bs).
						WithComponent("manifest")
				}
				uploads = append(uploads, upload{database: name, index: i, data: data})
				continue
			}
			if sum, ok := ch.Checksums[i]; ok {
				blocks[i] = sum
				continue
			}
			if i < int64(len(prev.Blocks)) {
				blocks[i] = prev.Blocks[i]
				continue
			}
			needZero = true
		}
		next.Databases[name] = Database{Size: ch.Size, Blocks: blocks}
	}

	// checksums by upload slot, filled concurrently
	sums := make([]string, len(uploads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i := range uploads {
		i := i
		g.Go(func() error {
			sum, err := store.PutBlock(gctx, uploads[i].data)
			if err != nil {
				return err
			}
			sums[i] = sum
			return nil
		})
	}
	var zeroSum string
	if needZero {
		g.Go(func() error {
			sum, err := store.PutBlock(gctx, make([]byte, bs))
			zeroSum = sum
			return err
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Warn().Err(err).Str("container", base.Container).Msg("block upload failed, manifest not written")
		return nil, err
	}

	for i, u := range uploads {
		next.Databases[u.database].Blocks[u.index] = sums[i]
	}
	if needZero {
		for _, db := range next.Databases {
			for i := range db.Blocks {
				if db.Blocks[i] == "" {
					db.Blocks[i] = zeroSum
				}
			}
		}
	}

	if err := m.write(ctx, store, next); err != nil {
		if bverrors.HasCode(err, bverrors.ErrCodeManifestConflict) {
			m.Forget(base.Container)
		}
		return nil, err
	}
	m.remember(next)
	m.logger.Info().
		Str("container", next.Container).
		Uint64("version", next.Version).
		Int("blocks", len(uploads)).
		Msg("manifest published")
	return next, nil
}

func (m *Manager) write(ctx context.Context, store Store, man *Manifest) error {
	if err := man.validate(); err != nil {
		return bverrors.Wrap(err, bverrors.ErrCodeValidationFailed, "refusing to write invalid manifest").WithComponent("manifest")
	}
	data, err := encode(man)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return store.PutManifest(ctx, man.Version, data)
}
