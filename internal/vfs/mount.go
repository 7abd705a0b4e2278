package vfs

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/objectfs/blockvfs/internal/blockstore"
	"github.com/objectfs/blockvfs/internal/cache"
	"github.com/objectfs/blockvfs/internal/credentials"
	"github.com/objectfs/blockvfs/internal/lock"
	"github.com/objectfs/blockvfs/internal/manifest"
	bverrors "github.com/objectfs/blockvfs/pkg/errors"
)

// Store is the block store surface a mount uses.
type Store interface {
	manifest.Store
	Container(ctx context.Context) (*blockstore.Container, error)
	GetBlock(ctx context.Context, checksum string) ([]byte, error)
}

// MountConfig configures a Mount.
type MountConfig struct {
	Alias     string
	Store     Store
	Manifests *manifest.Manager
	Cache     *cache.Cache
	// LockDir holds the advisory lock files shared with the daemon.
	LockDir string
	// PublishOnClose publishes dirty blocks when the last handle of a
	// database closes.
	PublishOnClose bool
	// Session supplies the author of published manifests.
	Session credentials.Session
	Logger  zerolog.Logger
}

const stripes = 64

// Mount is one container made available under an alias.
type Mount struct {
	alias          string
	container      string
	store          Store
	manifests      *manifest.Manager
	cache          *cache.Cache
	blockSize      int64
	publishOnClose bool
	session        credentials.Session
	logger         zerolog.Logger

	flight singleflight.Group
	flock  *lock.FileLock

	mu       sync.Mutex
	dbs      map[string]*dbState
	reserved int
}

// dbState is shared by every handle of one database.
type dbState struct {
	name    string
	stripes [stripes]sync.RWMutex

	mu     sync.RWMutex
	size   int64
	low    int64 // smallest size since base
	base   uint64
	blocks []string
	dirty  bool

	// guarded by Mount.mu
	refs      int
	shared    int
	reserved  *File
	pending   *File
	exclusive *File
}

func (st *dbState) stripe(index int64) *sync.RWMutex {
	return &st.stripes[index%stripes]
}

// NewMount loads the container descriptor and returns a mount for it.
func NewMount(ctx context.Context, cfg MountConfig) (*Mount, error) {
	if cfg.Alias == "" {
		return nil, bverrors.NewError(bverrors.ErrCodeMissingConfig, "mount alias not set").WithComponent("vfs")
	}
	if cfg.Store == nil || cfg.Manifests == nil || cfg.Cache == nil {
		return nil, bverrors.NewError(bverrors.ErrCodeMissingConfig, "mount needs a store, manifests and cache").WithComponent("vfs")
	}
	desc, err := cfg.Store.Container(ctx)
	if err != nil {
		return nil, err
	}
	container := cfg.Store.Path().String()
	m := &Mount{
		alias:          cfg.Alias,
		container:      container,
		store:          cfg.Store,
		manifests:      cfg.Manifests,
		cache:          cfg.Cache,
		blockSize:      desc.BlockSize,
		publishOnClose: cfg.PublishOnClose,
		session:        cfg.Session,
		logger: cfg.Logger.With().
			Str("component", "vfs").
			Str("alias", cfg.Alias).
			Str("container", container).
			Logger(),
		flock: lock.NewFileLock(lock.Path(cfg.LockDir, container)),
		dbs:   make(map[string]*dbState),
	}
	return m, nil
}

// Alias returns the alias of the mount.
func (m *Mount) Alias() string { return m.alias }

// Container returns the container path.
func (m *Mount) Container() string { return m.container }

// BlockSize returns the container block size.
func (m *Mount) BlockSize() int64 { return m.blockSize }

// Open opens database.
func (m *Mount) Open(ctx context.Context, database string, create bool) (*File, error) {
	m.mu.Lock()
	if st, ok := m.dbs[database]; ok {
		st.refs++
		m.mu.Unlock()
		return &File{mount: m, db: st}, nil
	}
	m.mu.Unlock()

	st, err := m.loadState(ctx, database, create)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.dbs[database]; ok {
		st = existing
	} else {
		m.dbs[database] = st
	}
	st.refs++
	m.logger.Debug().Str("database", database).Int64("size", st.size).Uint64("base", st.base).Msg("database opened")
	return &File{mount: m, db: st}, nil
}

// loadState prefers a pending local layout over the latest manifest.
func (m *Mount) loadState(ctx context.Context, database string, create bool) (*dbState, error) {
	layout, pending, err := m.cache.Layout(m.container, database)
	if err != nil {
		return nil, err
	}

	latest, err := m.manifests.Refresh(ctx, m.store)
	if err != nil {
		return nil, err
	}

	st := &dbState{name: database}
	if pending {
		base := latest
		if layout.Base != latest.Version {
			m.logger.Warn().Str("database", database).Uint64("base", layout.Base).Uint64("latest", latest.Version).
				Msg("local changes were made against an older manifest")
			if base, err = m.manifests.Version(ctx, m.store, layout.Base); err != nil {
				return nil, err
			}
		}
		st.size = layout.Size
		st.low = min(layout.Low, layout.Size)
		st.base = layout.Base
		st.dirty = true
		if db, ok := base.Database(database); ok {
			st.blocks = db.Blocks
		}
		st.blocks = trimBlocks(st.blocks, blockCount(st.low, m.blockSize))
		return st, nil
	}

	db, ok := latest.Database(database)
	if !ok {
		if !create {
			return nil, bverrors.Newf(bverrors.ErrCodeDatabaseNotFound, "database %s not found in %s", database, m.container).
				WithComponent("vfs").WithOperation("open")
		}
		st.base = latest.Version
		st.dirty = true
		if err := m.cache.SetLayout(m.container, database, cache.Layout{Size: 0, Base: latest.Version}); err != nil {
			return nil, err
		}
		return st, nil
	}
	st.size = db.Size
	st.low = db.Size
	st.base = latest.Version
	st.blocks = db.Blocks
	return st, nil
}

// Exists reports whether database is published or pending locally.
func (m *Mount) Exists(ctx context.Context, database string) (bool, error) {
	m.mu.Lock()
	_, open := m.dbs[database]
	m.mu.Unlock()
	if open {
		return true, nil
	}
	if _, pending, err := m.cache.Layout(m.container, database); err != nil || pending {
		return pending, err
	}
	latest, err := m.manifests.Load(ctx, m.store)
	if err != nil {
		return false, err
	}
	_, ok := latest.Database(database)
	return ok, nil
}

// release drops one reference to st.
func (m *Mount) release(st *dbState) (last bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.refs--
	if st.refs > 0 {
		return false
	}
	delete(m.dbs, st.name)
	return true
}

// Publish publishes every pending change of the container and rebases the
// open databases on the new manifest.
func (m *Mount) Publish(ctx context.Context) (*manifest.Manifest, error) {
	if !m.flock.Held() {
		if err := m.flock.TryLock(); err != nil {
			return nil, err
		}
		defer m.flock.Unlock()
	}

	author := "unknown"
	if m.session != nil {
		id, err := m.session.Identity(ctx)
		if err != nil {
			return nil, err
		}
		author = id.Account
	}

	next, published, err := PublishPending(ctx, m.store, m.manifests, m.cache, author)
	if err != nil {
		return nil, err
	}
	m.logger.Info().Uint64("version", next.Version).Int("blocks", published).Msg("published pending changes")

	m.mu.Lock()
	states := make([]*dbState, 0, len(m.dbs))
	for _, st := range m.dbs {
		states = append(states, st)
	}
	m.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		st.base = next.Version
		st.dirty = false
		if db, ok := next.Database(st.name); ok {
			st.blocks = db.Blocks
			st.size = db.Size
		}
		st.low = st.size
		st.mu.Unlock()
	}
	return next, nil
}

// lockReservedLocked takes the container's advisory lock for the first handle
// at reserved level or above.
func (m *Mount) lockReservedLocked() error {
	if m.reserved == 0 {
		if err := m.flock.TryLock(); err != nil {
			return err
		}
	}
	m.reserved++
	return nil
}

func (m *Mount) unlockReservedLocked() {
	m.reserved--
	if m.reserved == 0 {
		if err := m.flock.Unlock(); err != nil {
			m.logger.Warn().Err(err).Msg("failed to release advisory lock")
		}
	}
}

// Close releases the advisory lock. Open handles should be closed first.
func (m *Mount) Close(ctx context.Context) error {
	m.mu.Lock()
	open := len(m.dbs)
	m.mu.Unlock()
	if open > 0 {
		m.logger.Warn().Int("databases", open).Msg("closing mount with open databases")
	}
	return m.flock.Unlock()
}

func blockCount(size, blockSize int64) int64 {
	return (size + blockSize - 1) / blockSize
}

func trimBlocks(blocks []string, n int64) []string {
	if int64(len(blocks)) <= n {
		return blocks
	}
	return blocks[:n]
}
