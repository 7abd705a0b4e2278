package manifest

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/blockvfs/internal/blockstore"
	"github.com/objectfs/blockvfs/internal/storage/local"
	bverrors "github.com/objectfs/blockvfs/pkg/errors"
	"github.com/objectfs/blockvfs/pkg/retry"
)

const bs = 1024

// failingStore fails PutBlock after n successful uploads.
type failingStore struct {
	*blockstore.Client
	remaining int32
	manifests int32
}

func (f *failingStore) PutBlock(ctx context.Context, data []byte) (string, error) {
	if atomic.AddInt32(&f.remaining, -1) < 0 {
		return "", bverrors.NewError(bverrors.ErrCodeStorageWrite, "disk full")
	}
	return f.Client.PutBlock(ctx, data)
}

func (f *failingStore) PutManifest(ctx context.Context, version uint64, data []byte) error {
	atomic.AddInt32(&f.manifests, 1)
	return f.Client.PutManifest(ctx, version, data)
}

func newStore(t *testing.T) *blockstore.Client {
	t.Helper()
	backend, err := local.NewBackend(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	c, err := blockstore.New(backend, blockstore.Path{Bucket: "bucket", Prefix: "dbs"},
		blockstore.Options{Retry: cfg, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, c.CreateContainer(context.Background(), blockstore.Container{BlockSize: bs}))
	t.Cleanup(func() { c.Close() })
	return c
}

func newManager() *Manager {
	return NewManager(Options{Logger: zerolog.Nop()})
}

func fill(b byte) []byte {
	return bytes.Repeat([]byte{b}, bs)
}

func TestManager_InitializeAndLoad(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	m := newManager()

	_, err := m.Load(ctx, store)
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeContainerNotFound))

	v0, err := m.Initialize(ctx, store, bs, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v0.Version)

	// a fresh manager reads it from the store
	loaded, err := newManager().Load(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), loaded.Version)
	assert.Equal(t, int64(bs), loaded.BlockSize)
	assert.Empty(t, loaded.Databases)
	assert.Equal(t, "bucket/dbs", loaded.Container)

	_, err = m.Initialize(ctx, store, bs, "alice")
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeManifestConflict))
}

func TestManager_PublishAndResolve(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	m := newManager()
	v0, err := m.Initialize(ctx, store, bs, "alice")
	require.NoError(t, err)

	v1, err := m.Publish(ctx, store, v0, map[string]Change{
		"main.db": {Size: 2*bs + 10, Blocks: map[int64][]byte{0: fill('a'), 1: fill('b'), 2: fill('c')}},
	}, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1.Version)
	db, ok := v1.Database("main.db")
	require.True(t, ok)
	assert.Len(t, db.Blocks, 3)
	assert.Equal(t, blockstore.Checksum(fill('b')), db.Blocks[1])

	// only block 1 changes; the others keep their checksums
	v2, err := m.Publish(ctx, store, v1, map[string]Change{
		"main.db": {Size: 2*bs + 10, Blocks: map[int64][]byte{1: fill('B')}},
	}, "bob")
	require.NoError(t, err)
	db2 := v2.Databases["main.db"]
	assert.Equal(t, db.Blocks[0], db2.Blocks[0])
	assert.Equal(t, blockstore.Checksum(fill('B')), db2.Blocks[1])
	assert.Equal(t, db.Blocks[2], db2.Blocks[2])
	assert.Equal(t, "bob", v2.Author)

	sum, ok, err := m.ResolveBlock(ctx, store, "main.db", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, db2.Blocks[1], sum)

	_, ok, err = m.ResolveBlock(ctx, store, "main.db", 3)
	require.NoError(t, err)
	assert.False(t, ok)

	history, err := m.History(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1, 2}, history)

	old, err := m.Version(ctx, store, 1)
	require.NoError(t, err)
	assert.Equal(t, db.Blocks, old.Databases["main.db"].Blocks)
}

func TestManager_PublishExtendsWithZeroBlocks(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	m := newManager()
	v0, err := m.Initialize(ctx, store, bs, "alice")
	require.NoError(t, err)

	v1, err := m.Publish(ctx, store, v0, map[string]Change{
		"sparse.db": {Size: 3 * bs, Blocks: map[int64][]byte{2: fill('z')}},
	}, "alice")
	require.NoError(t, err)

	zero := blockstore.Checksum(make([]byte, bs))
	blocks := v1.Databases["sparse.db"].Blocks
	assert.Equal(t, []string{zero, zero, blockstore.Checksum(fill('z'))}, blocks)

	data, err := store.GetBlock(ctx, zero)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, bs), data)
}

func TestManager_SecondPublishFromSameBaseConflicts(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	writerA := newManager()
	writerB := newManager()

	v0, err := writerA.Initialize(ctx, store, bs, "alice")
	require.NoError(t, err)

	_, err = writerA.Publish(ctx, store, v0, map[string]Change{"a.db": {Size: bs, Blocks: map[int64][]byte{0: fill('a')}}}, "alice")
	require.NoError(t, err)

	_, err = writerB.Publish(ctx, store, v0, map[string]Change{"a.db": {Size: bs, Blocks: map[int64][]byte{0: fill('b')}}}, "bob")
	require.Error(t, err)
	assert.True(t, bverrors.IsKind(err, bverrors.CategoryConflict))

	// the winner's manifest is intact
	latest, err := writerB.Refresh(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), latest.Version)
	assert.Equal(t, "alice", latest.Author)
	assert.Equal(t, blockstore.Checksum(fill('a')), latest.Databases["a.db"].Blocks[0])
}

func TestManager_UploadFailureLeavesManifestUntouched(t *testing.T) {
	ctx := context.Background()
	client := newStore(t)
	m := newManager()
	v0, err := m.Initialize(ctx, client, bs, "alice")
	require.NoError(t, err)

	store := &failingStore{Client: client, remaining: 1}
	_, err = m.Publish(ctx, store, v0, map[string]Change{
		"a.db": {Size: 3 * bs, Blocks: map[int64][]byte{0: fill('a'), 1: fill('b'), 2: fill('c')}},
	}, "alice")
	require.Error(t, err)
	assert.Zero(t, atomic.LoadInt32(&store.manifests), "no manifest may be written after a failed upload")

	latest, err := newManager().Load(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), latest.Version)
}

func TestManager_RefreshSeesOtherPublishers(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	reader := newManager()
	writer := newManager()

	v0, err := writer.Initialize(ctx, store, bs, "w")
	require.NoError(t, err)
	_, err = reader.Load(ctx, store)
	require.NoError(t, err)

	v1, err := writer.Publish(ctx, store, v0, map[string]Change{"x.db": {Size: 1, Blocks: map[int64][]byte{0: fill('x')}}}, "w")
	require.NoError(t, err)
	_, err = writer.Publish(ctx, store, v1, map[string]Change{"x.db": {Remove: true}}, "w")
	require.NoError(t, err)

	memo, err := reader.Load(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), memo.Version, "load serves the memo")

	latest, err := reader.Refresh(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest.Version)
	assert.Empty(t, latest.Databases)
}

func TestManager_PublishValidation(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	m := newManager()
	v0, err := m.Initialize(ctx, store, bs, "a")
	require.NoError(t, err)

	_, err = m.Publish(ctx, store, v0, map[string]Change{"a.db": {Size: bs, Blocks: map[int64][]byte{0: []byte("short")}}}, "a")
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeValidationFailed))

	_, err = m.Publish(ctx, store, nil, nil, "a")
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeValidationFailed))
}

func TestDecode_RejectsInconsistentLayout(t *testing.T) {
	_, err := decode([]byte(`{"version":1,"block_size":1024,"databases":{"a":{"size":2048,"blocks":["x"]}}}`))
	assert.Error(t, err)

	m, err := decode([]byte(`{"version":1,"block_size":1024,"databases":{"a":{"size":1025,"blocks":["x","y"]}}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, m.Names())
	assert.Equal(t, 2, m.TotalBlocks())
}

func TestManager_PublishWithStoredChecksums(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	m := newManager()
	v0, err := m.Initialize(ctx, store, bs, "alice")
	require.NoError(t, err)

	sum, err := store.PutBlock(ctx, fill('s'))
	require.NoError(t, err)

	v1, err := m.Publish(ctx, store, v0, map[string]Change{
		"main.db": {
			Size:      2 * bs,
			Blocks:    map[int64][]byte{1: fill('t')},
			Checksums: map[int64]string{0: sum},
		},
	}, "alice")
	require.NoError(t, err)
	db := v1.Databases["main.db"]
	assert.Equal(t, sum, db.Blocks[0])
	assert.Equal(t, blockstore.Checksum(fill('t')), db.Blocks[1])
}
