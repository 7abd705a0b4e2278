package vfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/blockvfs/internal/blockstore"
	"github.com/objectfs/blockvfs/internal/cache"
	"github.com/objectfs/blockvfs/internal/credentials"
	"github.com/objectfs/blockvfs/internal/lock"
	"github.com/objectfs/blockvfs/internal/manifest"
	"github.com/objectfs/blockvfs/internal/storage/local"
	bverrors "github.com/objectfs/blockvfs/pkg/errors"
	"github.com/objectfs/blockvfs/pkg/retry"
	"github.com/objectfs/blockvfs/pkg/types"
)

// countingStore counts block downloads and can hold them until released.
type countingStore struct {
	*blockstore.Client
	gets int32
	gate chan struct{}
}

func (s *countingStore) GetBlock(ctx context.Context, sum string) ([]byte, error) {
	atomic.AddInt32(&s.gets, 1)
	if s.gate != nil {
		<-s.gate
	}
	return s.Client.GetBlock(ctx, sum)
}

type env struct {
	backend types.Backend
	path    blockstore.Path
}

func newEnv(t *testing.T, blockSize int64) *env {
	t.Helper()
	backend, err := local.NewBackend(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	e := &env{backend: backend, path: blockstore.Path{Bucket: "bucket", Prefix: "dbs"}}

	client := e.client(t)
	ctx := context.Background()
	require.NoError(t, client.CreateContainer(ctx, blockstore.Container{BlockSize: blockSize}))
	_, err = manifest.NewManager(manifest.Options{Logger: zerolog.Nop()}).Initialize(ctx, client, blockSize, "test")
	require.NoError(t, err)
	return e
}

func (e *env) client(t *testing.T) *blockstore.Client {
	t.Helper()
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	c, err := blockstore.New(e.backend, e.path, blockstore.Options{Retry: cfg, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

type node struct {
	dir      string
	store    *countingStore
	cache    *cache.Cache
	mount    *Mount
	registry *Registry
}

// node is one process with its own cache on the shared bucket.
func (e *env) node(t *testing.T, publishOnClose bool) *node {
	t.Helper()
	dir := t.TempDir()
	c, err := cache.Open(cache.Config{Directory: dir, Capacity: 64 << 20, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	session, err := credentials.NewStaticSession("token", "tester")
	require.NoError(t, err)

	store := &countingStore{Client: e.client(t)}
	m, err := NewMount(context.Background(), MountConfig{
		Alias:          "buckets",
		Store:          store,
		Manifests:      manifest.NewManager(manifest.Options{Logger: zerolog.Nop()}),
		Cache:          c,
		LockDir:        dir,
		PublishOnClose: publishOnClose,
		Session:        session,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)

	r := NewRegistry()
	require.NoError(t, r.Register(m))
	return &node{dir: dir, store: store, cache: c, mount: m, registry: r}
}

func randomBytes(n int64, seed int64) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func readAll(t *testing.T, f *File) []byte {
	t.Helper()
	buf := make([]byte, f.Size())
	n, err := f.ReadAt(context.Background(), buf, 0)
	if len(buf) > 0 {
		require.NoError(t, err)
	}
	return buf[:n]
}

func TestSplitName(t *testing.T) {
	alias, db, err := SplitName("/buckets/main.db")
	require.NoError(t, err)
	assert.Equal(t, "buckets", alias)
	assert.Equal(t, "main.db", db)

	for _, bad := range []string{"", "/buckets", "/buckets/", "//main.db", "/a/b/c"} {
		_, _, err := SplitName(bad)
		assert.True(t, bverrors.HasCode(err, bverrors.ErrCodePathInvalid), bad)
	}
}

func TestRegistry(t *testing.T) {
	e := newEnv(t, 1024)
	n := e.node(t, false)

	assert.Error(t, n.registry.Register(n.mount), "duplicate alias")
	assert.Equal(t, []string{"buckets"}, n.registry.Aliases())

	_, err := n.registry.Open(context.Background(), "/other/main.db", true)
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeContainerNotFound))

	_, err = n.registry.Open(context.Background(), "/buckets/missing.db", false)
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeDatabaseNotFound))

	ok, err := n.registry.Exists(context.Background(), "/buckets/missing.db")
	require.NoError(t, err)
	assert.False(t, ok)

	m, ok := n.registry.Unregister("buckets")
	assert.True(t, ok)
	assert.Same(t, n.mount, m)
}

func TestRoundTrip(t *testing.T) {
	for _, bs := range []int64{512, 4096} {
		for _, size := range []int64{0, 1, bs - 1, bs, bs + 1, 3*bs - 1, 3 * bs, 5*bs + 7} {
			t.Run(fmt.Sprintf("B=%d/N=%d", bs, size), func(t *testing.T) {
				ctx := context.Background()
				e := newEnv(t, bs)
				writer := e.node(t, true)

				data := randomBytes(size, size)
				f, err := writer.registry.Open(ctx, "/buckets/main.db", true)
				require.NoError(t, err)
				if size > 0 {
					_, err = f.WriteAt(ctx, data, 0)
					require.NoError(t, err)
				}
				require.NoError(t, f.Sync(ctx))
				require.NoError(t, f.Close(ctx))

				// a second node with an empty cache reads it back
				reader := e.node(t, false)
				g, err := reader.registry.Open(ctx, "/buckets/main.db", false)
				require.NoError(t, err)
				defer g.Close(ctx)
				assert.Equal(t, size, g.Size())
				assert.Equal(t, data, readAll(t, g))

				latest, err := manifest.NewManager(manifest.Options{}).Load(ctx, e.client(t))
				require.NoError(t, err)
				assert.Equal(t, uint64(1), latest.Version)
				assert.Len(t, latest.Databases["main.db"].Blocks, int((size+bs-1)/bs))
			})
		}
	}
}

func TestReadPastEOF(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 512)
	n := e.node(t, false)

	f, err := n.registry.Open(ctx, "/buckets/a.db", true)
	require.NoError(t, err)
	_, err = f.WriteAt(ctx, []byte("hello"), 0)
	require.NoError(t, err)

	buf := bytes.Repeat([]byte{0xff}, 10)
	got, err := f.ReadAt(ctx, buf, 2)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 3, got)
	assert.Equal(t, append([]byte("llo"), make([]byte, 7)...), buf)

	buf = bytes.Repeat([]byte{0xff}, 4)
	got, err = f.ReadAt(ctx, buf, 100)
	assert.Equal(t, io.EOF, err)
	assert.Zero(t, got)
	assert.Equal(t, make([]byte, 4), buf)
}

func TestConcurrentReadsFetchOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 1024)
	writer := e.node(t, true)

	f, err := writer.registry.Open(ctx, "/buckets/main.db", true)
	require.NoError(t, err)
	data := randomBytes(1024, 42)
	_, err = f.WriteAt(ctx, data, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close(ctx))

	reader := e.node(t, false)
	reader.store.gate = make(chan struct{})
	g, err := reader.registry.Open(ctx, "/buckets/main.db", false)
	require.NoError(t, err)
	defer g.Close(ctx)

	const readers = 16
	var wg sync.WaitGroup
	results := make([][]byte, readers)
	errs := make([]error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buf := make([]byte, 100)
			_, errs[i] = g.ReadAt(ctx, buf, int64(i*10))
			results[i] = buf
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(reader.store.gate)
	wg.Wait()

	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, data[i*10:i*10+100], results[i])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&reader.store.gets))

	// now cached
	_, err = g.ReadAt(ctx, make([]byte, 10), 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&reader.store.gets))
}

func TestAbandonedWaitDoesNotCancelFetch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 512)
	writer := e.node(t, true)
	f, err := writer.registry.Open(ctx, "/buckets/main.db", true)
	require.NoError(t, err)
	_, err = f.WriteAt(ctx, randomBytes(512, 1), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close(ctx))

	reader := e.node(t, false)
	reader.store.gate = make(chan struct{})
	g, err := reader.registry.Open(ctx, "/buckets/main.db", false)
	require.NoError(t, err)
	defer g.Close(ctx)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := g.ReadAt(ctx, make([]byte, 512), 0)
		done <- err
	}()

	_, err = g.ReadAt(short, make([]byte, 512), 0)
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeOperationCanceled))

	close(reader.store.gate)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), atomic.LoadInt32(&reader.store.gets))
}

func TestNegativeOffset(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 512)
	n := e.node(t, false)

	f, err := n.registry.Open(ctx, "/buckets/a.db", true)
	require.NoError(t, err)
	defer f.Close(ctx)
	_, err = f.WriteAt(ctx, []byte("hello"), 0)
	require.NoError(t, err)

	for _, off := range []int64{-1, -512, -4096} {
		got, err := f.ReadAt(ctx, make([]byte, 4), off)
		assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeValidationFailed), "ReadAt(%d): %v", off, err)
		assert.Zero(t, got)

		_, err = f.WriteAt(ctx, []byte("x"), off)
		assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeValidationFailed), "WriteAt(%d): %v", off, err)
	}
	assert.Equal(t, []byte("hello"), readAll(t, f))
}

func TestWriteModifyAndTruncate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 512)
	n := e.node(t, false)

	f, err := n.registry.Open(ctx, "/buckets/main.db", true)
	require.NoError(t, err)
	defer f.Close(ctx)

	base := randomBytes(1500, 7)
	_, err = f.WriteAt(ctx, base, 0)
	require.NoError(t, err)

	// straddles blocks 0 and 1
	patch := bytes.Repeat([]byte{'x'}, 100)
	_, err = f.WriteAt(ctx, patch, 480)
	require.NoError(t, err)
	copy(base[480:], patch)
	assert.Equal(t, base, readAll(t, f))

	require.NoError(t, f.Truncate(ctx, 600))
	assert.Equal(t, int64(600), f.Size())
	assert.Equal(t, base[:600], readAll(t, f))
	assert.Len(t, n.cache.Flush(n.mount.Container()), 2)

	// growing again exposes zeros, not the old bytes
	require.NoError(t, f.Truncate(ctx, 1500))
	got := readAll(t, f)
	assert.Equal(t, base[:600], got[:600])
	assert.Equal(t, make([]byte, 900), got[600:])
}

func TestShrinkThenGrowPublishesZeros(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 1024)
	writer := e.node(t, true)

	data := randomBytes(3*1024, 11)
	f, err := writer.registry.Open(ctx, "/buckets/main.db", true)
	require.NoError(t, err)
	_, err = f.WriteAt(ctx, data, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close(ctx))

	g, err := writer.registry.Open(ctx, "/buckets/main.db", false)
	require.NoError(t, err)
	require.NoError(t, g.Truncate(ctx, 1024))
	require.NoError(t, g.Truncate(ctx, 3*1024))

	want := append(append([]byte{}, data[:1024]...), make([]byte, 2*1024)...)
	assert.Equal(t, want, readAll(t, g), "before publish")
	require.NoError(t, g.Close(ctx))

	latest, err := manifest.NewManager(manifest.Options{}).Load(ctx, e.client(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest.Version)
	zeroSum := blockstore.Checksum(make([]byte, 1024))
	blocks := latest.Databases["main.db"].Blocks
	require.Len(t, blocks, 3)
	assert.Equal(t, blockstore.Checksum(data[:1024]), blocks[0])
	assert.Equal(t, zeroSum, blocks[1])
	assert.Equal(t, zeroSum, blocks[2])

	reader := e.node(t, false)
	h, err := reader.registry.Open(ctx, "/buckets/main.db", false)
	require.NoError(t, err)
	defer h.Close(ctx)
	assert.Equal(t, want, readAll(t, h), "fresh node")
}

func TestShrinkThenGrowSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 512)
	n := e.node(t, false)

	data := randomBytes(4*512, 12)
	f, err := n.registry.Open(ctx, "/buckets/main.db", true)
	require.NoError(t, err)
	_, err = f.WriteAt(ctx, data, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close(ctx))
	_, err = n.mount.Publish(ctx)
	require.NoError(t, err)

	// shrink mid-block, grow, then rewrite one of the dropped blocks
	g, err := n.registry.Open(ctx, "/buckets/main.db", false)
	require.NoError(t, err)
	require.NoError(t, g.Truncate(ctx, 700))
	require.NoError(t, g.Truncate(ctx, 4*512))
	_, err = g.WriteAt(ctx, []byte("again"), 3*512)
	require.NoError(t, err)
	require.NoError(t, g.Close(ctx))

	want := make([]byte, 4*512)
	copy(want, data[:700])
	copy(want[3*512:], "again")

	// the low-water mark comes back from the cache layout
	h, err := n.registry.Open(ctx, "/buckets/main.db", false)
	require.NoError(t, err)
	assert.Equal(t, want, readAll(t, h))
	require.NoError(t, h.Close(ctx))

	next, err := n.mount.Publish(ctx)
	require.NoError(t, err)
	blocks := next.Databases["main.db"].Blocks
	require.Len(t, blocks, 4)
	assert.Equal(t, blockstore.Checksum(data[:512]), blocks[0])
	assert.Equal(t, blockstore.Checksum(make([]byte, 512)), blocks[2])

	reader := e.node(t, false)
	r, err := reader.registry.Open(ctx, "/buckets/main.db", false)
	require.NoError(t, err)
	defer r.Close(ctx)
	assert.Equal(t, want, readAll(t, r))
}

func TestPendingChangesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 512)
	n := e.node(t, false)

	f, err := n.registry.Open(ctx, "/buckets/main.db", true)
	require.NoError(t, err)
	_, err = f.WriteAt(ctx, []byte("pending"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close(ctx))

	// nothing published yet
	latest, err := manifest.NewManager(manifest.Options{}).Refresh(ctx, e.client(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), latest.Version)

	g, err := n.registry.Open(ctx, "/buckets/main.db", false)
	require.NoError(t, err)
	assert.Equal(t, []byte("pending"), readAll(t, g))
	require.NoError(t, g.Close(ctx))

	next, err := n.mount.Publish(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next.Version)
	assert.Equal(t, "tester", next.Author)
	assert.Empty(t, n.cache.Flush(n.mount.Container()))
}

func TestPublishConflict(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 512)
	a := e.node(t, false)
	b := e.node(t, false)

	fa, err := a.registry.Open(ctx, "/buckets/main.db", true)
	require.NoError(t, err)
	_, err = fa.WriteAt(ctx, []byte("from a"), 0)
	require.NoError(t, err)
	require.NoError(t, fa.Close(ctx))

	fb, err := b.registry.Open(ctx, "/buckets/main.db", true)
	require.NoError(t, err)
	_, err = fb.WriteAt(ctx, []byte("from b"), 0)
	require.NoError(t, err)
	require.NoError(t, fb.Close(ctx))

	_, err = a.mount.Publish(ctx)
	require.NoError(t, err)

	_, err = b.mount.Publish(ctx)
	require.Error(t, err)
	assert.True(t, bverrors.IsKind(err, bverrors.CategoryConflict))
	assert.Len(t, b.cache.Flush(b.mount.Container()), 1, "rejected changes stay dirty")
}

func TestLocking(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 512)
	n := e.node(t, false)

	f1, err := n.registry.Open(ctx, "/buckets/main.db", true)
	require.NoError(t, err)
	f2, err := n.registry.Open(ctx, "/buckets/main.db", true)
	require.NoError(t, err)

	require.NoError(t, f1.Lock(LockShared))
	require.NoError(t, f2.Lock(LockShared))
	assert.False(t, f2.CheckReservedLock())

	require.NoError(t, f1.Lock(LockReserved))
	assert.True(t, f2.CheckReservedLock())
	assert.True(t, n.mount.flock.Held())

	err = f2.Lock(LockReserved)
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeLockHeld))

	// f2 still reads, so exclusive must wait
	err = f1.Lock(LockExclusive)
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeLockHeld))
	assert.Equal(t, LockPending, f1.LockLevel())

	// pending blocks new shared locks
	f3, err := n.registry.Open(ctx, "/buckets/main.db", true)
	require.NoError(t, err)
	assert.True(t, bverrors.HasCode(f3.Lock(LockShared), bverrors.ErrCodeLockHeld))

	require.NoError(t, f2.Unlock(LockNone))
	require.NoError(t, f1.Lock(LockExclusive))
	assert.Equal(t, LockExclusive, f1.LockLevel())

	require.NoError(t, f1.Unlock(LockShared))
	assert.False(t, f1.CheckReservedLock())
	assert.False(t, n.mount.flock.Held())

	require.NoError(t, f1.Close(ctx))
	require.NoError(t, f2.Close(ctx))
	require.NoError(t, f3.Close(ctx))
}

func TestReservedLockExcludesOtherProcesses(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 512)
	n := e.node(t, false)

	f, err := n.registry.Open(ctx, "/buckets/main.db", true)
	require.NoError(t, err)
	defer f.Close(ctx)
	require.NoError(t, f.Lock(LockShared))
	require.NoError(t, f.Lock(LockReserved))

	// the daemon locks the same file for the container
	daemon := lock.NewFileLock(lock.Path(n.dir, n.mount.Container()))
	assert.True(t, bverrors.HasCode(daemon.TryLock(), bverrors.ErrCodeLockHeld))

	require.NoError(t, f.Unlock(LockNone))
	require.NoError(t, daemon.TryLock())
	require.NoError(t, daemon.Unlock())
}

func TestClosedFile(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 512)
	n := e.node(t, false)

	f, err := n.registry.Open(ctx, "/buckets/main.db", true)
	require.NoError(t, err)
	require.NoError(t, f.Close(ctx))
	require.NoError(t, f.Close(ctx))

	_, err = f.ReadAt(ctx, make([]byte, 1), 0)
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeInvalidState))
	_, err = f.WriteAt(ctx, []byte("x"), 0)
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeInvalidState))
}

func TestCorruptBlockIsFatal(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 512)
	writer := e.node(t, true)

	f, err := writer.registry.Open(ctx, "/buckets/main.db", true)
	require.NoError(t, err)
	_, err = f.WriteAt(ctx, randomBytes(512, 3), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close(ctx))

	latest, err := manifest.NewManager(manifest.Options{}).Load(ctx, e.client(t))
	require.NoError(t, err)
	sum := latest.Databases["main.db"].Blocks[0]
	require.NoError(t, e.backend.PutObject(ctx, "dbs/blocks/"+sum, make([]byte, 512)))

	reader := e.node(t, false)
	g, err := reader.registry.Open(ctx, "/buckets/main.db", false)
	require.NoError(t, err)
	defer g.Close(ctx)
	_, err = g.ReadAt(ctx, make([]byte, 10), 0)
	assert.True(t, bverrors.IsKind(err, bverrors.CategoryCorruption))
	assert.Equal(t, int32(1), atomic.LoadInt32(&reader.store.gets), "corruption is not retried")
}
