package daemon

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/blockvfs/internal/config"
	"github.com/objectfs/blockvfs/internal/credentials"
	"github.com/objectfs/blockvfs/internal/lock"
	bverrors "github.com/objectfs/blockvfs/pkg/errors"
)

const container = "bucket/dbs"

type testEnv struct {
	root string
}

func newTestEnv(t *testing.T) *testEnv {
	return &testEnv{root: t.TempDir()}
}

func (e *testEnv) config(t *testing.T) *config.Configuration {
	t.Helper()
	cfg := config.NewDefault()
	cfg.Storage.Module = config.ModuleLocal
	cfg.Storage.LocalRoot = e.root
	cfg.Storage.Concurrency = 4
	cfg.Cache.Directory = t.TempDir()
	cfg.Cache.MaxSize = "64MB"
	cfg.Network.Retry.BaseDelay = time.Millisecond
	cfg.Network.Retry.MaxDelay = 10 * time.Millisecond
	return cfg
}

func (e *testEnv) coordinator(t *testing.T, account string) *Coordinator {
	t.Helper()
	return e.coordinatorWith(t, e.config(t), account)
}

func (e *testEnv) coordinatorWith(t *testing.T, cfg *config.Configuration, account string) *Coordinator {
	t.Helper()
	session, err := credentials.NewStaticSession("token", account)
	require.NoError(t, err)
	c, err := New(Options{Config: cfg, Session: session, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func writeFile(t *testing.T, size int64, seed int64) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(data)
	path := filepath.Join(t.TempDir(), "main.db")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path, data
}

func TestUploadDownloadScenario(t *testing.T) {
	ctx := context.Background()
	c := newTestEnv(t).coordinator(t, "alice")

	desc, err := c.Create(ctx, container, 2048<<10)
	require.NoError(t, err)
	assert.Equal(t, int64(2048<<10), desc.BlockSize)

	src, data := writeFile(t, 5000<<10, 1)
	res, err := c.Upload(ctx, container, src, UploadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "main.db", res.Database)
	assert.Equal(t, 3, res.Blocks)
	assert.Equal(t, uint64(1), res.Version)

	out := filepath.Join(t.TempDir(), "copy.db")
	dl, err := c.Download(ctx, container, DownloadOptions{Database: "main.db", Output: out})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), dl.Version)
	assert.Equal(t, 3, dl.Fetched)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "downloaded database differs from the upload")

	// the cache holds three clean 2048k blocks, the last zero-padded
	cc, err := c.Cache()
	require.NoError(t, err)
	entries := cc.Entries(container)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, int64(i), e.Key.Index)
		assert.Equal(t, "main.db", e.Key.Database)
		assert.False(t, e.Dirty)
		assert.Equal(t, int64(2048<<10), e.Size)
	}
	tail, _, ok, err := cc.Get(entries[2].Key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, tail, 2048<<10)
	const tailData = (5000 - 2*2048) << 10
	assert.True(t, bytes.Equal(data[2*2048<<10:], tail[:tailData]))
	assert.True(t, bytes.Equal(make([]byte, 2048<<10-tailData), tail[tailData:]), "tail block is not zero-padded")

	// a second download is served from the cache
	dl, err = c.Download(ctx, container, DownloadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, dl.Fetched)
	assert.Equal(t, 3, dl.Cached)

	listing, err := c.List(ctx, container)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), listing.Version)
	require.Len(t, listing.Databases, 1)
	assert.Equal(t, DatabaseInfo{Name: "main.db", Size: 5000 << 10, Blocks: 3}, listing.Databases[0])
}

func TestCreateExistingContainerConflicts(t *testing.T) {
	ctx := context.Background()
	c := newTestEnv(t).coordinator(t, "alice")

	_, err := c.Create(ctx, container, 4096)
	require.NoError(t, err)

	_, err = c.Create(ctx, container, 4096)
	require.Error(t, err)
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeContainerExists))
	assert.Equal(t, 4, bverrors.ExitCode(err))
}

func TestCreateRejectsBadBlockSize(t *testing.T) {
	c := newTestEnv(t).coordinator(t, "alice")
	_, err := c.Create(context.Background(), container, 3000)
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeValidationFailed))
}

func TestDestroyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestEnv(t).coordinator(t, "alice")

	require.NoError(t, c.Destroy(ctx, container))

	_, err := c.Create(ctx, container, 4096)
	require.NoError(t, err)
	src, _ := writeFile(t, 10000, 2)
	_, err = c.Upload(ctx, container, src, UploadOptions{})
	require.NoError(t, err)
	_, err = c.Download(ctx, container, DownloadOptions{})
	require.NoError(t, err)

	require.NoError(t, c.Destroy(ctx, container))
	require.NoError(t, c.Destroy(ctx, container))

	_, err = c.List(ctx, container)
	require.Error(t, err)
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeContainerNotFound))
	assert.Equal(t, 3, bverrors.ExitCode(err))

	cc, err := c.Cache()
	require.NoError(t, err)
	assert.Empty(t, cc.Entries("bucket/dbs"))
}

func TestUploadCreatesContainer(t *testing.T) {
	ctx := context.Background()
	c := newTestEnv(t).coordinator(t, "alice")
	src, _ := writeFile(t, 9000, 3)

	_, err := c.Upload(ctx, container, src, UploadOptions{Database: "x.db"})
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeContainerNotFound))

	res, err := c.Upload(ctx, container, src, UploadOptions{Database: "x.db", Create: true, BlockSize: 4096})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Blocks)
	assert.Equal(t, uint64(1), res.Version)
}

func TestLockHeldByOtherIdentity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.coordinator(t, "alice")
	_, err := alice.Create(ctx, container, 4096)
	require.NoError(t, err)

	bobDir := t.TempDir()
	bob := env.coordinator(t, "bob")
	client, err := bob.Client(ctx, container)
	require.NoError(t, err)
	handle, err := lock.NewManager(bobDir, time.Minute, zerolog.Nop()).Acquire(ctx, client, "bob")
	require.NoError(t, err)

	_, err = alice.List(ctx, container)
	require.Error(t, err)
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeLockHeld))
	assert.Contains(t, err.Error(), "bob")
	assert.Equal(t, 5, bverrors.ExitCode(err))

	// create and destroy do not take the lock
	_, err = alice.Create(ctx, "bucket/other", 4096)
	require.NoError(t, err)

	require.NoError(t, handle.Release(ctx))
	_, err = alice.List(ctx, container)
	require.NoError(t, err)
}

func TestLockedRenewsLease(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	cfg := env.config(t)
	cfg.Lock.Lease = 150 * time.Millisecond
	alice := env.coordinatorWith(t, cfg, "alice")
	_, err := alice.Create(ctx, container, 4096)
	require.NoError(t, err)

	client, err := alice.Client(ctx, container)
	require.NoError(t, err)
	id, err := alice.identity(ctx)
	require.NoError(t, err)

	bob := lock.NewManager(t.TempDir(), cfg.Lock.Lease, zerolog.Nop())
	err = alice.locked(ctx, client, id, func() error {
		// outlive the lease several times over
		for i := 0; i < 4; i++ {
			time.Sleep(cfg.Lock.Lease)
			if _, err := bob.Acquire(ctx, client, "bob"); !bverrors.HasCode(err, bverrors.ErrCodeLockHeld) {
				t.Errorf("after %d leases bob got %v, want LOCK_HELD", i+1, err)
			}
		}
		return nil
	})
	require.NoError(t, err)

	// released once the verb is done
	handle, err := bob.Acquire(ctx, client, "bob")
	require.NoError(t, err)
	require.NoError(t, handle.Release(ctx))
}

func TestManifestHistory(t *testing.T) {
	ctx := context.Background()
	c := newTestEnv(t).coordinator(t, "alice")
	_, err := c.Create(ctx, container, 4096)
	require.NoError(t, err)

	src, _ := writeFile(t, 5000, 4)
	_, err = c.Upload(ctx, container, src, UploadOptions{Database: "a.db"})
	require.NoError(t, err)
	_, err = c.Upload(ctx, container, src, UploadOptions{Database: "b.db"})
	require.NoError(t, err)

	report, err := c.Manifest(ctx, container, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), report.Manifest.Version)
	assert.Equal(t, []uint64{0, 1, 2}, report.History)
	assert.Equal(t, "alice", report.Manifest.Author)
	// identical content dedups to the same blocks
	assert.Equal(t, report.Manifest.Databases["a.db"].Blocks, report.Manifest.Databases["b.db"].Blocks)

	v1 := uint64(1)
	report, err = c.Manifest(ctx, container, &v1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.db"}, report.Manifest.Names())
}

func TestUploadPendingPublishesLocalWrites(t *testing.T) {
	ctx := context.Background()
	c := newTestEnv(t).coordinator(t, "alice")
	_, err := c.Create(ctx, container, 4096)
	require.NoError(t, err)

	m, err := c.Mount(ctx, "buckets", container)
	require.NoError(t, err)
	f, err := m.Open(ctx, "notes.db", true)
	require.NoError(t, err)
	payload := bytes.Repeat([]byte("pending"), 1000)
	_, err = f.WriteAt(ctx, payload, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close(ctx))

	man, n, err := c.UploadPending(ctx, container)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(1), man.Version)

	out := filepath.Join(t.TempDir(), "notes.db")
	_, err = c.Download(ctx, container, DownloadOptions{Database: "notes.db", Output: out})
	require.NoError(t, err)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// nothing left to publish
	_, n, err = c.UploadPending(ctx, container)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCleanReleasesCleanEntries(t *testing.T) {
	ctx := context.Background()
	c := newTestEnv(t).coordinator(t, "alice")
	_, err := c.Create(ctx, container, 4096)
	require.NoError(t, err)
	src, _ := writeFile(t, 3*4096, 5)
	_, err = c.Upload(ctx, container, src, UploadOptions{})
	require.NoError(t, err)
	_, err = c.Download(ctx, container, DownloadOptions{})
	require.NoError(t, err)

	released, err := c.Clean(ctx, container)
	require.NoError(t, err)
	assert.Equal(t, 3, released)

	released, err = c.Clean(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, released)
}

func TestDownloadValidation(t *testing.T) {
	ctx := context.Background()
	c := newTestEnv(t).coordinator(t, "alice")
	_, err := c.Create(ctx, container, 4096)
	require.NoError(t, err)

	_, err = c.Download(ctx, container, DownloadOptions{Output: "x"})
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeValidationFailed))

	_, err = c.Download(ctx, container, DownloadOptions{Database: "missing.db"})
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeDatabaseNotFound))
}

type deniedSession struct{}

func (deniedSession) Identity(ctx context.Context) (credentials.Identity, error) {
	return credentials.Identity{}, bverrors.NewError(bverrors.ErrCodeTokenExpired, "token expired")
}

func TestVerbsRequireIdentity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	c, err := New(Options{Config: env.config(t), Session: deniedSession{}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Create(ctx, container, 4096)
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeTokenExpired))
	assert.Equal(t, 6, bverrors.ExitCode(err))

	err = c.Destroy(ctx, container)
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeTokenExpired))

	_, err = c.List(ctx, container)
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeTokenExpired))
}

func TestInvalidBucketPath(t *testing.T) {
	c := newTestEnv(t).coordinator(t, "alice")
	_, err := c.List(context.Background(), "")
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodePathInvalid))
}
