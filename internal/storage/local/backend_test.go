package local

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bverrors "github.com/objectfs/blockvfs/pkg/errors"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := NewBackend(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return b
}

func TestBackend_PutGet(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	require.NoError(t, b.PutObject(ctx, "bucket/dbs/blocks/aa", []byte("hello world")))

	data, err := b.GetObject(ctx, "bucket/dbs/blocks/aa", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	data, err = b.GetObject(ctx, "bucket/dbs/blocks/aa", 6, 5)
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))

	// short range at the end
	data, err = b.GetObject(ctx, "bucket/dbs/blocks/aa", 9, 10)
	require.NoError(t, err)
	assert.Equal(t, "ld", string(data))

	require.NoError(t, b.PutObject(ctx, "bucket/dbs/blocks/aa", []byte("replaced")))
	data, err = b.GetObject(ctx, "bucket/dbs/blocks/aa", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(data))
}

func TestBackend_InvalidKeys(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	for _, key := range []string{"", "../escape", "/abs/key", "a/.tmp-x"} {
		err := b.PutObject(ctx, key, []byte("x"))
		assert.True(t, bverrors.HasCode(err, bverrors.ErrCodePathInvalid), "key %q: %v", key, err)
	}
}

func TestBackend_NotFound(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	_, err := b.GetObject(ctx, "missing", 0, 0)
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeObjectNotFound))

	_, err = b.HeadObject(ctx, "missing")
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeObjectNotFound))

	assert.NoError(t, b.DeleteObject(ctx, "missing"))
}

func TestBackend_PutObjectIfAbsentRace(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = b.PutObjectIfAbsent(ctx, "c/manifests/00000000000000000001.json", []byte{byte(i)})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeObjectExists), "unexpected error %v", err)
	}
	assert.Equal(t, 1, winners)

	// no temp files are left behind
	objects, err := b.ListObjects(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, objects, 1)
}

func TestBackend_ListDeleteHead(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	for _, k := range []string{"c/blocks/b", "c/blocks/a", "c/container.json", "other/x"} {
		require.NoError(t, b.PutObject(ctx, k, []byte(k)))
	}

	objects, err := b.ListObjects(ctx, "c/", 0)
	require.NoError(t, err)
	require.Len(t, objects, 3)
	assert.Equal(t, "c/blocks/a", objects[0].Key)
	assert.Equal(t, "c/blocks/b", objects[1].Key)
	assert.Equal(t, "c/container.json", objects[2].Key)

	limited, err := b.ListObjects(ctx, "c/", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	info, err := b.HeadObject(ctx, "c/container.json")
	require.NoError(t, err)
	assert.Equal(t, int64(len("c/container.json")), info.Size)

	require.NoError(t, b.DeleteObject(ctx, "c/blocks/a"))
	objects, err = b.ListObjects(ctx, "c/blocks/", 0)
	require.NoError(t, err)
	assert.Len(t, objects, 1)

	assert.NoError(t, b.HealthCheck(ctx))
}

func TestBackend_CanceledContext(t *testing.T) {
	b := newBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.PutObject(ctx, "k", []byte("v"))
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeOperationCanceled))
}
