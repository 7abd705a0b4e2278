package vfs

import (
	"context"

	"github.com/objectfs/blockvfs/internal/cache"
	bverrors "github.com/objectfs/blockvfs/pkg/errors"
)

// loadBlock returns block key from the cache, faulting it in from the block
// store when the cache has no usable copy. sum is the published checksum of
// the block, empty for blocks that were never published and read as zeros.
// The returned slice may be shared and must not be modified.
func (m *Mount) loadBlock(ctx context.Context, key cache.Key, sum string) ([]byte, error) {
	data, entry, ok, err := m.cache.Get(key)
	if err != nil {
		return nil, err
	}
	if ok && (entry.Dirty || (sum != "" && entry.Checksum == sum)) {
		return data, nil
	}
	if sum == "" {
		return make([]byte, m.blockSize), nil
	}

	data, err = m.fetch(ctx, sum)
	if err != nil {
		return nil, err
	}
	if err := m.cache.Put(key, data, cache.PutOptions{Checksum: sum}); err != nil {
		return nil, err
	}
	return data, nil
}

// fetch downloads a block once no matter how many callers miss on it at
// the same time. A caller whose context ends stops waiting; the download
// itself runs on for the others.
func (m *Mount) fetch(ctx context.Context, sum string) ([]byte, error) {
	ch := m.flight.DoChan(sum, func() (interface{}, error) {
		m.logger.Debug().Str("block", sum).Msg("fetching block")
		data, err := m.store.GetBlock(context.WithoutCancel(ctx), sum)
		if err != nil {
			return nil, err
		}
		if int64(len(data)) != m.blockSize {
			return nil, bverrors.Newf(bverrors.ErrCodeChecksumMismatch, "block %s has %d bytes, want %d", sum, len(data), m.blockSize).
				WithComponent("vfs").WithOperation("fetch")
		}
		return data, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, bverrors.Wrap(ctx.Err(), bverrors.ErrCodeOperationCanceled, "gave up waiting for block").
			WithComponent("vfs").WithDetail("block", sum)
	}
}
