package vfs

import (
	"context"
	"io"

	"github.com/objectfs/blockvfs/internal/cache"
	bverrors "github.com/objectfs/blockvfs/pkg/errors"
	"github.com/objectfs/blockvfs/pkg/types"
)

// LockLevel mirrors the database engine's file lock levels.
type LockLevel int

const (
	LockNone LockLevel = iota
	LockShared
	LockReserved
	LockPending
	LockExclusive
)

func (l LockLevel) String() string {
	switch l {
	case LockNone:
		return "none"
	case LockShared:
		return "shared"
	case LockReserved:
		return "reserved"
	case LockPending:
		return "pending"
	case LockExclusive:
		return "exclusive"
	}
	return "unknown"
}

// File is an open handle on a database.
type File struct {
	mount  *Mount
	db     *dbState
	level  LockLevel
	closed bool
}

// Name returns the database name.
func (f *File) Name() string {
	return f.db.name
}

// Size returns the logical size of the database.
func (f *File) Size() int64 {
	f.db.mu.RLock()
	defer f.db.mu.RUnlock()
	return f.db.size
}

func (f *File) key(index int64) cache.Key {
	return cache.Key{Container: f.mount.container, Database: f.db.name, Index: index}
}

// ReadAt reads len(p) bytes at off. Bytes past the end of the database are
// zero-filled and reported as a short read with io.EOF.
func (f *File) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if f.closed {
		return 0, errClosedFile()
	}
	if off < 0 {
		return 0, bverrors.Newf(bverrors.ErrCodeValidationFailed, "negative offset %d", off).WithComponent("vfs")
	}
	f.db.mu.RLock()
	size := f.db.size
	blocks := f.db.blocks
	f.db.mu.RUnlock()

	n := int64(len(p))
	if off >= size {
		clear(p)
		return 0, io.EOF
	}
	if off+n > size {
		n = size - off
	}

	bs := f.mount.blockSize
	first, last := types.Range{Offset: off, Size: n}.BlockRange(bs)
	for index := first; index <= last; index++ {
		mu := f.db.stripe(index)
		mu.RLock()
		data, err := f.mount.loadBlock(ctx, f.key(index), expected(blocks, index))
		mu.RUnlock()
		if err != nil {
			return 0, err
		}

		blockStart := index * bs
		from := max(off, blockStart)
		to := min(off+n, blockStart+bs)
		copy(p[from-off:to-off], data[from-blockStart:to-blockStart])
	}

	if n < int64(len(p)) {
		clear(p[n:])
		return int(n), io.EOF
	}
	return int(n), nil
}

// WriteAt writes p at off into dirty cache blocks and extends the logical
// size when writing past the end.
func (f *File) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if f.closed {
		return 0, errClosedFile()
	}
	if off < 0 {
		return 0, bverrors.Newf(bverrors.ErrCodeValidationFailed, "negative offset %d", off).WithComponent("vfs")
	}
	if len(p) == 0 {
		return 0, nil
	}

	f.db.mu.RLock()
	blocks := f.db.blocks
	f.db.mu.RUnlock()

	bs := f.mount.blockSize
	n := int64(len(p))
	first, last := types.Range{Offset: off, Size: n}.BlockRange(bs)

	for index := first; index <= last; index++ {
		blockStart := index * bs
		from := max(off, blockStart)
		to := min(off+n, blockStart+bs)

		mu := f.db.stripe(index)
		mu.Lock()
		err := f.writeBlock(ctx, index, expected(blocks, index), p[from-off:to-off], from-blockStart)
		mu.Unlock()
		if err != nil {
			return int(from - off), err
		}
	}

	return len(p), f.setSize(off+n, false)
}

// writeBlock merges chunk into block index at offset within the block.
func (f *File) writeBlock(ctx context.Context, index int64, sum string, chunk []byte, within int64) error {
	bs := f.mount.blockSize
	var buf []byte
	if int64(len(chunk)) == bs {
		buf = make([]byte, bs)
	} else {
		data, err := f.mount.loadBlock(ctx, f.key(index), sum)
		if err != nil {
			return err
		}
		buf = make([]byte, bs)
		copy(buf, data)
	}
	copy(buf[within:], chunk)
	return f.mount.cache.Put(f.key(index), buf, cache.PutOptions{Dirty: true})
}

// setSize records a new logical size. Without shrink it only grows.
func (f *File) setSize(size int64, shrink bool) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()

	if size < f.db.size && !shrink {
		size = f.db.size
	}
	if size == f.db.size && f.db.dirty {
		return nil
	}
	low := min(f.db.low, size)
	if err := f.mount.cache.SetLayout(f.mount.container, f.db.name, cache.Layout{Size: size, Base: f.db.base, Low: low}); err != nil {
		return err
	}
	f.db.size = size
	f.db.low = low
	f.db.blocks = trimBlocks(f.db.blocks, blockCount(size, f.mount.blockSize))
	f.db.dirty = true
	return nil
}

// Truncate sets the logical size. Blocks past the new end are dropped and
// the tail block is zeroed past the end.
func (f *File) Truncate(ctx context.Context, size int64) error {
	if f.closed {
		return errClosedFile()
	}
	if size < 0 {
		return bverrors.Newf(bverrors.ErrCodeValidationFailed, "negative size %d", size).WithComponent("vfs")
	}

	f.db.mu.RLock()
	oldSize := f.db.size
	blocks := f.db.blocks
	f.db.mu.RUnlock()

	bs := f.mount.blockSize
	if size < oldSize {
		keep := blockCount(size, bs)
		if tail := size % bs; tail != 0 {
			index := size / bs
			mu := f.db.stripe(index)
			mu.Lock()
			err := f.writeBlock(ctx, index, expected(blocks, index), make([]byte, bs-tail), tail)
			mu.Unlock()
			if err != nil {
				return err
			}
		}
		var drop []cache.Key
		for index := keep; index < blockCount(oldSize, bs); index++ {
			drop = append(drop, f.key(index))
		}
		if err := f.mount.cache.Delete(drop...); err != nil {
			return err
		}
	}
	return f.setSize(size, true)
}

// Sync makes dirty blocks and the layout durable in the cache.
func (f *File) Sync(ctx context.Context) error {
	if f.closed {
		return errClosedFile()
	}
	return f.mount.cache.Sync()
}

// Lock raises the handle's lock to level. A reserved or higher lock takes
// the container's advisory lock; conflicts are LOCK_HELD.
func (f *File) Lock(level LockLevel) error {
	m := f.mount
	m.mu.Lock()
	defer m.mu.Unlock()

	if level <= f.level {
		return nil
	}
	st := f.db

	switch level {
	case LockShared:
		if (st.pending != nil && st.pending != f) || (st.exclusive != nil && st.exclusive != f) {
			return errBusy(st.name)
		}
		st.shared++
	case LockReserved:
		if f.level < LockShared {
			return bverrors.NewError(bverrors.ErrCodeInvalidState, "reserved lock requires shared").WithComponent("vfs")
		}
		if st.reserved != nil && st.reserved != f {
			return errBusy(st.name)
		}
		if err := m.lockReservedLocked(); err != nil {
			return err
		}
		st.reserved = f
	case LockPending, LockExclusive:
		if f.level < LockShared {
			return bverrors.NewError(bverrors.ErrCodeInvalidState, "exclusive lock requires shared").WithComponent("vfs")
		}
		if st.pending != nil && st.pending != f {
			return errBusy(st.name)
		}
		if f.level < LockReserved {
			if st.reserved != nil && st.reserved != f {
				return errBusy(st.name)
			}
			if err := m.lockReservedLocked(); err != nil {
				return err
			}
			st.reserved = f
		}
		st.pending = f
		f.level = LockPending
		if level == LockExclusive {
			// other readers must drain first
			if st.shared > 1 {
				return errBusy(st.name)
			}
			st.exclusive = f
		}
	}
	f.level = level
	return nil
}

// Unlock lowers the handle's lock to level (shared or none).
func (f *File) Unlock(level LockLevel) error {
	m := f.mount
	m.mu.Lock()
	defer m.mu.Unlock()
	f.unlockLocked(level)
	return nil
}

func (f *File) unlockLocked(level LockLevel) {
	if level >= f.level {
		return
	}
	st := f.db
	if f.level >= LockReserved && level < LockReserved {
		if st.reserved == f {
			st.reserved = nil
			f.mount.unlockReservedLocked()
		}
		if st.pending == f {
			st.pending = nil
		}
		if st.exclusive == f {
			st.exclusive = nil
		}
	}
	if f.level >= LockShared && level < LockShared {
		st.shared--
	}
	f.level = level
}

// CheckReservedLock reports whether any handle of the database holds a
// reserved or higher lock.
func (f *File) CheckReservedLock() bool {
	f.mount.mu.Lock()
	defer f.mount.mu.Unlock()
	return f.db.reserved != nil
}

// LockLevel returns the handle's current lock level.
func (f *File) LockLevel() LockLevel {
	f.mount.mu.Lock()
	defer f.mount.mu.Unlock()
	return f.level
}

// Close releases the handle. When the last handle of a database closes
// with unpublished changes they are published if the mount is configured
// to; otherwise they stay pending in the cache.
func (f *File) Close(ctx context.Context) error {
	if f.closed {
		return nil
	}
	f.mount.mu.Lock()
	f.unlockLocked(LockNone)
	f.mount.mu.Unlock()
	f.closed = true

	if !f.mount.release(f.db) {
		return nil
	}

	f.db.mu.RLock()
	dirty := f.db.dirty
	f.db.mu.RUnlock()
	if !dirty {
		return nil
	}

	if err := f.mount.cache.Sync(); err != nil {
		return err
	}
	if !f.mount.publishOnClose {
		f.mount.logger.Info().Str("database", f.db.name).Msg("closed with unpublished changes, pending upload")
		return nil
	}
	_, err := f.mount.Publish(ctx)
	return err
}

func expected(blocks []string, index int64) string {
	if index < int64(len(blocks)) {
		return blocks[index]
	}
	return ""
}

func errBusy(database string) error {
	return bverrors.Newf(bverrors.ErrCodeLockHeld, "database %s is locked by another handle", database).WithComponent("vfs")
}

func errClosedFile() error {
	return bverrors.NewError(bverrors.ErrCodeInvalidState, "file is closed").WithComponent("vfs")
}
