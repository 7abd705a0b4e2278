package lock

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"

	bverrors "github.com/objectfs/blockvfs/pkg/errors"
)

// Path returns the advisory lock file of container below dir.
func Path(dir, container string) string {
	sum := blake3.Sum256([]byte(container))
	return filepath.Join(dir, "locks", hex.EncodeToString(sum[:8])+".lock")
}

// FileLock is an exclusive OS advisory lock on a file. It excludes other
// processes and other FileLocks on the same path.
type FileLock struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// NewFileLock returns an unlocked FileLock for path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock takes the lock without blocking. It returns LOCK_HELD when
// someone else holds it.
func (l *FileLock) TryLock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0750); err != nil {
		return bverrors.Wrap(err, bverrors.ErrCodeStorageWrite, "failed to create lock directory").WithComponent("lock")
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return bverrors.Wrap(err, bverrors.ErrCodeStorageWrite, "failed to open lock file").WithComponent("lock")
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return bverrors.Newf(bverrors.ErrCodeLockHeld, "container is locked by another local process").
				WithComponent("lock").WithDetail("path", l.path)
		}
		return bverrors.Wrap(err, bverrors.ErrCodeInternalError, "flock failed").WithComponent("lock")
	}
	l.file = f
	return nil
}

// Held reports whether this FileLock holds the lock.
func (l *FileLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}

// Unlock releases the lock. Unlocking an unheld lock is a no-op.
func (l *FileLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
