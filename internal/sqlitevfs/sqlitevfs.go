// Package sqlitevfs registers a vfs.Registry with SQLite so connections
// opened as file:/<alias>/<database>?vfs=<name> are served from containers.
// Rollback journals and other auxiliary files stay local to the cache
// directory and are never published.
package sqlitevfs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/psanford/sqlite3vfs"
	"github.com/rs/zerolog"

	"github.com/objectfs/blockvfs/internal/vfs"
	bverrors "github.com/objectfs/blockvfs/pkg/errors"
)

// auxSuffixes name the files SQLite derives from a database name.
var auxSuffixes = []string{"-journal", "-wal", "-shm"}

// Options configures the engine binding.
type Options struct {
	// AuxDir holds journals and temporary files.
	AuxDir string
	// Timeout bounds each file operation; zero means no bound.
	Timeout time.Duration
	Logger  zerolog.Logger
}

type engineVFS struct {
	registry *vfs.Registry
	auxDir   string
	timeout  time.Duration
	logger   zerolog.Logger
}

var _ sqlite3vfs.VFS = (*engineVFS)(nil)

// Register makes registry available to SQLite as name.
func Register(name string, registry *vfs.Registry, opts Options) error {
	if opts.AuxDir == "" {
		return bverrors.NewError(bverrors.ErrCodeMissingConfig, "aux directory not set").WithComponent("sqlitevfs")
	}
	if err := os.MkdirAll(opts.AuxDir, 0750); err != nil {
		return bverrors.Wrap(err, bverrors.ErrCodeStorageWrite, "failed to create aux directory").WithComponent("sqlitevfs")
	}
	e := &engineVFS{
		registry: registry,
		auxDir:   opts.AuxDir,
		timeout:  opts.Timeout,
		logger:   opts.Logger.With().Str("component", "sqlitevfs").Str("vfs", name).Logger(),
	}
	return sqlite3vfs.RegisterVFS(name, e)
}

func (e *engineVFS) context() (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), e.timeout)
}

func (e *engineVFS) auxPath(name string) string {
	return filepath.Join(e.auxDir, strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_"))
}

func isAux(name string, flags sqlite3vfs.OpenFlag) bool {
	if flags != 0 && flags&sqlite3vfs.OpenMainDB == 0 {
		return true
	}
	for _, suffix := range auxSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func (e *engineVFS) Open(name string, flags sqlite3vfs.OpenFlag) (sqlite3vfs.File, sqlite3vfs.OpenFlag, error) {
	if name == "" || isAux(name, flags) {
		return e.openAux(name, flags)
	}

	ctx, cancel := e.context()
	defer cancel()
	f, err := e.registry.Open(ctx, name, flags&sqlite3vfs.OpenCreate != 0)
	if err != nil {
		e.logger.Debug().Err(err).Str("name", name).Msg("open failed")
		if bverrors.IsKind(err, bverrors.CategoryNotFound) || bverrors.HasCode(err, bverrors.ErrCodePathInvalid) {
			return nil, 0, sqlite3vfs.CantOpenError
		}
		return nil, 0, toSQLite(err)
	}
	return &dbFile{vfs: e, file: f}, flags, nil
}

func (e *engineVFS) openAux(name string, flags sqlite3vfs.OpenFlag) (sqlite3vfs.File, sqlite3vfs.OpenFlag, error) {
	var f *os.File
	var err error
	if name == "" {
		f, err = os.CreateTemp(e.auxDir, "tmp-*")
		flags |= sqlite3vfs.OpenDeleteOnClose
	} else {
		mode := os.O_RDWR
		if flags&sqlite3vfs.OpenCreate != 0 {
			mode |= os.O_CREATE
		}
		f, err = os.OpenFile(e.auxPath(name), mode, 0600)
	}
	if err != nil {
		return nil, 0, sqlite3vfs.CantOpenError
	}
	return &auxFile{f: f, deleteOnClose: flags&sqlite3vfs.OpenDeleteOnClose != 0}, flags, nil
}

func (e *engineVFS) Delete(name string, dirSync bool) error {
	if !isAux(name, 0) {
		e.logger.Warn().Str("name", name).Msg("refusing to delete a container database")
		return sqlite3vfs.PermError
	}
	if err := os.Remove(e.auxPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return sqlite3vfs.IOError
	}
	return nil
}

func (e *engineVFS) Access(name string, flags sqlite3vfs.AccessFlag) (bool, error) {
	if isAux(name, 0) {
		_, err := os.Stat(e.auxPath(name))
		return err == nil, nil
	}
	ctx, cancel := e.context()
	defer cancel()
	ok, err := e.registry.Exists(ctx, name)
	if err != nil {
		if bverrors.IsKind(err, bverrors.CategoryNotFound) || bverrors.HasCode(err, bverrors.ErrCodePathInvalid) {
			return false, nil
		}
		return false, toSQLite(err)
	}
	return ok, nil
}

func (e *engineVFS) FullPathname(name string) string {
	return name
}

// toSQLite maps errors onto the result codes SQLite understands. Lock
// contention is BUSY; everything else surfaces as an I/O error.
func toSQLite(err error) error {
	switch {
	case err == nil:
		return nil
	case bverrors.IsKind(err, bverrors.CategoryLock):
		return sqlite3vfs.BusyError
	default:
		return sqlite3vfs.IOError
	}
}

type dbFile struct {
	vfs  *engineVFS
	file *vfs.File
}

func (f *dbFile) Close() error {
	ctx, cancel := f.vfs.context()
	defer cancel()
	if err := f.file.Close(ctx); err != nil {
		f.vfs.logger.Error().Err(err).Str("database", f.file.Name()).Msg("close failed")
		return toSQLite(err)
	}
	return nil
}

func (f *dbFile) ReadAt(p []byte, off int64) (int, error) {
	ctx, cancel := f.vfs.context()
	defer cancel()
	n, err := f.file.ReadAt(ctx, p, off)
	if err == io.EOF {
		return n, io.EOF
	}
	if err != nil {
		f.vfs.logger.Error().Err(err).Str("database", f.file.Name()).Int64("offset", off).Msg("read failed")
		return n, toSQLite(err)
	}
	return n, nil
}

func (f *dbFile) WriteAt(p []byte, off int64) (int, error) {
	ctx, cancel := f.vfs.context()
	defer cancel()
	n, err := f.file.WriteAt(ctx, p, off)
	if err != nil {
		f.vfs.logger.Error().Err(err).Str("database", f.file.Name()).Int64("offset", off).Msg("write failed")
		return n, toSQLite(err)
	}
	return n, nil
}

func (f *dbFile) Truncate(size int64) error {
	ctx, cancel := f.vfs.context()
	defer cancel()
	return toSQLite(f.file.Truncate(ctx, size))
}

func (f *dbFile) Sync(flag sqlite3vfs.SyncType) error {
	ctx, cancel := f.vfs.context()
	defer cancel()
	return toSQLite(f.file.Sync(ctx))
}

func (f *dbFile) FileSize() (int64, error) {
	return f.file.Size(), nil
}

func (f *dbFile) Lock(elock sqlite3vfs.LockType) error {
	return toSQLite(f.file.Lock(vfs.LockLevel(elock)))
}

func (f *dbFile) Unlock(elock sqlite3vfs.LockType) error {
	return toSQLite(f.file.Unlock(vfs.LockLevel(elock)))
}

func (f *dbFile) CheckReservedLock() (bool, error) {
	return f.file.CheckReservedLock(), nil
}

func (f *dbFile) SectorSize() int64 {
	return 4096
}

func (f *dbFile) DeviceCharacteristics() sqlite3vfs.DeviceCharacteristic {
	return 0
}

// auxFile is a plain local file.
type auxFile struct {
	f             *os.File
	deleteOnClose bool
}

func (a *auxFile) Close() error {
	err := a.f.Close()
	if a.deleteOnClose {
		os.Remove(a.f.Name())
	}
	return err
}

func (a *auxFile) ReadAt(p []byte, off int64) (int, error) {
	return a.f.ReadAt(p, off)
}

func (a *auxFile) WriteAt(p []byte, off int64) (int, error) {
	return a.f.WriteAt(p, off)
}

func (a *auxFile) Truncate(size int64) error {
	return a.f.Truncate(size)
}

func (a *auxFile) Sync(flag sqlite3vfs.SyncType) error {
	return a.f.Sync()
}

func (a *auxFile) FileSize() (int64, error) {
	st, err := a.f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Aux files belong to one connection's database lock, so their own locks
// are no-ops.
func (a *auxFile) Lock(elock sqlite3vfs.LockType) error   { return nil }
func (a *auxFile) Unlock(elock sqlite3vfs.LockType) error { return nil }
func (a *auxFile) CheckReservedLock() (bool, error)       { return false, nil }
func (a *auxFile) SectorSize() int64                      { return 4096 }

func (a *auxFile) DeviceCharacteristics() sqlite3vfs.DeviceCharacteristic {
	return 0
}
