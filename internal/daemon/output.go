package daemon

import (
	"os"
	"path/filepath"

	bverrors "github.com/objectfs/blockvfs/pkg/errors"
)

// output assembles a downloaded database in a temporary file next to its
// destination and renames it into place on commit.
type output struct {
	path      string
	file      *os.File
	committed bool
}

func createOutput(path string) (*output, error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, bverrors.Wrap(err, bverrors.ErrCodeStorageWrite, "failed to create output file").
			WithComponent("daemon").WithDetail("file", path)
	}
	return &output{path: path, file: f}, nil
}

// writeBlock writes the part of block index that lies within size.
func (o *output) writeBlock(data []byte, index, blockSize, size int64) error {
	off := index * blockSize
	n := size - off
	if n > int64(len(data)) {
		n = int64(len(data))
	}
	if n <= 0 {
		return nil
	}
	if _, err := o.file.WriteAt(data[:n], off); err != nil {
		return bverrors.Wrap(err, bverrors.ErrCodeStorageWrite, "failed to write output file").WithComponent("daemon")
	}
	return nil
}

func (o *output) commit(size int64) error {
	if err := o.file.Truncate(size); err != nil {
		return bverrors.Wrap(err, bverrors.ErrCodeStorageWrite, "failed to size output file").WithComponent("daemon")
	}
	if err := o.file.Sync(); err != nil {
		return bverrors.Wrap(err, bverrors.ErrCodeStorageWrite, "failed to sync output file").WithComponent("daemon")
	}
	if err := o.file.Close(); err != nil {
		return bverrors.Wrap(err, bverrors.ErrCodeStorageWrite, "failed to close output file").WithComponent("daemon")
	}
	if err := os.Rename(o.file.Name(), o.path); err != nil {
		return bverrors.Wrap(err, bverrors.ErrCodeStorageWrite, "failed to move output file into place").WithComponent("daemon")
	}
	o.committed = true
	return nil
}

func (o *output) abort() {
	if o.committed {
		return
	}
	o.file.Close()
	os.Remove(o.file.Name())
}
