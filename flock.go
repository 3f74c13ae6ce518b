//go:build !windows

package petrel

import (
	"os"
	"syscall"

	"github.com/cockroachdb/errors"
)

// Locker guards a database directory against concurrent processes.
type Locker interface {
	// Lock acquires the lock without blocking; a held lock is an error.
	Lock() error
	// Unlock releases the lock and closes the file.
	Unlock() error
}

// fileLocker implements Locker with flock(2) on the LOCK file.
type fileLocker struct {
	file *os.File
}

// newFileLocker opens (creating if needed) the LOCK file inside dir.
func newFileLocker(dir string) (Locker, error) {
	file, err := os.OpenFile(lockFileName(dir), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "opening lock file in %s", dir)
	}
	return &fileLocker{file: file}, nil
}

func (l *fileLocker) Lock() error {
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == syscall.EWOULDBLOCK {
		return ErrDBAlreadyOpen
	}
	if err != nil {
		return errors.Wrap(err, "acquiring file lock")
	}
	return nil
}

func (l *fileLocker) Unlock() error {
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return errors.Wrap(err, "releasing file lock")
	}
	return l.file.Close()
}
