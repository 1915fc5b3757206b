// Package reposite reads and writes the data-repo layout described in
// spec section 6: instance state, sentinels, the trigger file, and the
// schedule, all guarded by atomic rename so a reader never observes a
// half-written file.
package reposite

import (
	"os"
)

// FileOps abstracts the filesystem calls reposite makes, so tick-engine
// and watcher tests can swap in an in-memory fake.
type FileOps interface {
	MkdirAll(path string, perm os.FileMode) error
	Stat(path string) (os.FileInfo, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
	Remove(path string) error
	RemoveAll(path string) error
	Rename(oldpath, newpath string) error
	CreateTemp(dir, pattern string) (*os.File, error)
}

type defaultFileOps struct{}

// NewDefaultFileOps returns the real os-backed FileOps.
func NewDefaultFileOps() FileOps {
	return &defaultFileOps{}
}

func (f *defaultFileOps) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (f *defaultFileOps) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

func (f *defaultFileOps) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (f *defaultFileOps) WriteFile(path string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, data, perm)
}

func (f *defaultFileOps) Remove(path string) error {
	return os.Remove(path)
}

func (f *defaultFileOps) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (f *defaultFileOps) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (f *defaultFileOps) CreateTemp(dir, pattern string) (*os.File, error) {
	return os.CreateTemp(dir, pattern)
}
