// Package filesys provides the file system seams used by hostd.
// Production code talks to the standard library through OsFS; tests swap in
// mocks.MockOsFS so disk-tier behaviour can be exercised without touching
// the real disk.
package filesys

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/lc/hostd/internal/log"
)

// ReadWriteFS is the tiny surface the config loader needs.
type ReadWriteFS interface {
	Stat(string) (fs.FileInfo, error)
	MkdirAll(string, os.FileMode) error
	Open(string) (*os.File, error)
	WriteFile(string, []byte, os.FileMode) error
}

// FileOps is what the disk cache tier needs: atomic writes, reads,
// deletion and directory listing for clear.
type FileOps interface {
	Open(string) (*os.File, error)
	ReadFile(string) ([]byte, error)
	ReadDir(string) ([]fs.DirEntry, error)
	MkdirAll(string, os.FileMode) error
	CreateTemp(string, string) (*os.File, error)
	Rename(string, string) error
	Remove(string) error
	Chmod(string, os.FileMode) error
}

// OS returns a file system implementation that delegates to the standard library.
func OS() OsFS {
	return OsFS{}
}

// OsFS implements both ReadWriteFS and FileOps against the local disk.
type OsFS struct{}

func (OsFS) Stat(p string) (fs.FileInfo, error)      { return os.Stat(p) }
func (OsFS) MkdirAll(p string, m os.FileMode) error  { return os.MkdirAll(p, m) }
func (OsFS) Open(p string) (*os.File, error)         { return os.Open(p) }
func (OsFS) ReadFile(p string) ([]byte, error)       { return os.ReadFile(p) }
func (OsFS) ReadDir(p string) ([]fs.DirEntry, error) { return os.ReadDir(p) }
func (OsFS) WriteFile(p string, b []byte, m os.FileMode) error {
	return os.WriteFile(p, b, m)
}
func (OsFS) CreateTemp(dir, pat string) (*os.File, error) { return os.CreateTemp(dir, pat) }
func (OsFS) Rename(old, newName string) error             { return os.Rename(old, newName) }
func (OsFS) Remove(p string) error                        { return os.Remove(p) }
func (OsFS) Chmod(p string, m os.FileMode) error          { return os.Chmod(p, m) }

var (
	_ ReadWriteFS = OsFS{}
	_ FileOps     = OsFS{}
)

// AtomicWrite atomically persists data to dst with the provided file mode.
// The write is crash-safe on local filesystems:
//
//  1. temp file in the same dir
//  2. fsync(temp) + close
//  3. chmod(temp, perm)
//  4. rename(temp, dst)
//  5. fsync(dir)
//
// A reader of dst therefore sees either the previous bytes or the new ones,
// never a torn cache entry.
func AtomicWrite(fsys FileOps, dst string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(dst)
	tmp, err := fsys.CreateTemp(dir, ".hostd-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	cerr := tmp.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		discard(fsys, tmp.Name())
		return err
	}
	if err = fsys.Chmod(tmp.Name(), perm); err != nil {
		discard(fsys, tmp.Name())
		return err
	}
	if err = fsys.Rename(tmp.Name(), dst); err != nil {
		discard(fsys, tmp.Name())
		return err
	}
	if d, err := fsys.Open(dir); err == nil {
		if syncErr := d.Sync(); syncErr != nil {
			log.Debugf("filesys: failed to sync directory %s: %v", dir, syncErr)
		}
		if closeErr := d.Close(); closeErr != nil {
			log.Debugf("filesys: failed to close directory %s: %v", dir, closeErr)
		}
	}
	return nil
}

func discard(fsys FileOps, name string) {
	if err := fsys.Remove(name); err != nil {
		log.Warnf("filesys: failed to remove temp file %s: %v", name, err)
	}
}
