// Package vfs implements the rooted, escape-proof filesystem view handed to
// an authenticated session (§4.1): every path a session ever sees has first
// been translated from virtual ("/foo/bar") to host (root+"/foo/bar") here,
// with symlinks resolved and rejected if they'd resolve outside root.
package vfs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	ftpserver "github.com/clockwork-project/cogwheelftp"
)

// errNotSupported is returned by GetAvailableSpace on platforms with no
// statfs-equivalent wired up.
var errNotSupported = errors.New("vfs: available space not supported on this platform")

// Rooted wraps an afero.Fs (normally afero.NewOsFs()) and confines every
// operation to a host directory, rejecting any path that would resolve
// outside it even via a symlink.
type Rooted struct {
	fs   afero.Fs
	root string
}

// NewRooted builds a Rooted view over root, which must already exist.
func NewRooted(fs afero.Fs, root string) (*Rooted, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	info, err := fs.Stat(abs)
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		return nil, ftpserver.ErrEscapesRoot
	}

	return &Rooted{fs: fs, root: abs}, nil
}

// resolve turns a virtual path ("/foo/../bar") into a host path, defeating
// both lexical escapes and symlink escapes: every existing path component is
// resolved (EvalSymlinks) before the final check that it's still inside
// root. A path whose final component doesn't exist yet (e.g. a file about to
// be created by STOR) is checked against its resolved parent directory
// instead.
func (r *Rooted) resolve(virtual string) (string, error) {
	clean := filepath.Clean("/" + virtual)
	host := filepath.Join(r.root, clean)

	resolved, err := filepath.EvalSymlinks(host)
	switch {
	case err == nil:
		host = resolved
	case os.IsNotExist(err):
		parent, err := filepath.EvalSymlinks(filepath.Dir(host))
		if err == nil {
			host = filepath.Join(parent, filepath.Base(host))
		}
	default:
		return "", err
	}

	if host != r.root && !strings.HasPrefix(host, r.root+string(os.PathSeparator)) {
		return "", ftpserver.ErrEscapesRoot
	}

	return host, nil
}

func (r *Rooted) Create(name string) (afero.File, error) {
	host, err := r.resolve(name)
	if err != nil {
		return nil, err
	}

	return r.fs.Create(host)
}

func (r *Rooted) Mkdir(name string, perm os.FileMode) error {
	host, err := r.resolve(name)
	if err != nil {
		return err
	}

	return r.fs.Mkdir(host, perm)
}

func (r *Rooted) MkdirAll(path string, perm os.FileMode) error {
	host, err := r.resolve(path)
	if err != nil {
		return err
	}

	return r.fs.MkdirAll(host, perm)
}

func (r *Rooted) Open(name string) (afero.File, error) {
	host, err := r.resolve(name)
	if err != nil {
		return nil, err
	}

	return r.fs.Open(host)
}

func (r *Rooted) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	host, err := r.resolve(name)
	if err != nil {
		return nil, err
	}

	return r.fs.OpenFile(host, flag, perm)
}

func (r *Rooted) Remove(name string) error {
	host, err := r.resolve(name)
	if err != nil {
		return err
	}

	return r.fs.Remove(host)
}

func (r *Rooted) RemoveAll(path string) error {
	host, err := r.resolve(path)
	if err != nil {
		return err
	}

	return r.fs.RemoveAll(host)
}

func (r *Rooted) Rename(oldname, newname string) error {
	oldHost, err := r.resolve(oldname)
	if err != nil {
		return err
	}

	newHost, err := r.resolve(newname)
	if err != nil {
		return err
	}

	return r.fs.Rename(oldHost, newHost)
}

func (r *Rooted) Stat(name string) (os.FileInfo, error) {
	host, err := r.resolve(name)
	if err != nil {
		return nil, err
	}

	return r.fs.Stat(host)
}

func (r *Rooted) Name() string {
	return "rooted:" + r.root
}

func (r *Rooted) Chmod(name string, mode os.FileMode) error {
	host, err := r.resolve(name)
	if err != nil {
		return err
	}

	return r.fs.Chmod(host, mode)
}

func (r *Rooted) Chown(name string, uid, gid int) error {
	host, err := r.resolve(name)
	if err != nil {
		return err
	}

	return r.fs.Chown(host, uid, gid)
}

func (r *Rooted) Chtimes(name string, atime, mtime time.Time) error {
	host, err := r.resolve(name)
	if err != nil {
		return err
	}

	return r.fs.Chtimes(host, atime, mtime)
}

// RemoveDir implements ftpserver.ClientDriverExtensionRemoveDir: RMD must
// fail against a file the way the afero default Remove wouldn't.
func (r *Rooted) RemoveDir(name string) error {
	host, err := r.resolve(name)
	if err != nil {
		return err
	}

	info, err := r.fs.Stat(host)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return ftpserver.ErrNotFound
	}

	return r.fs.RemoveAll(host)
}

// Root returns the host directory this view is confined to, for callers
// that need the real path rather than a virtual one.
func (r *Rooted) Root() string {
	return r.root
}

