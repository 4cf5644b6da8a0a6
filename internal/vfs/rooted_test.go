package vfs_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	ftpserver "github.com/clockwork-project/cogwheelftp"
	"github.com/clockwork-project/cogwheelftp/internal/vfs"
)

func newRooted(t *testing.T) (*vfs.Rooted, string) {
	t.Helper()

	root := t.TempDir()

	rooted, err := vfs.NewRooted(afero.NewOsFs(), root)
	require.NoError(t, err)

	return rooted, root
}

func TestNewRootedRejectsNonDirectory(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := vfs.NewRooted(afero.NewOsFs(), file)
	require.ErrorIs(t, err, ftpserver.ErrEscapesRoot)
}

func TestRootedCreateAndStat(t *testing.T) {
	rooted, root := newRooted(t)

	f, err := rooted.Create("/hello.txt")
	require.NoError(t, err)
	_, err = f.WriteString("hi")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	info, err := rooted.Stat("/hello.txt")
	require.NoError(t, err)
	require.Equal(t, int64(2), info.Size())

	// the file must really be on disk under root, not in some virtual space
	_, err = os.Stat(filepath.Join(root, "hello.txt"))
	require.NoError(t, err)
}

func TestRootedRejectsLexicalEscape(t *testing.T) {
	rooted, _ := newRooted(t)

	_, err := rooted.Open("/../../../../etc/passwd")
	require.ErrorIs(t, err, ftpserver.ErrEscapesRoot)
}

func TestRootedRejectsSymlinkEscape(t *testing.T) {
	rooted, root := newRooted(t)

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("nope"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))

	_, err := rooted.Open("/escape/secret.txt")
	require.ErrorIs(t, err, ftpserver.ErrEscapesRoot)
}

func TestRootedMkdirAndRemoveDir(t *testing.T) {
	rooted, _ := newRooted(t)

	require.NoError(t, rooted.Mkdir("/sub", 0o755))

	info, err := rooted.Stat("/sub")
	require.NoError(t, err)
	require.True(t, info.IsDir())

	require.NoError(t, rooted.RemoveDir("/sub"))

	_, err = rooted.Stat("/sub")
	require.True(t, os.IsNotExist(err))
}

func TestRootedRemoveDirRejectsRegularFile(t *testing.T) {
	rooted, _ := newRooted(t)

	f, err := rooted.Create("/plain.txt")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	err = rooted.RemoveDir("/plain.txt")
	require.ErrorIs(t, err, ftpserver.ErrNotFound)
}

func TestRootedRenameWithinRoot(t *testing.T) {
	rooted, _ := newRooted(t)

	f, err := rooted.Create("/old.txt")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, rooted.Rename("/old.txt", "/new.txt"))

	_, err = rooted.Stat("/new.txt")
	require.NoError(t, err)
	_, err = rooted.Stat("/old.txt")
	require.True(t, os.IsNotExist(err))
}

func TestRootedNameReportsRoot(t *testing.T) {
	rooted, root := newRooted(t)

	require.Equal(t, "rooted:"+root, rooted.Name())
}

func TestRootedRootReturnsHostPath(t *testing.T) {
	rooted, root := newRooted(t)

	require.Equal(t, root, rooted.Root())
}

func TestRootedGetAvailableSpace(t *testing.T) {
	rooted, _ := newRooted(t)

	space, err := rooted.GetAvailableSpace("/")
	if err != nil {
		t.Skipf("available space not supported on this platform: %v", err)
	}

	require.GreaterOrEqual(t, space, int64(0))
}
