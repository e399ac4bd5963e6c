package zerobrew

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestKeg(t *testing.T, binNames ...string) string {
	t.Helper()
	keg := t.TempDir()
	for _, name := range binNames {
		writeFile(t, filepath.Join(keg, "bin", name), "#!/bin/sh\n")
	}
	return keg
}

func TestLinker_LinkKeg_CreatesSymlinks(t *testing.T) {
	binDir, optDir := t.TempDir(), t.TempDir()
	linker, err := NewLinker(binDir, optDir)
	require.NoError(t, err)

	keg := newTestKeg(t, "widget")
	linked, err := linker.LinkKeg(context.Background(), "widget", keg)
	require.NoError(t, err)
	require.Len(t, linked, 1)

	target, err := os.Readlink(filepath.Join(binDir, "widget"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(keg, "bin", "widget"), target)

	optTarget, err := os.Readlink(filepath.Join(optDir, "widget"))
	require.NoError(t, err)
	require.Equal(t, keg, optTarget)
}

func TestLinker_LinkKeg_IdempotentOnSecondCall(t *testing.T) {
	binDir, optDir := t.TempDir(), t.TempDir()
	linker, err := NewLinker(binDir, optDir)
	require.NoError(t, err)

	keg := newTestKeg(t, "widget")
	_, err = linker.LinkKeg(context.Background(), "widget", keg)
	require.NoError(t, err)

	linked, err := linker.LinkKeg(context.Background(), "widget", keg)
	require.NoError(t, err)
	require.Len(t, linked, 1)
}

func TestLinker_LinkKeg_ConflictRollsBackEarlierLinks(t *testing.T) {
	binDir, optDir := t.TempDir(), t.TempDir()
	linker, err := NewLinker(binDir, optDir)
	require.NoError(t, err)

	// Occupy "zzz" with a real file so it conflicts with the incoming keg.
	writeFile(t, filepath.Join(binDir, "zzz"), "not a symlink")

	keg := newTestKeg(t, "aaa", "zzz")
	_, err = linker.LinkKeg(context.Background(), "widget", keg)
	require.Error(t, err)
	var conflictErr *LinkConflictError
	require.ErrorAs(t, err, &conflictErr)

	// "aaa" was linked before the "zzz" conflict was hit; it must have been
	// rolled back so the call is atomic.
	_, err = os.Lstat(filepath.Join(binDir, "aaa"))
	require.True(t, os.IsNotExist(err))

	_, err = os.Lstat(filepath.Join(optDir, "widget"))
	require.True(t, os.IsNotExist(err))
}

func TestLinker_LinkKeg_ReplacesDanglingSymlink(t *testing.T) {
	binDir, optDir := t.TempDir(), t.TempDir()
	linker, err := NewLinker(binDir, optDir)
	require.NoError(t, err)

	require.NoError(t, os.Symlink(filepath.Join(t.TempDir(), "nonexistent"), filepath.Join(binDir, "widget")))

	keg := newTestKeg(t, "widget")
	linked, err := linker.LinkKeg(context.Background(), "widget", keg)
	require.NoError(t, err)
	require.Len(t, linked, 1)

	target, err := os.Readlink(filepath.Join(binDir, "widget"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(keg, "bin", "widget"), target)
}

func TestLinker_UnlinkKeg(t *testing.T) {
	binDir, optDir := t.TempDir(), t.TempDir()
	linker, err := NewLinker(binDir, optDir)
	require.NoError(t, err)

	keg := newTestKeg(t, "widget")
	_, err = linker.LinkKeg(context.Background(), "widget", keg)
	require.NoError(t, err)
	require.True(t, linker.IsLinked(keg))

	require.NoError(t, linker.UnlinkKeg(context.Background(), "widget", keg))
	require.False(t, linker.IsLinked(keg))

	_, err = os.Lstat(filepath.Join(optDir, "widget"))
	require.True(t, os.IsNotExist(err))
}
