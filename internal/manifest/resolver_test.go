package manifest

import (
	"errors"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgarman/uefi-imager/internal/config"
)

func memFS(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for p, body := range files {
		require.NoError(t, afero.WriteFile(fs, p, []byte(body), 0o644))
	}
	return fs
}

func dests(s *FileSet) []string {
	var out []string
	for e := range s.Entries() {
		out = append(out, e.Dest)
	}
	return out
}

func TestAddFolderFlattens(t *testing.T) {
	fs := memFS(t, map[string]string{
		"/src/assets/a.txt":     "a",
		"/src/assets/sub/b.txt": "b",
	})
	r := NewResolver(fs, nil)
	require.NoError(t, r.AddFolder("/src/assets", "data"))

	set := r.FileSet()
	assert.Equal(t, []string{"data/a.txt", "data/sub/b.txt"}, dests(set))
	src, ok := set.Lookup("data/sub/b.txt")
	require.True(t, ok)
	assert.Equal(t, "/src/assets/sub/b.txt", src)
}

func TestAddFolderAtRoot(t *testing.T) {
	fs := memFS(t, map[string]string{"/esp/EFI/BOOT/BOOTX64.EFI": "x"})
	r := NewResolver(fs, nil)
	require.NoError(t, r.AddFolder("/esp", ""))
	assert.Equal(t, []string{"EFI/BOOT/BOOTX64.EFI"}, dests(r.FileSet()))
}

func TestAddFolderExclude(t *testing.T) {
	fs := memFS(t, map[string]string{
		"/src/keep.efi":        "k",
		"/src/old.bak":         "o",
		"/src/deep/x/y.bak":    "y",
		"/src/.git/config":     "c",
		"/src/deep/x/keep.cfg": "k",
	})
	r := NewResolver(fs, nil)
	require.NoError(t, r.AddFolder("/src", "", "**/*.bak", ".git"))
	assert.Equal(t, []string{"deep/x/keep.cfg", "keep.efi"}, dests(r.FileSet()))

	err := r.AddFolder("/src", "", "[")
	var rerr *ResolutionError
	assert.True(t, errors.As(err, &rerr))
}

func TestFirstRegistrationWins(t *testing.T) {
	fs := memFS(t, map[string]string{
		"/one/x.txt": "first",
		"/two/x.txt": "second",
	})
	log, hook := test.NewNullLogger()
	r := NewResolver(fs, log)
	require.NoError(t, r.AddFile("/one/x.txt", "x.txt"))
	require.NoError(t, r.AddFile("/two/x.txt", "/x.txt"))

	src, ok := r.FileSet().Lookup("x.txt")
	require.True(t, ok)
	assert.Equal(t, "/one/x.txt", src)
	assert.Equal(t, []Skip{{Dest: "x.txt", Source: "/two/x.txt", Kept: "/one/x.txt", Kind: "file"}}, r.Skipped())

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "x.txt", hook.LastEntry().Data["dest"])
}

func TestAddFileErrors(t *testing.T) {
	fs := memFS(t, map[string]string{"/dir/file": "x"})
	r := NewResolver(fs, nil)

	err := r.AddFile("/missing", "a")
	var rerr *ResolutionError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "/missing", rerr.Source)
	assert.ErrorIs(t, err, os.ErrNotExist)

	assert.ErrorIs(t, r.AddFile("/dir", "a"), ErrNotRegular)
	assert.ErrorIs(t, r.AddFolder("/dir/file", "a"), ErrNotDir)
	assert.ErrorIs(t, r.AddFolder("/nowhere", "a"), os.ErrNotExist)
	assert.Zero(t, r.FileSet().Len())
}

func TestNormalizeDest(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{in: "EFI/BOOT/BOOTX64.EFI", want: "EFI/BOOT/BOOTX64.EFI"},
		{in: `EFI\BOOT\BOOTX64.EFI`, want: "EFI/BOOT/BOOTX64.EFI"},
		{in: "/startup.nsh", want: "startup.nsh"},
		{in: "./a//b/../c", want: "a/c"},
		{in: "", err: true},
		{in: "/", err: true},
		{in: "../etc/passwd", err: true},
		{in: "a/../../b", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := normalizeDest(tt.in)
			if tt.err {
				assert.ErrorIs(t, err, ErrBadDest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFileSetIsSorted(t *testing.T) {
	var s FileSet
	for _, d := range []string{"b", "a/z", "c", "a", "a/b"} {
		assert.True(t, s.insert(Entry{Dest: d, Source: "/" + d}))
	}
	assert.False(t, s.insert(Entry{Dest: "c", Source: "/other"}))
	assert.Equal(t, []string{"a", "a/b", "a/z", "b", "c"}, dests(&s))
}

func TestResolveOrder(t *testing.T) {
	fs := memFS(t, map[string]string{
		"/m/file.txt":       "manifest file",
		"/m/folder/f.txt":   "manifest folder",
		"/adhoc/file.txt":   "ad hoc file",
		"/adhoc/dir/f.txt":  "ad hoc folder",
		"/adhoc/dir/g.txt":  "ad hoc folder only",
		"/m/folder/pre.txt": "manifest folder only",
	})
	m := &config.Manifest{
		Output:       "out.img",
		Files:        []config.FileMapping{{Source: "/m/file.txt", Dest: "f.txt"}},
		Folders:      []config.FolderMapping{{Source: "/m/folder", Dest: ""}},
		ExtraFiles:   []config.FileMapping{{Source: "/adhoc/file.txt", Dest: "f.txt"}},
		ExtraFolders: []config.FolderMapping{{Source: "/adhoc/dir", Dest: ""}},
	}

	log, _ := test.NewNullLogger()
	set, skipped, err := Resolve(fs, m, log)
	require.NoError(t, err)
	assert.Equal(t, []string{"f.txt", "g.txt", "pre.txt"}, dests(set))

	src, _ := set.Lookup("f.txt")
	assert.Equal(t, "/m/file.txt", src)
	require.Len(t, skipped, 3)
	assert.Equal(t, "/m/folder/f.txt", skipped[0].Source)
	assert.Equal(t, "/adhoc/file.txt", skipped[1].Source)
	assert.Equal(t, "/adhoc/dir/f.txt", skipped[2].Source)
}

func TestResolveStopsAtFirstError(t *testing.T) {
	m := &config.Manifest{
		Output: "out.img",
		Files:  []config.FileMapping{{Source: "/missing", Dest: "x"}},
	}
	_, _, err := Resolve(afero.NewMemMapFs(), m, nil)
	var rerr *ResolutionError
	assert.True(t, errors.As(err, &rerr))
}
