package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "boot.toml",
			body: `
output = "disk.img"

[[files]]
source = "bootx64.efi"
dest = "EFI/BOOT/BOOTX64.EFI"

[[folders]]
source = "assets"
dest = "data"
exclude = ["**/*.bak"]

[volume]
label = "ESP"
min_size = "32MiB"
`,
		},
		{
			name: "boot.yaml",
			body: `
output: disk.img
files:
  - source: bootx64.efi
    dest: EFI/BOOT/BOOTX64.EFI
folders:
  - source: assets
    dest: data
    exclude: ["**/*.bak"]
volume:
  label: ESP
  min_size: 32MiB
`,
		},
		{
			name: "boot.json",
			body: `{
  "output": "disk.img",
  "files": [{"source": "bootx64.efi", "dest": "EFI/BOOT/BOOTX64.EFI"}],
  "folders": [{"source": "assets", "dest": "data", "exclude": ["**/*.bak"]}],
  "volume": {"label": "ESP", "min_size": "32MiB"}
}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := writeManifest(t, tt.name, tt.body)
			dir := filepath.Dir(p)

			m, err := Load(p)
			require.NoError(t, err)

			want := &Manifest{
				Output:  "disk.img",
				Files:   []FileMapping{{Source: filepath.Join(dir, "bootx64.efi"), Dest: "EFI/BOOT/BOOTX64.EFI"}},
				Folders: []FolderMapping{{Source: filepath.Join(dir, "assets"), Dest: "data", Exclude: []string{"**/*.bak"}}},
				Volume:  VolumeConfig{Label: "ESP", MinSize: "32MiB"},
				Disk:    DiskConfig{PartitionName: "boot"},
			}
			if diff := cmp.Diff(want, m); diff != "" {
				t.Errorf("manifest mismatch (-want +got):\n%s", diff)
			}

			size, err := m.Volume.MinSizeBytes()
			require.NoError(t, err)
			assert.Equal(t, int64(32<<20), size)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr error
	}{
		{name: "unknown extension", file: "boot.ini", body: "output=x", wantErr: ErrUnknownFormat},
		{name: "missing output", file: "boot.toml", body: "[[files]]\nsource = \"a\"\ndest = \"b\"\n", wantErr: ErrNoOutput},
		{name: "missing dest", file: "boot.toml", body: "output = \"x\"\n[[files]]\nsource = \"a\"\n", wantErr: ErrBadMapping},
		{name: "unknown key", file: "boot.yaml", body: "output: x\nfilez: []\n"},
		{name: "bad guid", file: "boot.json", body: `{"output": "x", "disk": {"disk_guid": "nope"}}`},
		{name: "bad toml", file: "boot.toml", body: "output = "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeManifest(t, tt.file, tt.body))
			require.Error(t, err)
			var cerr *Error
			assert.True(t, errors.As(err, &cerr), "want *config.Error, got %T", err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestDecodeSkipsValidation(t *testing.T) {
	p := writeManifest(t, "boot.toml", "[[folders]]\nsource = \"esp\"\ndest = \"\"\n")

	m, err := Decode(p)
	require.NoError(t, err)
	assert.Empty(t, m.Output)
	require.Len(t, m.Folders, 1)
	assert.Equal(t, filepath.Join(filepath.Dir(p), "esp"), m.Folders[0].Source)

	_, err = Load(p)
	assert.ErrorIs(t, err, ErrNoOutput)

	m.Output = "boot.img"
	assert.NoError(t, m.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSaveRoundTrip(t *testing.T) {
	m := Default()
	m.Output = "/tmp/out.img"
	m.Files = []FileMapping{{Source: "/src/a.efi", Dest: "EFI/BOOT/BOOTX64.EFI"}}
	m.Folders = []FolderMapping{{Source: "/src/assets", Dest: "data"}}
	m.Disk.DiskGUID = "0f0e0d0c-0b0a-0908-0706-050403020100"
	m.ExtraFiles = []FileMapping{{Source: "/not/saved", Dest: "x"}}

	for _, name := range []string{"out.toml", "out.yaml", "out.json"} {
		t.Run(name, func(t *testing.T) {
			p := filepath.Join(t.TempDir(), name)
			require.NoError(t, m.Save(p))

			back, err := Load(p)
			require.NoError(t, err)
			assert.Equal(t, m.Output, back.Output)
			assert.Equal(t, m.Files, back.Files)
			assert.Equal(t, m.Folders, back.Folders)
			assert.Equal(t, m.Disk, back.Disk)
			assert.Empty(t, back.ExtraFiles)
		})
	}
}

func TestAllFilesOrder(t *testing.T) {
	m := &Manifest{
		Files:      []FileMapping{{Source: "a", Dest: "1"}},
		ExtraFiles: []FileMapping{{Source: "b", Dest: "2"}},
	}
	assert.Equal(t, []FileMapping{{Source: "a", Dest: "1"}, {Source: "b", Dest: "2"}}, m.AllFiles())
}

func TestDiskGUIDs(t *testing.T) {
	d := DiskConfig{PartitionGUID: "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"}
	disk, part, err := d.GUIDs()
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, disk)
	assert.Equal(t, uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"), part)
}

func TestParseMapping(t *testing.T) {
	tests := []struct {
		in        string
		src, dest string
		wantErr   bool
	}{
		{in: "boot.efi:EFI/BOOT/BOOTX64.EFI", src: "boot.efi", dest: "EFI/BOOT/BOOTX64.EFI"},
		{in: `C:\build\boot.efi:EFI/BOOT/BOOTX64.EFI`, src: `C:\build\boot.efi`, dest: "EFI/BOOT/BOOTX64.EFI"},
		{in: "no-colon", wantErr: true},
		{in: ":dest", wantErr: true},
		{in: "efi-root:", src: "efi-root", dest: ""},
		{in: ":", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			src, dest, err := ParseMapping(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadMapping)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.src, src)
			assert.Equal(t, tt.dest, dest)
		})
	}
}

func TestLoadServiceDefaults(t *testing.T) {
	s, err := LoadService(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultService(), s)

	p := writeManifest(t, "service.json", `{"server": {"port": 9000}}`)
	s, err = LoadService(p)
	require.NoError(t, err)
	assert.Equal(t, 9000, s.Server.Port)
	assert.Equal(t, "0.0.0.0:9000", s.Server.Addr())
	assert.Equal(t, "uefiimager", s.USBGadget.ShortName)
}

func TestParseHex(t *testing.T) {
	v, err := ParseHex("0x1d6b")
	require.NoError(t, err)
	assert.Equal(t, 0x1d6b, v)

	_, err = ParseHex("zz")
	assert.Error(t, err)
}
