package diskmanager

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgarman/uefi-imager/internal/config"
	"github.com/jgarman/uefi-imager/internal/diskimage"
)

func buildImage(t *testing.T) string {
	t.Helper()
	memfs, set := fileSet(t, map[string][]byte{"EFI/BOOT/BOOTX64.EFI": []byte("MZ")})
	dir := t.TempDir()
	vol := filepath.Join(dir, "volume.fat")
	_, err := (&Builder{Fs: memfs}).Build(set, vol)
	require.NoError(t, err)
	img := filepath.Join(dir, "disk.img")
	_, err = diskimage.Assemble(vol, img, diskimage.Options{})
	require.NoError(t, err)
	return img
}

func TestAttachNoOp(t *testing.T) {
	img := buildImage(t)
	gadget := NewNoOpUsbGadget()

	a, err := Attach(GadgetConfig{ImagePath: img, ShortName: "test"}, gadget, nil)
	require.NoError(t, err)
	assert.True(t, gadget.IsInitialized())
	assert.True(t, a.Connected())

	next, err := os.ReadFile(buildImage(t))
	require.NoError(t, err)
	var connectedDuringBuild bool
	require.NoError(t, a.Replace(func(p string) error {
		connectedDuringBuild = gadget.IsConnected()
		assert.Equal(t, img+".partial", p)
		return os.WriteFile(p, next, 0o644)
	}))
	assert.True(t, connectedDuringBuild, "the old image stays visible while building")
	assert.True(t, a.Connected())
	assert.Equal(t, 1, gadget.Disconnects)
	assert.Equal(t, 1, gadget.Reconnects)
	got, err := os.ReadFile(img)
	require.NoError(t, err)
	assert.Equal(t, next, got)

	boom := errors.New("boom")
	err = a.Replace(func(string) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.True(t, a.Connected())
	assert.Equal(t, 1, gadget.Disconnects, "a failed build never disconnects the host")

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.False(t, gadget.IsInitialized())
	assert.False(t, a.Connected())
	assert.ErrorIs(t, a.Replace(func(string) error { return nil }), ErrNotAttached)
}

func TestAttachRejectsBrokenImages(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk.img")
	require.NoError(t, os.WriteFile(junk, make([]byte, 1<<20), 0o644))

	gadget := NewNoOpUsbGadget()
	_, err := Attach(GadgetConfig{ImagePath: junk}, gadget, nil)
	assert.Error(t, err)
	assert.False(t, gadget.IsInitialized())

	_, err = Attach(GadgetConfig{ImagePath: filepath.Join(dir, "missing.img")}, gadget, nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReplaceKeepsImageOnFailure(t *testing.T) {
	img := buildImage(t)
	before, err := os.ReadFile(img)
	require.NoError(t, err)
	gadget := NewNoOpUsbGadget()
	a, err := Attach(GadgetConfig{ImagePath: img}, gadget, nil)
	require.NoError(t, err)
	defer a.Close()

	tests := []struct {
		name  string
		build func(p string) error
	}{
		{
			name:  "unusable result",
			build: func(p string) error { return os.WriteFile(p, []byte("not a disk"), 0o644) },
		},
		{
			name: "build fails halfway",
			build: func(p string) error {
				if err := os.WriteFile(p, before[:len(before)/2], 0o644); err != nil {
					return err
				}
				return errors.New("source vanished")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, a.Replace(tt.build))
			assert.True(t, a.Connected())

			after, err := os.ReadFile(img)
			require.NoError(t, err)
			assert.Equal(t, before, after)
			_, err = diskimage.Inspect(img, false)
			assert.NoError(t, err)
			_, err = os.Stat(img + ".partial")
			assert.ErrorIs(t, err, os.ErrNotExist)
		})
	}
	assert.Zero(t, gadget.Disconnects)
}

// stuckGadget cannot reconnect.
type stuckGadget struct {
	*NoOpUsbGadget
}

func (stuckGadget) Reconnect() error { return errors.New("udc busy") }

func TestReplaceReportsReconnectFailure(t *testing.T) {
	img := buildImage(t)
	next, err := os.ReadFile(buildImage(t))
	require.NoError(t, err)
	a, err := Attach(GadgetConfig{ImagePath: img}, stuckGadget{NewNoOpUsbGadget()}, nil)
	require.NoError(t, err)
	defer a.Close()

	err = a.Replace(func(p string) error { return os.WriteFile(p, next, 0o644) })
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 1)
	assert.ErrorContains(t, err, "udc busy")

	got, err := os.ReadFile(img)
	require.NoError(t, err)
	assert.Equal(t, next, got, "the image is swapped even though the host stays disconnected")
}

func TestNewGadgetConfig(t *testing.T) {
	svc := config.DefaultService()
	g, err := NewGadgetConfig(svc.USBGadget, "boot.img")
	require.NoError(t, err)
	assert.Equal(t, GadgetConfig{
		ImagePath:    "boot.img",
		ShortName:    "uefiimager",
		VendorID:     0x1d6b,
		ProductID:    0x0104,
		BCDDevice:    0x0100,
		BCDUSB:       0x0200,
		ProductName:  "UEFI Boot Disk",
		Manufacturer: "uefi-imager",
		ReadOnly:     true,
	}, g)

	bad := svc.USBGadget
	bad.ProductID = "104"
	_, err = NewGadgetConfig(bad, "boot.img")
	assert.ErrorContains(t, err, "product_id")

	bad = svc.USBGadget
	bad.ShortName = ""
	_, err = NewGadgetConfig(bad, "boot.img")
	assert.Error(t, err)
}
