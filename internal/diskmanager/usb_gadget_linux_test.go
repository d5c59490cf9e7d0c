//go:build linux

package diskmanager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (g *LinuxUsbGadget) withRoots(configfs, udc string) *LinuxUsbGadget {
	g.configfsRoot, g.udcRoot = configfs, udc
	return g
}

func readSysfs(t *testing.T, p string) string {
	t.Helper()
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	return string(data)
}

func TestLinuxUsbGadgetConfigfs(t *testing.T) {
	configfs := t.TempDir()
	udc := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(udc, "fe980000.usb"), nil, 0o644))

	log, _ := test.NewNullLogger()
	g := NewLinuxUsbGadget(GadgetConfig{
		ImagePath:    "disk.img",
		ShortName:    "uefiimager",
		VendorID:     0x1d6b,
		ProductID:    0x0104,
		BCDDevice:    0x0100,
		BCDUSB:       0x0200,
		ProductName:  "UEFI Boot Disk",
		Manufacturer: "uefi-imager",
		SerialNumber: "0123456789AB",
		ReadOnly:     true,
	}, log).withRoots(configfs, udc)

	require.NoError(t, g.Initialize())
	assert.True(t, g.IsConnected())

	base := filepath.Join(configfs, "uefiimager")
	abs, err := filepath.Abs("disk.img")
	require.NoError(t, err)
	assert.Equal(t, "0x1d6b", readSysfs(t, filepath.Join(base, "idVendor")))
	assert.Equal(t, "0x0104", readSysfs(t, filepath.Join(base, "idProduct")))
	assert.Equal(t, "0123456789AB", readSysfs(t, filepath.Join(base, "strings/0x409/serialnumber")))
	assert.Equal(t, "1", readSysfs(t, filepath.Join(base, massStorageFunction, "lun.0/ro")))
	assert.Equal(t, abs, readSysfs(t, filepath.Join(base, massStorageFunction, "lun.0/file")))
	assert.Equal(t, "fe980000.usb", readSysfs(t, filepath.Join(base, "UDC")))

	target, err := os.Readlink(filepath.Join(base, configDir, "mass_storage.usb0"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, massStorageFunction), target)

	require.NoError(t, g.Disconnect())
	assert.False(t, g.IsConnected())
	assert.Equal(t, "\n", readSysfs(t, filepath.Join(base, "UDC")))
	require.NoError(t, g.Reconnect())
	assert.Equal(t, "fe980000.usb", readSysfs(t, filepath.Join(base, "UDC")))

	assert.Error(t, NewLinuxUsbGadget(g.config, log).withRoots(configfs, udc).Initialize(), "second gadget with the same name")

	g.destroy()
	_, err = os.Stat(base)
	assert.True(t, os.IsNotExist(err))
}

func TestLinuxUsbGadgetNoUDC(t *testing.T) {
	log, _ := test.NewNullLogger()
	g := NewLinuxUsbGadget(GadgetConfig{ImagePath: "disk.img", ShortName: "g", SerialNumber: "X"}, log).
		withRoots(t.TempDir(), t.TempDir())
	assert.ErrorContains(t, g.Initialize(), "no UDC available")
	assert.False(t, g.IsConnected())
	g.destroy()
}
