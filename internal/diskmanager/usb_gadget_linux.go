//go:build linux

package diskmanager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/jgarman/uefi-imager/internal/system"
)

const (
	defaultConfigfsRoot = "/sys/kernel/config/usb_gadget"
	defaultUDCRoot      = "/sys/class/udc"

	massStorageFunction = "functions/mass_storage.usb0"
	configDir           = "configs/c.1"
)

// LinuxUsbGadget implements UsbGadget for Linux systems using configfs
type LinuxUsbGadget struct {
	config    GadgetConfig
	log       logrus.FieldLogger
	connected bool
	udcName   string // Store the UDC name for reconnection

	configfsRoot string
	udcRoot      string
}

// NewLinuxUsbGadget creates a new Linux USB gadget implementation
func NewLinuxUsbGadget(config GadgetConfig, log logrus.FieldLogger) *LinuxUsbGadget {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LinuxUsbGadget{
		config:       config,
		log:          log,
		configfsRoot: defaultConfigfsRoot,
		udcRoot:      defaultUDCRoot,
	}
}

func (g *LinuxUsbGadget) base() string {
	return filepath.Join(g.configfsRoot, g.config.ShortName)
}

// writeSysfs writes a value to a sysfs file
func writeSysfs(path, value string) error {
	err := os.WriteFile(path, []byte(value), 0o644)
	if err != nil {
		return fmt.Errorf("failed to write '%s' to %s: %w", value, path, err)
	}
	return nil
}

type sysfsValue struct {
	path  string
	value string
}

func writeAll(base string, values []sysfsValue) error {
	for _, v := range values {
		if err := writeSysfs(filepath.Join(base, v.path), v.value); err != nil {
			return err
		}
	}
	return nil
}

func boolValue(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Initialize sets up and activates the USB gadget
func (g *LinuxUsbGadget) Initialize() error {
	desiredPermissions := os.FileMode(0o775)
	gadgetBase := g.base()

	_, err := os.Stat(gadgetBase)
	if err == nil {
		return fmt.Errorf("gadget %s already configured", g.config.ShortName)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("other error for gadget %s: %w", g.config.ShortName, err)
	}

	image, err := filepath.Abs(g.config.ImagePath)
	if err != nil {
		return fmt.Errorf("resolving image path: %w", err)
	}

	// 0x409 = English US
	for _, dir := range []string{"", "strings/0x409", configDir + "/strings/0x409", massStorageFunction, massStorageFunction + "/lun.0"} {
		if err := os.MkdirAll(filepath.Join(gadgetBase, dir), desiredPermissions); err != nil {
			return fmt.Errorf("could not create USB gadget directory: %w", err)
		}
	}

	serial := g.config.SerialNumber
	if serial == "" {
		serial = g.serialNumber()
	}

	if err := writeAll(gadgetBase, []sysfsValue{
		{"idVendor", fmt.Sprintf("0x%04x", g.config.VendorID)},
		{"idProduct", fmt.Sprintf("0x%04x", g.config.ProductID)},
		{"bcdDevice", fmt.Sprintf("0x%04x", g.config.BCDDevice)},
		{"bcdUSB", fmt.Sprintf("0x%04x", g.config.BCDUSB)},
		{"strings/0x409/serialnumber", serial},
		{"strings/0x409/manufacturer", g.config.Manufacturer},
		{"strings/0x409/product", g.config.ProductName},
		{configDir + "/strings/0x409/configuration", "Mass Storage"},
		{configDir + "/MaxPower", "250"},
		{massStorageFunction + "/stall", "1"},
		{massStorageFunction + "/lun.0/removable", "1"},
		{massStorageFunction + "/lun.0/cdrom", "0"},
		{massStorageFunction + "/lun.0/ro", boolValue(g.config.ReadOnly)},
		{massStorageFunction + "/lun.0/nofua", "0"},
		{massStorageFunction + "/lun.0/file", image},
	}); err != nil {
		return err
	}

	functionLink := filepath.Join(gadgetBase, configDir, "mass_storage.usb0")
	functionTarget := filepath.Join(gadgetBase, massStorageFunction)
	if err := os.Symlink(functionTarget, functionLink); err != nil {
		return fmt.Errorf("failed to link function to config: %w", err)
	}

	udcEntries, err := os.ReadDir(g.udcRoot)
	if err != nil {
		return fmt.Errorf("failed to read UDC directory: %w", err)
	}
	if len(udcEntries) == 0 {
		return fmt.Errorf("no UDC available")
	}
	g.udcName = udcEntries[0].Name()

	g.log.WithFields(logrus.Fields{
		"gadget": g.config.ShortName,
		"udc":    g.udcName,
		"image":  image,
		"ro":     g.config.ReadOnly,
	}).Info("USB gadget configured")

	return g.Reconnect()
}

// Disconnect disconnects the USB gadget from the host without destroying the configuration
func (g *LinuxUsbGadget) Disconnect() error {
	if !g.connected {
		return nil
	}

	// an empty UDC detaches the gadget
	if err := writeSysfs(filepath.Join(g.base(), "UDC"), "\n"); err != nil {
		return fmt.Errorf("failed to disconnect gadget: %w", err)
	}

	g.connected = false
	return nil
}

// Reconnect reconnects the USB gadget to the host
func (g *LinuxUsbGadget) Reconnect() error {
	if g.connected {
		return nil
	}

	if g.udcName == "" {
		return fmt.Errorf("no UDC name available, gadget may not have been initialized")
	}

	if err := writeSysfs(filepath.Join(g.base(), "UDC"), g.udcName); err != nil {
		return fmt.Errorf("failed to reconnect gadget: %w", err)
	}

	g.connected = true
	return nil
}

// IsConnected returns true if the USB gadget is currently connected to a host
func (g *LinuxUsbGadget) IsConnected() bool {
	return g.connected
}

// destroy deactivates and removes the USB gadget (private method)
func (g *LinuxUsbGadget) destroy() {
	gadgetBase := g.base()

	if _, err := os.Stat(gadgetBase); errors.Is(err, os.ErrNotExist) {
		return
	}

	_ = g.Disconnect()

	// Remove in reverse order of creation; errors are ignored since setup may
	// have been incomplete.
	_ = os.Remove(filepath.Join(gadgetBase, configDir, "mass_storage.usb0"))
	_ = os.RemoveAll(filepath.Join(gadgetBase, configDir, "strings/0x409"))
	_ = os.RemoveAll(filepath.Join(gadgetBase, configDir))
	_ = os.RemoveAll(filepath.Join(gadgetBase, massStorageFunction))
	_ = os.RemoveAll(filepath.Join(gadgetBase, "strings/0x409"))
	_ = os.RemoveAll(gadgetBase)
}

// serialNumber returns a serial number based on the host's MAC address
func (g *LinuxUsbGadget) serialNumber() string {
	serial, err := system.SerialNumber()
	if err != nil {
		g.log.WithError(err).Warn("Could not get a MAC address, using default serial number")
	}
	return serial
}
