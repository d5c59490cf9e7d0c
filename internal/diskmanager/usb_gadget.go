package diskmanager

import (
	"fmt"

	"github.com/jgarman/uefi-imager/internal/config"
)

// UsbGadget defines the interface for managing USB gadgets
type UsbGadget interface {
	// Initialize sets up and activates the USB gadget
	Initialize() error

	// destroy deactivates and removes the USB gadget (private, called by Attachment.Close)
	destroy()

	// Disconnect disconnects the USB gadget from the host without destroying the configuration
	Disconnect() error

	// Reconnect reconnects the USB gadget to the host
	Reconnect() error

	// IsConnected returns true if the USB gadget is currently connected to a host
	IsConnected() bool
}

// GadgetConfig describes the mass-storage gadget presenting a disk image.
type GadgetConfig struct {
	ImagePath string

	ShortName string
	VendorID  int
	ProductID int
	BCDDevice int
	BCDUSB    int

	ProductName  string
	Manufacturer string
	// SerialNumber is derived from the host's MAC address when empty.
	SerialNumber string

	// ReadOnly hides writes from the image; boot disks are attached
	// read-only unless asked otherwise.
	ReadOnly bool
}

// NewGadgetConfig converts the service settings for presenting imagePath.
func NewGadgetConfig(c config.USBGadgetConfig, imagePath string) (GadgetConfig, error) {
	g := GadgetConfig{
		ImagePath:    imagePath,
		ShortName:    c.ShortName,
		ProductName:  c.ProductName,
		Manufacturer: c.Manufacturer,
		ReadOnly:     true,
	}
	for _, field := range []struct {
		name string
		in   string
		out  *int
	}{
		{"vendor_id", c.VendorID, &g.VendorID},
		{"product_id", c.ProductID, &g.ProductID},
		{"bcd_device", c.BCDDevice, &g.BCDDevice},
		{"bcd_usb", c.BCDUSB, &g.BCDUSB},
	} {
		v, err := config.ParseHex(field.in)
		if err != nil {
			return GadgetConfig{}, fmt.Errorf("usb_gadget.%s: %w", field.name, err)
		}
		*field.out = v
	}
	if g.ShortName == "" {
		return GadgetConfig{}, fmt.Errorf("usb_gadget.short_name is empty")
	}
	return g, nil
}
