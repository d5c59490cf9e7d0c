//go:build !linux

package diskmanager

import "github.com/sirupsen/logrus"

// newPlatformUsbGadget creates a NoOp USB gadget on non-Linux platforms
func newPlatformUsbGadget(config GadgetConfig, log logrus.FieldLogger) UsbGadget {
	log.WithField("image", config.ImagePath).Warn("Linux USB gadget not available on this platform, using NoOp")
	return NewNoOpUsbGadget()
}
