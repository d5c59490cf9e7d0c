//go:build linux

package diskmanager

import "github.com/sirupsen/logrus"

// newPlatformUsbGadget creates a Linux USB gadget implementation
func newPlatformUsbGadget(config GadgetConfig, log logrus.FieldLogger) UsbGadget {
	return NewLinuxUsbGadget(config, log)
}
