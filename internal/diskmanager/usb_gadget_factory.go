package diskmanager

import "github.com/sirupsen/logrus"

// NewUsbGadget creates the appropriate USB gadget implementation based on the platform
// and configuration. If useNoOp is true, it returns a NoOpUsbGadget regardless of platform.
func NewUsbGadget(config GadgetConfig, useNoOp bool, log logrus.FieldLogger) UsbGadget {
	if useNoOp {
		return NewNoOpUsbGadget()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return newPlatformUsbGadget(config, log)
}
