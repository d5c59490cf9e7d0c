package diskmanager

// NoOpUsbGadget is a no-op implementation of UsbGadget for testing
type NoOpUsbGadget struct {
	connected   bool
	initialized bool

	// Disconnects and Reconnects count the calls, for tests.
	Disconnects int
	Reconnects  int
}

// NewNoOpUsbGadget creates a new no-op USB gadget implementation
func NewNoOpUsbGadget() *NoOpUsbGadget {
	return &NoOpUsbGadget{}
}

// Initialize does nothing and always succeeds
func (g *NoOpUsbGadget) Initialize() error {
	g.initialized = true
	g.connected = true
	return nil
}

// destroy is safe to call multiple times
func (g *NoOpUsbGadget) destroy() {
	g.connected = false
	g.initialized = false
}

// Disconnect simulates disconnecting the gadget
func (g *NoOpUsbGadget) Disconnect() error {
	g.Disconnects++
	g.connected = false
	return nil
}

// Reconnect simulates reconnecting the gadget
func (g *NoOpUsbGadget) Reconnect() error {
	g.Reconnects++
	g.connected = true
	return nil
}

// IsConnected returns the connection status
func (g *NoOpUsbGadget) IsConnected() bool {
	return g.connected
}

// IsInitialized reports whether Initialize ran and destroy has not.
func (g *NoOpUsbGadget) IsInitialized() bool {
	return g.initialized
}
