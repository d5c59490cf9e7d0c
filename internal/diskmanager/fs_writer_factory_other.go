//go:build !linux

package diskmanager

import "fmt"

// newLoopbackWriterPlatform fails on platforms without loop devices.
func newLoopbackWriterPlatform(volumePath string) (FilesystemWriter, error) {
	return nil, fmt.Errorf("loopback writer is only available on Linux (volume %s)", volumePath)
}
