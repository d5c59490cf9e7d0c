//go:build linux

package diskmanager

// newLoopbackWriterPlatform returns a LoopbackFilesystemWriter on Linux
func newLoopbackWriterPlatform(volumePath string) (FilesystemWriter, error) {
	return NewLoopbackFilesystemWriter(volumePath), nil
}
