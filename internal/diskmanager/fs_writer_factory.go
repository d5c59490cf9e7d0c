package diskmanager

import (
	"fmt"
	"strings"

	"github.com/jgarman/uefi-imager/internal/fat"
)

// WriterKind selects the FilesystemWriter used to populate a volume.
type WriterKind string

const (
	// WriterNative writes through internal/fat. It is the default.
	WriterNative WriterKind = "native"
	// WriterDiskfs writes through go-diskfs. FAT32 volumes only.
	WriterDiskfs WriterKind = "diskfs"
	// WriterLoopback mounts the volume with the kernel's vfat driver. Linux only.
	WriterLoopback WriterKind = "loopback"
)

// WriterKinds lists the accepted writer names.
var WriterKinds = []WriterKind{WriterNative, WriterDiskfs, WriterLoopback}

// ParseWriterKind validates a writer name as given on the command line.
func ParseWriterKind(s string) (WriterKind, error) {
	if s == "" {
		return WriterNative, nil
	}
	for _, k := range WriterKinds {
		if strings.EqualFold(s, string(k)) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown writer %q (want one of %v)", s, WriterKinds)
}

// NewFilesystemWriter creates the FilesystemWriter of the given kind for the
// volume image at volumePath. v is the already formatted volume; only the
// native writer uses it, the others reopen the image themselves.
func NewFilesystemWriter(kind WriterKind, volumePath string, v *fat.Volume) (FilesystemWriter, error) {
	switch kind {
	case "", WriterNative:
		return NewNativeFilesystemWriter(v), nil
	case WriterDiskfs:
		return NewDiskfsFilesystemWriter(volumePath), nil
	case WriterLoopback:
		return newLoopbackWriterPlatform(volumePath)
	default:
		return nil, fmt.Errorf("unknown writer %q", kind)
	}
}
