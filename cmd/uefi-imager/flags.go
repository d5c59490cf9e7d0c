package main

import (
	"github.com/docker/go-units"
	"github.com/spf13/pflag"

	"github.com/jgarman/uefi-imager/internal/diskmanager"
)

// writerValue is a pflag.Value restricted to the known writer kinds.
type writerValue struct {
	kind *diskmanager.WriterKind
}

var _ pflag.Value = writerValue{}

func newWriterValue(p *diskmanager.WriterKind) writerValue {
	*p = diskmanager.WriterNative
	return writerValue{kind: p}
}

func (v writerValue) String() string {
	if v.kind == nil {
		return ""
	}
	return string(*v.kind)
}

func (v writerValue) Set(s string) error {
	k, err := diskmanager.ParseWriterKind(s)
	if err != nil {
		return err
	}
	*v.kind = k
	return nil
}

func (v writerValue) Type() string { return "writer" }

// sizeValue parses human readable sizes such as "64MiB" or "1g".
type sizeValue struct {
	bytes *int64
}

var _ pflag.Value = sizeValue{}

func (v sizeValue) String() string {
	if v.bytes == nil || *v.bytes == 0 {
		return "0"
	}
	return units.BytesSize(float64(*v.bytes))
}

func (v sizeValue) Set(s string) error {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return err
	}
	*v.bytes = n
	return nil
}

func (v sizeValue) Type() string { return "size" }
