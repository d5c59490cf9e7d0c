package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/docker/go-units"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/jgarman/uefi-imager/internal/config"
	"github.com/jgarman/uefi-imager/internal/diskmanager"
	"github.com/jgarman/uefi-imager/internal/imager"
)

type buildFlags struct {
	output  string
	files   []string
	folders []string
	writer  diskmanager.WriterKind
	label   string
	minSize int64
	tempDir string
}

// manifest loads the manifest named in args, if any, and layers the command
// line on top of it. Validation waits until the flags are applied, so
// --output can supply what the file leaves out.
func (f *buildFlags) manifest(args []string) (*config.Manifest, error) {
	m := config.Default()
	if len(args) == 1 {
		var err error
		if m, err = config.Decode(args[0]); err != nil {
			return nil, err
		}
	}
	if f.output != "" {
		m.Output = f.output
	}
	if f.label != "" {
		m.Volume.Label = f.label
	}
	for _, s := range f.files {
		src, dest, err := config.ParseMapping(s)
		if err != nil {
			return nil, fmt.Errorf("--file: %w", err)
		}
		if dest == "" {
			return nil, fmt.Errorf("--file: %w %q: a file needs a DEST", config.ErrBadMapping, s)
		}
		m.ExtraFiles = append(m.ExtraFiles, config.FileMapping{Source: src, Dest: dest})
	}
	for _, s := range f.folders {
		src, dest, err := config.ParseMapping(s)
		if err != nil {
			return nil, fmt.Errorf("--folder: %w", err)
		}
		m.ExtraFolders = append(m.ExtraFolders, config.FolderMapping{Source: src, Dest: dest})
	}
	if len(m.AllFiles())+len(m.AllFolders()) == 0 {
		return nil, errors.New("nothing to build: give a manifest or --file/--folder")
	}
	return m, nil
}

func (f *buildFlags) options(g *globalOptions) imager.Options {
	return imager.Options{
		Volume:  diskmanager.Builder{Writer: f.writer, MinSize: f.minSize},
		TempDir: f.tempDir,
		Logger:  g.log,
	}
}

func printResult(w io.Writer, res *imager.Result) {
	v := res.Volume
	fmt.Fprintf(w, "%s: %s disk, %s %s volume with %s clusters\n",
		res.Layout.Path,
		units.BytesSize(float64(res.Layout.DiskSize)),
		units.BytesSize(float64(v.Size)),
		v.Type,
		units.BytesSize(float64(v.ClusterSize)))
	fmt.Fprintf(w, "  %d files (%s) in %d directories, partition %q %s\n",
		v.Files, units.BytesSize(float64(v.Payload)), v.Directories,
		res.Layout.Partition.Name, res.Layout.Partition.GUID)
}

func newBuildCmd(g *globalOptions) *cobra.Command {
	f := &buildFlags{}
	cmd := &cobra.Command{
		Use:   "build [manifest]",
		Short: "Build a disk image from a manifest and/or ad hoc mappings",
		Example: `  uefi-imager build esp.toml
  uefi-imager build --output boot.img --file build/BOOTX64.EFI:EFI/BOOT/BOOTX64.EFI
  uefi-imager build esp.yaml --folder extra:tools --min-size 64MiB`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := f.manifest(args)
			if err != nil {
				return err
			}
			res, _, err := imager.Build(afero.NewOsFs(), m, f.options(g))
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.output, "output", "o", "", "Disk image to write (overrides the manifest)")
	flags.StringArrayVar(&f.files, "file", nil, "Copy a file, as SRC:DEST (repeatable)")
	flags.StringArrayVar(&f.folders, "folder", nil, "Copy a folder's contents under a prefix, as SRC:DEST (repeatable)")
	flags.Var(newWriterValue(&f.writer), "writer", "How files are written: native, diskfs or loopback")
	flags.StringVar(&f.label, "label", "", "FAT volume label (overrides the manifest)")
	flags.Var(sizeValue{bytes: &f.minSize}, "min-size", "Minimum volume size, e.g. 64MiB")
	flags.StringVar(&f.tempDir, "tmpdir", "", "Directory for the temporary FAT volume")
	return cmd
}
