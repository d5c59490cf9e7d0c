package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/jgarman/uefi-imager/internal/diskimage"
	"github.com/jgarman/uefi-imager/internal/partition"
)

func printReport(w io.Writer, r *diskimage.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Image:\t%s (%s)\n", r.Path, units.BytesSize(float64(r.Size)))
	fmt.Fprintf(tw, "MBR:\tprotective, type 0x%02X, LBA %d, %d sectors\n", r.MBR.Type, r.MBR.StartLBA, r.MBR.Sectors)
	fmt.Fprintf(tw, "Disk GUID:\t%s\n", r.Primary.DiskGUID)
	fmt.Fprintf(tw, "GPT headers:\tLBA %d and %d, usable LBA %d-%d\n",
		r.Primary.MyLBA, r.Backup.MyLBA, r.Primary.FirstUsableLBA, r.Primary.LastUsableLBA)
	for i, p := range r.Partitions {
		fmt.Fprintf(tw, "Partition %d:\t%q %s, LBA %d-%d (%s)\n", i+1, p.Name, p.GUID,
			p.FirstLBA, p.LastLBA, units.BytesSize(float64(p.Blocks()*partition.BlockSize)))
	}
	if fsr := r.Filesystem; fsr != nil {
		fmt.Fprintf(tw, "Filesystem:\t%s, label %q, id %08X, %s free\n", fsr.Type, fsr.Label, fsr.VolumeID,
			units.BytesSize(float64(fsr.Free)))
		for _, f := range fsr.Files {
			if f.IsDir {
				fmt.Fprintf(tw, "\t%s/\t\n", f.Path)
				continue
			}
			fmt.Fprintf(tw, "\t%s\t%d\n", f.Path, f.Size)
		}
	}
	return tw.Flush()
}

func newInspectCmd(g *globalOptions) *cobra.Command {
	var listFiles, asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect IMAGE",
		Short: "Validate a disk image and print its partitioning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := diskimage.Inspect(args[0], listFiles)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(r)
			}
			return printReport(cmd.OutOrStdout(), r)
		},
	}
	cmd.Flags().BoolVar(&listFiles, "files", false, "Also list the files of the EFI System Partition")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}
