package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/jgarman/uefi-imager/internal/config"
	"github.com/jgarman/uefi-imager/internal/diskmanager"
	"github.com/jgarman/uefi-imager/internal/imager"
)

type attachFlags struct {
	manifest  string
	noop      bool
	readWrite bool
	build     buildFlags
}

// rebuild runs the manifest into out. The manifest's own output is ignored.
func (f *attachFlags) rebuild(g *globalOptions, out string) error {
	m, err := config.Decode(f.manifest)
	if err != nil {
		return err
	}
	m.Output = out
	_, _, err = imager.Build(afero.NewOsFs(), m, f.build.options(g))
	return err
}

func newAttachCmd(g *globalOptions) *cobra.Command {
	f := &attachFlags{}
	cmd := &cobra.Command{
		Use:   "attach IMAGE",
		Short: "Present IMAGE to a USB host as a mass-storage device",
		Long: `Present IMAGE to a USB host as a mass-storage device

The image is exposed through a Linux configfs USB gadget until the command
is interrupted. With --manifest the image is built first and rebuilt from
the manifest on SIGHUP. A rebuild is written next to IMAGE and renamed over
it; the host only sees the disk disconnect for the rename, and a failed
rebuild leaves the attached image as it was.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image := args[0]
			svc, err := g.service()
			if err != nil {
				return err
			}
			cfg, err := diskmanager.NewGadgetConfig(svc.USBGadget, image)
			if err != nil {
				return err
			}
			cfg.ReadOnly = !f.readWrite

			if f.manifest != "" {
				if err := f.rebuild(g, image); err != nil {
					return err
				}
			}

			gadget := diskmanager.NewUsbGadget(cfg, f.noop || svc.USBGadget.UseNoOp, g.log)
			a, err := diskmanager.Attach(cfg, gadget, g.log)
			if err != nil {
				return err
			}
			defer a.Close()

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			defer signal.Stop(sigs)

			for sig := range sigs {
				if sig != syscall.SIGHUP {
					break
				}
				if f.manifest == "" {
					g.log.Warn("SIGHUP ignored, no --manifest to rebuild from")
					continue
				}
				g.log.Info("Rebuilding image")
				if err := a.Replace(func(tmp string) error { return f.rebuild(g, tmp) }); err != nil {
					g.log.WithError(err).Error("Rebuild failed")
				}
			}
			g.log.Info("Detaching image")
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.manifest, "manifest", "", "Build IMAGE from this manifest, and rebuild it on SIGHUP")
	flags.BoolVar(&f.noop, "noop", false, "Do not touch configfs (for development)")
	flags.BoolVar(&f.readWrite, "read-write", false, "Let the host write to the image")
	flags.Var(newWriterValue(&f.build.writer), "writer", "How files are written: native, diskfs or loopback")
	return cmd
}
