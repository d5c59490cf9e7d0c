// Command uefi-imager builds GPT disk images holding a single EFI System
// Partition, and serves or attaches them for booting.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jgarman/uefi-imager/internal/config"
)

type globalOptions struct {
	verbose    bool
	configPath string
	log        *logrus.Logger
}

// service loads the settings of the long running commands.
func (g *globalOptions) service() (*config.Service, error) {
	if g.configPath == "" {
		return config.DefaultService(), nil
	}
	return config.LoadService(g.configPath)
}

func newRootCmd(stderr io.Writer) *cobra.Command {
	g := &globalOptions{log: logrus.New()}
	g.log.SetOutput(stderr)
	g.log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	rootCmd := &cobra.Command{
		Use:   "uefi-imager",
		Short: "Build bootable UEFI disk images",
		Long: `Build bootable UEFI disk images

uefi-imager copies files into a FAT volume sized to fit them, wraps it in a
GPT disk with a protective MBR and writes the result as a raw disk image
ready for dd, a virtual machine or UEFI HTTP boot.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			g.log.SetLevel(logrus.InfoLevel)
			if g.verbose {
				g.log.SetLevel(logrus.DebugLevel)
			}
		},
	}
	rootCmd.SetErr(stderr)
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Log every file and directory")
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "Service settings (JSON) for serve and attach")

	rootCmd.AddCommand(
		newBuildCmd(g),
		newInspectCmd(g),
		newServeCmd(g),
		newAttachCmd(g),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd(os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
