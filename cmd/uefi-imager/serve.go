package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jgarman/uefi-imager/internal/config"
	"github.com/jgarman/uefi-imager/internal/diskmanager"
	"github.com/jgarman/uefi-imager/internal/imager"
	"github.com/jgarman/uefi-imager/internal/mdns"
	"github.com/jgarman/uefi-imager/internal/system"
	"github.com/jgarman/uefi-imager/internal/webui"
)

const shutdownTimeout = 10 * time.Second

// applyAddr overrides host and port from a --addr value such as ":8080".
func applyAddr(s *config.ServerConfig, addr string) error {
	if addr == "" {
		return nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("--addr: %w", err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("--addr: bad port %q", port)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	s.Host, s.Port = host, p
	return nil
}

func newServeCmd(g *globalOptions) *cobra.Command {
	var (
		addr    string
		useMDNS bool
		writer  diskmanager.WriterKind
	)
	cmd := &cobra.Command{
		Use:   "serve DIR",
		Short: "Serve the images in DIR over HTTP for UEFI HTTP boot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := g.service()
			if err != nil {
				return err
			}
			if err := applyAddr(&svc.Server, addr); err != nil {
				return err
			}
			if cmd.Flags().Changed("mdns") {
				svc.MDNS.Enabled = useMDNS
			}

			handler, err := webui.New(args[0], imager.Options{
				Volume: diskmanager.Builder{Writer: writer},
			}, g.log)
			if err != nil {
				return err
			}

			read, write, idle := svc.Server.Timeouts()
			srv := &http.Server{
				Addr:         svc.Server.Addr(),
				Handler:      handler.Router(svc.Server.CORS),
				ReadTimeout:  read,
				WriteTimeout: write,
				IdleTimeout:  idle,
			}

			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			port := ln.Addr().(*net.TCPAddr).Port

			urls, err := system.ServerURLs(svc.Server.Host, port)
			if err != nil {
				g.log.WithError(err).Warn("Could not list server addresses")
			}
			for _, u := range urls {
				g.log.WithField("url", u).Info("Serving images")
			}

			if svc.MDNS.Enabled {
				announcer, err := mdns.Advertise(svc.MDNS, port, g.log)
				if err != nil {
					g.log.WithError(err).Warn("mDNS advertisement failed, continuing without it")
				} else {
					defer func() {
						if err := announcer.Stop(); err != nil {
							g.log.WithError(err).Warn("Stopping mDNS advertisement")
						}
					}()
				}
			}

			serveErr := make(chan error, 1)
			go func() {
				serveErr <- srv.Serve(ln)
			}()

			// Wait for interrupt signal to gracefully shutdown the server
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(quit)

			select {
			case err := <-serveErr:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-quit:
			}

			g.log.Info("Shutting down server...")
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				g.log.WithError(err).Warn("Server forced to shutdown")
			}
			g.log.Info("Server exited")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address, e.g. :8080 (default from --config)")
	cmd.Flags().BoolVar(&useMDNS, "mdns", false, "Advertise the server with Avahi")
	cmd.Flags().Var(newWriterValue(&writer), "writer", "How uploaded trees are written: native, diskfs or loopback")
	return cmd
}
