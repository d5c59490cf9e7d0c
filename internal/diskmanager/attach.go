package diskmanager

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/jgarman/uefi-imager/internal/diskimage"
)

var ErrNotAttached = errors.New("image not attached")

// Attachment is a disk image presented to a USB host through a gadget.
type Attachment struct {
	// sync so a rebuild can't race Close
	mu sync.Mutex

	config GadgetConfig
	gadget UsbGadget
	log    logrus.FieldLogger
	closed bool
}

// Attach checks that the image at config.ImagePath carries a valid GPT and
// exposes it through gadget. The caller is responsible for calling Close()
// when done to tear the gadget down.
//
// Example usage:
//
//	cfg, err := diskmanager.NewGadgetConfig(service.USBGadget, "boot.img")
//	gadget := diskmanager.NewUsbGadget(cfg, false, log)
//	a, err := diskmanager.Attach(cfg, gadget, log)
//	if err != nil {
//	    return err
//	}
//	defer a.Close()
func Attach(config GadgetConfig, gadget UsbGadget, log logrus.FieldLogger) (*Attachment, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if _, err := diskimage.Inspect(config.ImagePath, false); err != nil {
		return nil, fmt.Errorf("disk image %s is not usable: %w", config.ImagePath, err)
	}

	a := &Attachment{
		config: config,
		gadget: gadget,
		log:    log.WithField("image", config.ImagePath),
	}
	if err := gadget.Initialize(); err != nil {
		_ = a.Close()
		return nil, err
	}
	a.log.Info("Image attached")
	return a, nil
}

// Replace swaps the attached image for a new one. build must write a
// complete disk image to the path it is given, a file next to the attached
// image. The host keeps seeing the old image while build runs; the gadget is
// only disconnected to rename the new image into place, and is reconnected
// even when that fails. A failed or unusable build leaves the attached image
// untouched.
//
// Example usage:
//
//	err := a.Replace(func(path string) error {
//	    _, err := pipeline.Run(files, path)
//	    return err
//	})
func (a *Attachment) Replace(build func(path string) error) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrNotAttached
	}

	tmp := a.config.ImagePath + ".partial"
	defer os.Remove(tmp)
	if err := build(tmp); err != nil {
		return err
	}
	if _, err := diskimage.Inspect(tmp, false); err != nil {
		return fmt.Errorf("replacement image is not usable: %w", err)
	}

	if err := a.gadget.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect USB gadget: %w", err)
	}
	defer func() {
		if rerr := a.gadget.Reconnect(); rerr != nil {
			a.log.WithError(rerr).Warn("Failed to reconnect USB gadget")
			err = multierror.Append(err, rerr)
		}
	}()

	if err := os.Rename(tmp, a.config.ImagePath); err != nil {
		return fmt.Errorf("failed to install replacement image: %w", err)
	}
	a.log.Info("Image replaced")
	return nil
}

// Connected reports whether the host currently sees the image.
func (a *Attachment) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.closed && a.gadget.IsConnected()
}

// Close tears down the gadget. It implements the io.Closer interface
func (a *Attachment) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	if a.gadget != nil {
		a.gadget.destroy()
	}
	a.closed = true
	return nil
}
