// Package mdns advertises the image server on the local network through
// Avahi, so netboot clients and people can find it without knowing its
// address.
package mdns

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jgarman/uefi-imager/internal/config"
)

const (
	// ServiceType is the DNS-SD type the image server is announced under.
	ServiceType = "_http._tcp"

	// maxTXTRecord is the DNS limit on one TXT string.
	maxTXTRecord = 255
)

// Service represents an Avahi service registration
type Service struct {
	Name       string   // Instance name, e.g. "UEFI Image Server"
	Type       string   // Service type, e.g. "_http._tcp"
	Port       int      // Port number
	Domain     string   // Domain (empty means "local")
	Host       string   // Hostname (optional, uses system hostname if empty)
	TXTRecords []string // key=value pairs
}

// Announcer is a running service registration.
type Announcer interface {
	Publish(service *Service) error
	Stop() error
}

// NewService builds the registration for an image server listening on port.
func NewService(c config.MDNSConfig, port int) (*Service, error) {
	name := strings.TrimSpace(c.ServiceName)
	if name == "" {
		return nil, errors.New("mdns.service_name is empty")
	}
	if len(name) > 63 {
		return nil, fmt.Errorf("mdns.service_name %q is longer than 63 bytes", name)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	for _, txt := range c.TXTRecords {
		if !strings.Contains(txt, "=") || strings.HasPrefix(txt, "=") {
			return nil, fmt.Errorf("mdns.txt_records: %q is not key=value", txt)
		}
		if len(txt) > maxTXTRecord {
			return nil, fmt.Errorf("mdns.txt_records: %q is longer than %d bytes", txt, maxTXTRecord)
		}
	}
	return &Service{
		Name:       name,
		Type:       ServiceType,
		Port:       port,
		TXTRecords: c.TXTRecords,
	}, nil
}

// Advertise publishes the image server. The DBus API is preferred when
// configured and reachable; otherwise avahi-publish-service is used.
func Advertise(c config.MDNSConfig, port int, log logrus.FieldLogger) (Announcer, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	service, err := NewService(c, port)
	if err != nil {
		return nil, err
	}

	var a Announcer
	switch {
	case c.UseDBus && IsAvahiDBusAvailable():
		p, err := NewDBusPublisher()
		if err != nil {
			return nil, err
		}
		a = p
	case IsAvahiAvailable():
		if c.UseDBus {
			log.Warn("Avahi DBus API unavailable, falling back to avahi-publish-service")
		}
		a = NewPublisher()
	default:
		return nil, errors.New("avahi is not available (install avahi-daemon or avahi-utils)")
	}

	if err := a.Publish(service); err != nil {
		_ = a.Stop()
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"name": service.Name,
		"type": service.Type,
		"port": service.Port,
		"url":  ServiceURL(service),
	}).Info("Advertising image server")
	return a, nil
}

// ServiceURL constructs the URL clients will most likely use.
func ServiceURL(service *Service) string {
	protocol := "http"
	if strings.Contains(service.Type, "https") {
		protocol = "https"
	}

	hostname := service.Host
	if service.Domain == "local" || service.Domain == "" {
		if hostname == "" {
			hostname = "localhost"
			if h, err := os.Hostname(); err == nil && h != "" {
				hostname = h
			}
		}
		if !strings.HasSuffix(hostname, ".local") {
			hostname += ".local"
		}
		return fmt.Sprintf("%s://%s:%d/", protocol, hostname, service.Port)
	}

	if hostname == "" {
		hostname = "localhost"
	}
	return fmt.Sprintf("%s://%s:%d/", protocol, hostname, service.Port)
}
