//go:build linux

package mdns

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/hashicorp/go-multierror"
)

const (
	avahiBus        = "org.freedesktop.Avahi"
	avahiServer     = avahiBus + ".Server"
	avahiEntryGroup = avahiBus + ".EntryGroup"
)

// DBusPublisher publishes services through Avahi's DBus interface. The
// registration lives as long as the connection.
type DBusPublisher struct {
	conn           *dbus.Conn
	entryGroupPath dbus.ObjectPath
}

// NewDBusPublisher connects to the system bus.
func NewDBusPublisher() (*DBusPublisher, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &DBusPublisher{conn: conn}, nil
}

func txtRecords(records []string) [][]byte {
	out := make([][]byte, len(records))
	for i, txt := range records {
		out[i] = []byte(txt)
	}
	return out
}

// Publish adds service to a new entry group and commits it.
func (p *DBusPublisher) Publish(service *Service) error {
	if p.entryGroupPath != "" {
		return errors.New("already publishing")
	}
	server := p.conn.Object(avahiBus, "/")

	var entryGroupPath dbus.ObjectPath
	if err := server.Call(avahiServer+".EntryGroupNew", 0).Store(&entryGroupPath); err != nil {
		return fmt.Errorf("failed to create entry group: %w", err)
	}
	p.entryGroupPath = entryGroupPath
	entryGroup := p.conn.Object(avahiBus, entryGroupPath)

	// interface, protocol, flags, name, type, domain, host, port, txt
	err := entryGroup.Call(
		avahiEntryGroup+".AddService",
		0,
		int32(-1), // all interfaces
		int32(-1), // IPv4 and IPv6
		uint32(0),
		service.Name,
		service.Type,
		service.Domain,
		service.Host,
		uint16(service.Port),
		txtRecords(service.TXTRecords),
	).Store()
	if err != nil {
		return fmt.Errorf("failed to add service: %w", err)
	}

	if err := entryGroup.Call(avahiEntryGroup+".Commit", 0).Store(); err != nil {
		return fmt.Errorf("failed to commit entry group: %w", err)
	}
	return nil
}

// Stop unpublishes the service and closes the connection.
func (p *DBusPublisher) Stop() error {
	var result *multierror.Error
	if p.entryGroupPath != "" {
		entryGroup := p.conn.Object(avahiBus, p.entryGroupPath)
		if err := entryGroup.Call(avahiEntryGroup+".Reset", 0).Store(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to reset entry group: %w", err))
		}
		if err := entryGroup.Call(avahiEntryGroup+".Free", 0).Store(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to free entry group: %w", err))
		}
		p.entryGroupPath = ""
	}
	if p.conn != nil {
		result = multierror.Append(result, p.conn.Close())
		p.conn = nil
	}
	return result.ErrorOrNil()
}

// IsAvahiDBusAvailable checks if the Avahi daemon answers on the system bus
func IsAvahiDBusAvailable() bool {
	conn, err := dbus.SystemBus()
	if err != nil {
		return false
	}
	defer conn.Close()

	var version string
	err = conn.Object(avahiBus, "/").Call(avahiServer+".GetVersionString", 0).Store(&version)
	return err == nil
}
