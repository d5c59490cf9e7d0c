// Package system looks up the host's network identity: MAC addresses for the
// USB gadget serial number and interface addresses for the URLs the image
// server is reachable at.
package system

import (
	"fmt"
	"net"
	"sort"
	"strings"
)

// DefaultSerialNumber is used when no interface has a MAC address.
const DefaultSerialNumber = "000000000000"

// GetMACAddress returns the MAC address for a specific network interface
func GetMACAddress(interfaceName string) (string, error) {
	iface, err := net.InterfaceByName(interfaceName)
	if err != nil {
		return "", fmt.Errorf("failed to get interface %s: %w", interfaceName, err)
	}

	mac := iface.HardwareAddr.String()
	if mac == "" {
		return "", fmt.Errorf("no MAC address found for interface %s", interfaceName)
	}

	return mac, nil
}

// GetAllMACAddresses returns a map of interface names to MAC addresses
func GetAllMACAddresses() (map[string]string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	result := make(map[string]string)
	for _, iface := range interfaces {
		mac := iface.HardwareAddr.String()
		if mac != "" {
			result[iface.Name] = mac
		}
	}

	return result, nil
}

// preferredPrefixes orders interface names: wired first, then wireless.
var preferredPrefixes = []string{"eth", "en", "wl", "usb"}

// FindPrimaryInterface picks a stable interface to identify the host by.
// Returns the interface name and its MAC address
func FindPrimaryInterface() (string, string, error) {
	macs, err := GetAllMACAddresses()
	if err != nil {
		return "", "", err
	}
	return pickInterface(macs)
}

func pickInterface(macs map[string]string) (string, string, error) {
	names := make([]string, 0, len(macs))
	for name := range macs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, prefix := range preferredPrefixes {
		for _, name := range names {
			if strings.HasPrefix(name, prefix) {
				return name, macs[name], nil
			}
		}
	}
	if len(names) > 0 {
		return names[0], macs[names[0]], nil
	}
	return "", "", fmt.Errorf("no network interface with a MAC address found")
}

// SerialNumber derives a USB serial number from the primary interface's MAC
// address, falling back to DefaultSerialNumber.
func SerialNumber() (string, error) {
	_, mac, err := FindPrimaryInterface()
	if err != nil {
		return DefaultSerialNumber, err
	}
	return FormatMAC(mac, MACFormatUSBSerial), nil
}

// MACFormat selects how FormatMAC renders an address.
type MACFormat int

const (
	// MACFormatColon formats as aa:bb:cc:dd:ee:ff (default)
	MACFormatColon MACFormat = iota
	// MACFormatHyphen formats as aa-bb-cc-dd-ee-ff
	MACFormatHyphen
	// MACFormatNone formats as aabbccddeeff
	MACFormatNone
	// MACFormatUSBSerial formats as 12 upper-case hex characters
	MACFormatUSBSerial
)

// FormatMAC formats a MAC address string according to the specified format
func FormatMAC(mac string, format MACFormat) string {
	cleaned := strings.ReplaceAll(mac, ":", "")
	cleaned = strings.ReplaceAll(cleaned, "-", "")

	switch format {
	case MACFormatHyphen:
		return strings.ReplaceAll(mac, ":", "-")
	case MACFormatNone:
		return cleaned
	case MACFormatUSBSerial:
		return strings.ToUpper(cleaned)
	default:
		if len(cleaned) == 12 {
			return fmt.Sprintf("%s:%s:%s:%s:%s:%s",
				cleaned[0:2], cleaned[2:4], cleaned[4:6],
				cleaned[6:8], cleaned[8:10], cleaned[10:12])
		}
		return mac
	}
}

// ServerURLs lists the base URLs a server bound to host:port is reachable
// at. For a wildcard host every non-loopback IPv4 address of an interface that
// is up is listed.
func ServerURLs(host string, port int) ([]string, error) {
	if host != "" && host != "0.0.0.0" && host != "::" {
		return []string{baseURL(host, port)}, nil
	}

	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}
	var urls []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			urls = append(urls, baseURL(ipnet.IP.String(), port))
		}
	}
	if len(urls) == 0 {
		urls = append(urls, baseURL("localhost", port))
	}
	return urls, nil
}

func baseURL(host string, port int) string {
	return fmt.Sprintf("http://%s/", net.JoinHostPort(host, fmt.Sprint(port)))
}
