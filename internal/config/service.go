package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Service holds the settings of the long-running commands: the image
// server, its mDNS advertisement and the USB gadget.
type Service struct {
	Server    ServerConfig    `json:"server"`
	USBGadget USBGadgetConfig `json:"usb_gadget"`
	MDNS      MDNSConfig      `json:"mdns"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// Timeout settings in seconds
	ReadTimeout  int `json:"read_timeout"`
	WriteTimeout int `json:"write_timeout"`
	IdleTimeout  int `json:"idle_timeout"`

	CORS CORSConfig `json:"cors"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s ServerConfig) Timeouts() (read, write, idle time.Duration) {
	return time.Duration(s.ReadTimeout) * time.Second,
		time.Duration(s.WriteTimeout) * time.Second,
		time.Duration(s.IdleTimeout) * time.Second
}

// CORSConfig contains CORS settings
type CORSConfig struct {
	AllowedOrigins []string `json:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers"`
}

// USBGadgetConfig describes the mass-storage gadget used by attach.
type USBGadgetConfig struct {
	ShortName    string `json:"short_name"`
	VendorID     string `json:"vendor_id"`
	ProductID    string `json:"product_id"`
	BCDDevice    string `json:"bcd_device"`
	BCDUSB       string `json:"bcd_usb"`
	ProductName  string `json:"product_name"`
	Manufacturer string `json:"manufacturer"`

	// Use NoOp gadget for development/testing
	UseNoOp bool `json:"use_noop"`
}

// MDNSConfig contains mDNS/Avahi service discovery settings
type MDNSConfig struct {
	Enabled     bool     `json:"enabled"`
	ServiceName string   `json:"service_name"`
	UseDBus     bool     `json:"use_dbus"`
	TXTRecords  []string `json:"txt_records"`
}

// DefaultService returns the default service settings.
func DefaultService() *Service {
	return &Service{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15,
			WriteTimeout: 0, // images can be large; no write deadline
			IdleTimeout:  60,
			CORS: CORSConfig{
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
				AllowedHeaders: []string{"*"},
			},
		},
		USBGadget: USBGadgetConfig{
			ShortName:    "uefiimager",
			VendorID:     "0x1d6b",
			ProductID:    "0x0104",
			BCDDevice:    "0x0100",
			BCDUSB:       "0x0200",
			ProductName:  "UEFI Boot Disk",
			Manufacturer: "uefi-imager",
		},
		MDNS: MDNSConfig{
			Enabled:     false,
			ServiceName: "UEFI Image Server",
			UseDBus:     true,
			TXTRecords: []string{
				"path=/images/",
			},
		},
	}
}

// LoadService reads service settings from a JSON file. If the file doesn't
// exist, it returns the defaults.
func LoadService(path string) (*Service, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultService(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}

	s := DefaultService()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	return s, nil
}

// ParseHex converts a hex string (like "0x1d6b") to an integer
func ParseHex(s string) (int, error) {
	var val int
	_, err := fmt.Sscanf(s, "0x%x", &val)
	if err != nil {
		return 0, fmt.Errorf("invalid hex value %s: %w", s, err)
	}
	return val, nil
}
