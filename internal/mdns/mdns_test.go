package mdns

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgarman/uefi-imager/internal/config"
)

func TestNewService(t *testing.T) {
	c := config.DefaultService().MDNS
	s, err := NewService(c, 8080)
	require.NoError(t, err)
	assert.Equal(t, "UEFI Image Server", s.Name)
	assert.Equal(t, ServiceType, s.Type)
	assert.Equal(t, 8080, s.Port)
	assert.Equal(t, []string{"path=/images/"}, s.TXTRecords)
}

func TestNewServiceRejects(t *testing.T) {
	base := config.DefaultService().MDNS
	tests := []struct {
		name   string
		modify func(c *config.MDNSConfig)
		port   int
	}{
		{"empty name", func(c *config.MDNSConfig) { c.ServiceName = "  " }, 80},
		{"long name", func(c *config.MDNSConfig) { c.ServiceName = strings.Repeat("x", 64) }, 80},
		{"bad port", func(c *config.MDNSConfig) {}, 0},
		{"txt without key", func(c *config.MDNSConfig) { c.TXTRecords = []string{"=x"} }, 80},
		{"txt without value", func(c *config.MDNSConfig) { c.TXTRecords = []string{"flag"} }, 80},
		{"long txt", func(c *config.MDNSConfig) { c.TXTRecords = []string{"k=" + strings.Repeat("v", 254)} }, 80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			c.TXTRecords = append([]string(nil), base.TXTRecords...)
			tt.modify(&c)
			_, err := NewService(c, tt.port)
			assert.Error(t, err)
		})
	}
}

func TestPublishArgs(t *testing.T) {
	s := &Service{Name: "Images", Type: ServiceType, Port: 8080, TXTRecords: []string{"path=/images/"}}
	assert.Equal(t, []string{"Images", "_http._tcp", "8080", "path=/images/"}, publishArgs(s))

	s.Domain = "example.org"
	s.Host = "boot.example.org"
	assert.Equal(t, []string{"--domain=example.org", "--host=boot.example.org", "Images", "_http._tcp", "8080", "path=/images/"}, publishArgs(s))
}

func TestPublisherMissingCommand(t *testing.T) {
	p := &Publisher{command: "definitely-not-avahi-publish"}
	err := p.Publish(&Service{Name: "x", Type: ServiceType, Port: 80})
	assert.Error(t, err)
	assert.NoError(t, p.Stop())
}

func TestServiceURL(t *testing.T) {
	assert.Equal(t, "http://boot.local:8080/", ServiceURL(&Service{Type: ServiceType, Port: 8080, Host: "boot"}))
	assert.Equal(t, "http://boot.local:80/", ServiceURL(&Service{Type: ServiceType, Port: 80, Host: "boot.local"}))
	assert.Equal(t, "https://boot.example.org:443/", ServiceURL(&Service{Type: "_https._tcp", Port: 443, Host: "boot.example.org", Domain: "example.org"}))

	u := ServiceURL(&Service{Type: ServiceType, Port: 8080})
	assert.True(t, strings.HasPrefix(u, "http://"), u)
	assert.True(t, strings.HasSuffix(u, ".local:8080/"), u)
}
