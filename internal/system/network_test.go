package system

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMACAddress(t *testing.T) {
	// lo on Linux, lo0 on macOS; loopback usually has no MAC, so only the
	// error path is certain.
	for _, iface := range []string{"lo", "lo0"} {
		mac, err := GetMACAddress(iface)
		if err == nil {
			t.Logf("Loopback MAC: %s", mac)
		}
	}
	_, err := GetMACAddress("definitely-not-an-interface0")
	assert.Error(t, err)
}

func TestPickInterface(t *testing.T) {
	tests := []struct {
		name string
		macs map[string]string
		want string
	}{
		{
			name: "wired preferred",
			macs: map[string]string{"wlan0": "aa:aa:aa:aa:aa:aa", "eth0": "bb:bb:bb:bb:bb:bb"},
			want: "eth0",
		},
		{
			name: "predictable names",
			macs: map[string]string{"wlp3s0": "aa:aa:aa:aa:aa:aa", "enp2s0": "bb:bb:bb:bb:bb:bb"},
			want: "enp2s0",
		},
		{
			name: "wireless only",
			macs: map[string]string{"wlan1": "aa:aa:aa:aa:aa:aa", "wlan0": "bb:bb:bb:bb:bb:bb"},
			want: "wlan0",
		},
		{
			name: "anything else",
			macs: map[string]string{"tap1": "aa:aa:aa:aa:aa:aa", "br0": "bb:bb:bb:bb:bb:bb"},
			want: "br0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, mac, err := pickInterface(tt.macs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, name)
			assert.Equal(t, tt.macs[tt.want], mac)
		})
	}

	_, _, err := pickInterface(nil)
	assert.Error(t, err)
}

func TestSerialNumber(t *testing.T) {
	serial, err := SerialNumber()
	if err != nil {
		assert.Equal(t, DefaultSerialNumber, serial)
		return
	}
	assert.Len(t, serial, 12)
	assert.Equal(t, strings.ToUpper(serial), serial)
}

func TestFormatMAC(t *testing.T) {
	testMAC := "aa:bb:cc:dd:ee:ff"

	tests := []struct {
		format   MACFormat
		expected string
	}{
		{MACFormatColon, "aa:bb:cc:dd:ee:ff"},
		{MACFormatHyphen, "aa-bb-cc-dd-ee-ff"},
		{MACFormatNone, "aabbccddeeff"},
		{MACFormatUSBSerial, "AABBCCDDEEFF"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, FormatMAC(testMAC, tt.format), "format %v", tt.format)
	}
}

func TestFormatMACFromDifferentFormats(t *testing.T) {
	for _, input := range []string{"aa:bb:cc:dd:ee:ff", "aa-bb-cc-dd-ee-ff", "aabbccddeeff"} {
		assert.Equal(t, "aabbccddeeff", FormatMAC(input, MACFormatNone), input)
		assert.Equal(t, "aa:bb:cc:dd:ee:ff", FormatMAC(input, MACFormatColon), input)
	}
}

func TestServerURLs(t *testing.T) {
	urls, err := ServerURLs("10.0.0.5", 8080)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://10.0.0.5:8080/"}, urls)

	urls, err = ServerURLs("::1", 80)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://[::1]:80/"}, urls)

	urls, err = ServerURLs("0.0.0.0", 8080)
	require.NoError(t, err)
	require.NotEmpty(t, urls)
	for _, u := range urls {
		assert.True(t, strings.HasPrefix(u, "http://"), u)
		assert.True(t, strings.HasSuffix(u, ":8080/"), u)
	}
}
