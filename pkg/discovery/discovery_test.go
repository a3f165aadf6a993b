package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
)

func entry(port int) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry("lottiesync-host", "_lottiesync._tcp", "local.")
	e.Port = port
	return e
}

func TestEntryURL(t *testing.T) {
	e := entry(8080)
	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	url, ok := entryURL(e)
	assert.True(t, ok)
	assert.Equal(t, "ws://192.168.1.20:8080", url)

	e = entry(8080)
	e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	url, ok = entryURL(e)
	assert.True(t, ok)
	assert.Equal(t, "ws://[fe80::1]:8080", url)

	e = entry(9000)
	e.HostName = "relay.local."
	url, ok = entryURL(e)
	assert.True(t, ok)
	assert.Equal(t, "ws://relay.local:9000", url)
}

func TestEntryURLIncomplete(t *testing.T) {
	_, ok := entryURL(nil)
	assert.False(t, ok)
	_, ok = entryURL(entry(0))
	assert.False(t, ok)
	_, ok = entryURL(entry(80))
	assert.False(t, ok)
}
