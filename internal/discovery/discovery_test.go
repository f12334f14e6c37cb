package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
)

func TestEndpointFromEntry(t *testing.T) {
	entry := zeroconf.NewServiceEntry("docsync-lab", Service, Domain)
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	entry.Port = 8080
	entry.Text = []string{"txtv=1", "path=/v2/sync"}

	e, ok := endpoint(entry)
	assert.True(t, ok)
	assert.Equal(t, "docsync-lab", e.Instance)
	assert.Equal(t, "ws://192.168.1.20:8080/v2/sync", e.URL())
}

func TestEndpointDefaultsAndIPv6(t *testing.T) {
	entry := zeroconf.NewServiceEntry("docsync-v6", Service, Domain)
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	entry.Port = 9000

	e, ok := endpoint(entry)
	assert.True(t, ok)
	assert.Equal(t, "ws://[fe80::1]:9000/sync", e.URL())
}

func TestEndpointWithoutAddress(t *testing.T) {
	_, ok := endpoint(zeroconf.NewServiceEntry("ghost", Service, Domain))
	assert.False(t, ok)
}
