package transmit

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loopbackName(t *testing.T) string {
	t.Helper()
	ifaces, err := net.Interfaces()
	require.NoError(t, err)
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback == 0 {
			continue
		}
		if _, err := InterfaceIPv4(iface.Name); err == nil {
			return iface.Name
		}
	}
	t.Skip("no loopback interface with an ipv4 address")
	return ""
}

func TestInterfaceIPv4Loopback(t *testing.T) {
	ip, err := InterfaceIPv4(loopbackName(t))
	require.NoError(t, err)
	assert.True(t, ip.IsLoopback())
	assert.Len(t, ip, net.IPv4len)
}

func TestInterfaceIPv4Unknown(t *testing.T) {
	_, err := InterfaceIPv4("dpifuzz-missing0")
	assert.Error(t, err)
}
