package monitor

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubnetWatcher_Contains(t *testing.T) {
	w := NewSubnetWatcher("tun0", nil)
	require.True(t, w.Contains("192.0.2.1"), "no subnets known yet")

	_, tun, err := net.ParseCIDR("10.8.0.1/24")
	require.NoError(t, err)
	w.setSubnets([]net.IPNet{*tun})

	require.True(t, w.Contains("10.8.0.77"))
	require.False(t, w.Contains("10.9.0.1"))
	require.False(t, w.Contains("not-an-ip"))
}

func TestSubnetWatcher_NoInterface(t *testing.T) {
	w := NewSubnetWatcher("", nil)
	require.NoError(t, w.Refresh())
	require.True(t, w.Contains("10.8.0.2"))
}

func TestCountBySource(t *testing.T) {
	sources := []netip.Addr{
		netip.MustParseAddr("10.8.0.2"),
		netip.MustParseAddr("10.8.0.2"),
		netip.MustParseAddr("::ffff:10.8.0.3"),
		netip.MustParseAddr("192.0.2.1"),
	}

	got := countBySource(sources, []string{"10.8.0.2", "10.8.0.3", "10.8.0.4", "bogus"})

	require.Equal(t, map[string]int{"10.8.0.2": 2, "10.8.0.3": 1, "10.8.0.4": 0}, got)
}
