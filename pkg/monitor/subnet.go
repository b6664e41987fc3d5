package monitor

import (
	"fmt"
	"net"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/vishvananda/netlink"
)

// SubnetWatcher tracks the address ranges configured on the tunnel interface
// so virtual addresses reported by the status feed can be sanity checked.
type SubnetWatcher struct {
	iface  string
	logger hclog.Logger

	mu      sync.RWMutex
	subnets []net.IPNet
}

func NewSubnetWatcher(iface string, logger hclog.Logger) *SubnetWatcher {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &SubnetWatcher{iface: iface, logger: logger}
}

// Refresh re-reads the interface addresses. No cache.
func (w *SubnetWatcher) Refresh() error {
	if w.iface == "" {
		return nil
	}

	link, err := netlink.LinkByName(w.iface)
	if err != nil {
		return fmt.Errorf("lookup interface %s: %w", w.iface, err)
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return fmt.Errorf("list addresses of %s: %w", w.iface, err)
	}

	var subnets []net.IPNet
	for _, addr := range addrs {
		if addr.IPNet != nil {
			subnets = append(subnets, *addr.IPNet)
		}
	}

	w.setSubnets(subnets)
	w.logger.Debug("tunnel subnets refreshed", "interface", w.iface, "subnets", len(subnets))
	return nil
}

func (w *SubnetWatcher) setSubnets(subnets []net.IPNet) {
	w.mu.Lock()
	w.subnets = subnets
	w.mu.Unlock()
}

// Contains reports whether ip lies in one of the tunnel subnets. With no
// subnets known every address is accepted.
func (w *SubnetWatcher) Contains(ip string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.subnets) == 0 {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range w.subnets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}
