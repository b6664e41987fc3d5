package monitor

import (
	"fmt"
	"net/netip"

	"github.com/hashicorp/go-hclog"
	"github.com/ti-mo/conntrack"
)

// ConnCounter counts live conntrack flows originated by VPN clients.
type ConnCounter struct {
	logger hclog.Logger
}

func NewConnCounter(logger hclog.Logger) *ConnCounter {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &ConnCounter{logger: logger}
}

// Count returns, for each of the given virtual addresses, the number of
// conntrack flows whose original source is that address.
func (c *ConnCounter) Count(virtualIPs []string) (map[string]int, error) {
	conn, err := conntrack.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial conntrack: %w", err)
	}
	defer conn.Close()

	flows, err := conn.Dump(nil)
	if err != nil {
		return nil, fmt.Errorf("conntrack dump: %w", err)
	}

	sources := make([]netip.Addr, 0, len(flows))
	for _, f := range flows {
		sources = append(sources, f.TupleOrig.IP.SourceAddress)
	}

	counts := countBySource(sources, virtualIPs)
	c.logger.Debug("conntrack flows counted", "flows", len(flows), "clients", len(counts))
	return counts, nil
}

func countBySource(sources []netip.Addr, virtualIPs []string) map[string]int {
	want := make(map[netip.Addr]string, len(virtualIPs))
	counts := make(map[string]int, len(virtualIPs))
	for _, ip := range virtualIPs {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			continue
		}
		want[addr.Unmap()] = ip
		counts[ip] = 0
	}

	for _, src := range sources {
		if ip, ok := want[src.Unmap()]; ok {
			counts[ip]++
		}
	}
	return counts
}
