//go:build linux

package phystat

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// Kernel snapshots the kernel's own counters of the named interfaces,
// i.e. what the NIC driver saw rather than what passed through a Device.
// Devices in netmap mode bypass the stack, so only driver counters move.
func Kernel(names ...string) (Stats, error) {
	s := make(Stats, len(names))
	for _, name := range names {
		link, err := netlink.LinkByName(name)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		st := link.Attrs().Statistics
		if st == nil {
			return nil, fmt.Errorf("reading %s: no statistics", name)
		}
		s[name] = DevStats{
			TxFrames:  st.TxPackets,
			TxBytes:   st.TxBytes,
			TxDropped: st.TxDropped,
			RxFrames:  st.RxPackets,
			RxBytes:   st.RxBytes,
		}
	}
	return s, nil
}
