package settings

import (
	"fmt"
	"net"
)

// Interface describes a candidate value for the iface setting.
type Interface struct {
	Name         string   `json:"name"`
	HardwareAddr string   `json:"hardware_addr,omitempty"`
	Up           bool     `json:"up"`
	Addrs        []string `json:"addrs,omitempty"`
}

// Interfaces lists the host's network interfaces, loopback excluded.
func Interfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list network interfaces: %w", err)
	}
	return filterInterfaces(ifaces), nil
}

func filterInterfaces(ifaces []net.Interface) []Interface {
	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		entry := Interface{
			Name:         iface.Name,
			HardwareAddr: iface.HardwareAddr.String(),
			Up:           iface.Flags&net.FlagUp != 0,
		}
		if addrs, err := iface.Addrs(); err == nil {
			for _, a := range addrs {
				entry.Addrs = append(entry.Addrs, a.String())
			}
		}
		out = append(out, entry)
	}
	return out
}
