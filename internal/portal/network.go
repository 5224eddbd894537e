package portal

import (
	"net"
	"strings"
	"time"

	gopsnet "github.com/shirou/gopsutil/v3/net"
)

// networkInfo lists the node's IPv4 interfaces and checks upstream
// reachability. Loopback and container bridges are skipped.
func networkInfo() map[string]interface{} {
	interfaces := make(map[string]interface{})

	ifaces, err := gopsnet.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Name == "lo" || strings.HasPrefix(iface.Name, "docker") {
				continue
			}
			for _, addr := range iface.Addrs {
				ip, _, err := net.ParseCIDR(addr.Addr)
				if err != nil || ip.To4() == nil {
					continue
				}
				kind := "ethernet"
				if strings.HasPrefix(iface.Name, "wl") {
					kind = "wireless"
				}
				interfaces[iface.Name] = map[string]string{
					"ip":   ip.String(),
					"type": kind,
				}
				break
			}
		}
	}

	return map[string]interface{}{
		"interfaces":      interfaces,
		"upstream_online": upstreamOnline(),
	}
}

// upstreamOnline probes a public resolver over TCP. DNS over TCP is open
// on effectively every uplink, and a dial needs no elevated privileges the
// way ICMP would.
func upstreamOnline() bool {
	conn, err := net.DialTimeout("tcp", "8.8.8.8:53", 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
