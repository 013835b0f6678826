package overlay

import (
	"fmt"
	"net"

	"github.com/huin/goupnp/dcps/internetgateway1"
	natpmp "github.com/jackpal/go-nat-pmp"
)

// NATManager maps the overlay relay's UDP port through NAT-PMP or UPnP,
// adapted from the teacher's core/nat_traversal.go (TCP port mapping for a
// libp2p node) to the overlay's single UDP socket, spec §4.9.
type NATManager struct {
	ip         net.IP
	pmp        *natpmp.Client
	upnp       *internetgateway1.WANIPConnection1
	mappedPort int
}

// NewNATManager discovers a gateway via NAT-PMP first, falling back to
// UPnP, and records the detected external IP. The pack carries no gateway
// autodiscovery library (the teacher's own core/nat_traversal.go leans on
// one that isn't declared in go.mod), so the local gateway is approximated
// as the first-hop router of the interface that reaches the public
// internet: dial a UDP socket toward a public address, read back the
// local interface's address, and assume the gateway shares its /24 at
// .1 — good enough for the common home/office NAT topologies NAT-PMP and
// UPnP both target.
func NewNATManager() (*NATManager, error) {
	gw, err := discoverGatewayIP()
	if err != nil {
		return nil, fmt.Errorf("overlay: nat gateway discovery: %w", err)
	}

	m := &NATManager{}
	m.pmp = natpmp.NewClient(gw)
	if res, err := m.pmp.GetExternalAddress(); err == nil {
		ip := res.ExternalIPAddress
		m.ip = net.IPv4(ip[0], ip[1], ip[2], ip[3])
	} else {
		m.pmp = nil
	}

	if m.ip == nil {
		if clients, _, err := internetgateway1.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
			m.upnp = clients[0]
			if ipStr, err := m.upnp.GetExternalIPAddress(); err == nil {
				m.ip = net.ParseIP(ipStr)
			}
		}
	}
	if m.ip == nil {
		return nil, fmt.Errorf("overlay: nat: no gateway responded to NAT-PMP or UPnP")
	}
	return m, nil
}

func discoverGatewayIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || local.IP.To4() == nil {
		return nil, fmt.Errorf("overlay: nat: could not determine local interface address")
	}
	ip := local.IP.To4()
	return net.IPv4(ip[0], ip[1], ip[2], 1), nil
}

// ExternalIP returns the detected public IP address.
func (m *NATManager) ExternalIP() net.IP { return m.ip }

// Map opens port for inbound UDP traffic on the gateway.
func (m *NATManager) Map(port int) error {
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("udp", port, port, 3600); err == nil {
			m.mappedPort = port
			return nil
		}
	}
	if m.upnp != nil {
		if err := m.upnp.AddPortMapping("", uint16(port), "UDP", uint16(port), m.ip.String(), true, "syncshell-overlay", 3600); err == nil {
			m.mappedPort = port
			return nil
		}
	}
	return fmt.Errorf("overlay: nat: mapping failed")
}

// Unmap removes the previously mapped port.
func (m *NATManager) Unmap() error {
	if m.mappedPort == 0 {
		return nil
	}
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("udp", m.mappedPort, m.mappedPort, 0); err != nil {
			return err
		}
		m.mappedPort = 0
		return nil
	}
	if m.upnp != nil {
		if err := m.upnp.DeletePortMapping("", uint16(m.mappedPort), "UDP"); err != nil {
			return err
		}
		m.mappedPort = 0
	}
	return nil
}
