//go:build linux
// +build linux

package nodeinfo

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
)

// LinuxSource reads node info from the live host via netlink, the same
// library reached for directly in
// network/transparent_vlan_endpointclient_linux.go for link and address
// enumeration.
type LinuxSource struct {
	nodeUUID    string
	adminNICTag string
	// tagByIface maps a physical interface name to the NIC tags it
	// carries. The kernel has no notion of a NIC tag, so this table is
	// supplied by configuration.
	tagByIface map[string][]string
}

// NewLinuxSource builds a LinuxSource. tagByIface is the operator-supplied
// physical-interface-name → tag-list table (e.g. {"eth0": {"admin",
// "external"}}); it stands in for the "NIC Names" metadata says the node info
// source returns alongside each physical NIC.
func NewLinuxSource(nodeUUID, adminNICTag string, tagByIface map[string][]string) *LinuxSource {
	return &LinuxSource{nodeUUID: nodeUUID, adminNICTag: adminNICTag, tagByIface: tagByIface}
}

func (s *LinuxSource) NodeInfo(ctx context.Context) (NodeInfo, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return NodeInfo{}, errors.Wrap(err, "listing netlink links")
	}

	ni := NodeInfo{
		UUID:                     s.nodeUUID,
		NetworkInterfaces:        map[string]PhysicalNIC{},
		VirtualNetworkInterfaces: map[string]VirtualNIC{},
		LinkAggregations:         map[string]LinkAggregation{},
		AdminNICTag:              s.adminNICTag,
	}

	for _, link := range links {
		attrs := link.Attrs()
		name := attrs.Name
		if name == "lo" {
			continue
		}
		mac := attrs.HardwareAddr.String()
		status := "down"
		if attrs.OperState == netlink.OperUp {
			status = "up"
		}
		ip4 := firstIPv4(link)

		switch l := link.(type) {
		case *netlink.Vlan:
			parent, err := netlink.LinkByIndex(l.ParentIndex)
			host := name
			if err == nil {
				host = parent.Attrs().Name
			}
			ni.VirtualNetworkInterfaces[name] = VirtualNIC{
				Name:          name,
				MACAddress:    mac,
				HostInterface: host,
				VLAN:          l.VlanId,
				LinkStatus:    status,
				IP4Addr:       ip4,
			}
		case *netlink.Bond:
			members := bondMembers(links, attrs.Index)
			ni.LinkAggregations[name] = LinkAggregation{
				Name:       name,
				Interfaces: members,
				LACPMode:   bondModeString(l.Mode),
			}
		default:
			ni.NetworkInterfaces[name] = PhysicalNIC{
				Name:       name,
				MACAddress: mac,
				NICNames:   s.tagByIface[name],
				LinkStatus: status,
				IP4Addr:    ip4,
			}
		}
	}

	return ni, nil
}

// bondMembers scans every link for one whose Attrs().MasterIndex points at
// bondIndex. LinkAttrs carries no []string slave list in this netlink
// version (just a singular LinkSlave and the enslaved link's own
// MasterIndex), so membership has to be discovered from the other side.
func bondMembers(links []netlink.Link, bondIndex int) []string {
	var members []string
	for _, link := range links {
		if link.Attrs().MasterIndex == bondIndex {
			members = append(members, link.Attrs().Name)
		}
	}
	return members
}

func firstIPv4(link netlink.Link) string {
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil || len(addrs) == 0 {
		return ""
	}
	for _, a := range addrs {
		if a.IP != nil && a.IP.To4() != nil {
			return a.IP.String()
		}
	}
	return ""
}

func bondModeString(mode netlink.BondMode) string {
	return strings.ToLower(mode.String())
}
