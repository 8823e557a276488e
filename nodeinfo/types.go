// Package nodeinfo provides the node info source: the node's physical NICs,
// virtual NICs, link aggregations, admin NIC tag, and node UUID, plus the
// projection helpers the node reconciler uses to turn that raw inventory into
// NIC and aggregation local views. The Linux backend builds on the direct use
// of vishvananda/netlink seen in
// network/transparent_vlan_endpointclient_linux.go (link enumeration, address
// listing) rather than the lower-level netlink/ package, which implements the
// raw netlink wire protocol for a narrower CNI use case this agent doesn't
// have.
package nodeinfo

import "context"

// PhysicalNIC is one physical network interface on the node.
type PhysicalNIC struct {
	Name       string
	MACAddress string
	NICNames   []string // tags this physical NIC carries, e.g. ["admin", "external"]
	LinkStatus string   // "up" | "down"
	IP4Addr    string
}

// VirtualNIC is one virtual (VLAN/pseudo) interface on the node.
type VirtualNIC struct {
	Name          string
	MACAddress    string
	HostInterface string // the physical interface this virtual NIC rides on
	VLAN          int
	LinkStatus    string
	IP4Addr       string
}

// LinkAggregation is one LACP bond of physical NICs.
type LinkAggregation struct {
	Name       string
	Interfaces []string
	LACPMode   string
}

// NodeInfo is the full node-level inventory snapshot.
type NodeInfo struct {
	UUID                     string
	NetworkInterfaces        map[string]PhysicalNIC
	VirtualNetworkInterfaces map[string]VirtualNIC
	LinkAggregations         map[string]LinkAggregation
	AdminNICTag              string
}

// Source returns the current node info snapshot. Implementations query the
// live host; the node reconciler calls this on every refresh.
type Source interface {
	NodeInfo(ctx context.Context) (NodeInfo, error)
}
