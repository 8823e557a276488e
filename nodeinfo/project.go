package nodeinfo

import "regexp"

// virtualNICPattern extracts a candidate NIC tag from a virtual interface
// name: a leading alphanumeric/underscore tag of up to 31 characters,
// followed by a numeric instance suffix, e.g. "external0".
var virtualNICPattern = regexp.MustCompile(`^([a-zA-Z0-9_]{0,31})[0-9]+$`)

// NICProjection is the node reconciler's local view of one physical or
// virtual NIC, ready to hand to a NIC reconciler's set_local.
type NICProjection struct {
	MAC    string
	Name   string
	NicTag string
	VLANID int
}

// AggregationProjection is the node reconciler's local view of one link
// aggregation.
type AggregationProjection struct {
	Name            string
	MACs            []string
	LACPMode        string
	NicTagsProvided []string
}

// Project turns a raw NodeInfo snapshot into the NIC and aggregation local
// views the node reconciler pushes into per-entity reconcilers.
func Project(ni NodeInfo) (nics []NICProjection, aggs []AggregationProjection) {
	tagToPhysical := buildTagToPhysical(ni.NetworkInterfaces)
	adminTag := ni.AdminNICTag

	for name, phy := range ni.NetworkInterfaces {
		proj := NICProjection{MAC: phy.MACAddress, Name: name}
		for _, tag := range phy.NICNames {
			if tag == adminTag {
				proj.NicTag = adminTag
				proj.VLANID = 0
				break
			}
		}
		nics = append(nics, proj)
	}

	for name, virt := range ni.VirtualNetworkInterfaces {
		proj := NICProjection{MAC: virt.MACAddress, Name: name, VLANID: virt.VLAN}
		if m := virtualNICPattern.FindStringSubmatch(name); m != nil {
			candidateTag := m[1]
			if physIface, ok := tagToPhysical[candidateTag]; ok && physIface == virt.HostInterface {
				proj.NicTag = candidateTag
			}
			// Physical host differs (or tag unknown): operator likely
			// bypassed management tooling, leave NicTag unset.
		}
		nics = append(nics, proj)
	}

	for name, agg := range ni.LinkAggregations {
		a := AggregationProjection{
			Name:     name,
			LACPMode: agg.LACPMode,
		}
		for _, ifaceName := range agg.Interfaces {
			if phy, ok := ni.NetworkInterfaces[ifaceName]; ok {
				a.MACs = append(a.MACs, phy.MACAddress)
			}
		}
		if pseudo, ok := ni.NetworkInterfaces[name]; ok {
			a.NicTagsProvided = pseudo.NICNames
		}
		aggs = append(aggs, a)
	}

	return nics, aggs
}

// buildTagToPhysical constructs the "tag → physical interface name" table
// from physical NIC metadata.
func buildTagToPhysical(physicals map[string]PhysicalNIC) map[string]string {
	out := make(map[string]string)
	for name, phy := range physicals {
		for _, tag := range phy.NICNames {
			out[tag] = name
		}
	}
	return out
}
