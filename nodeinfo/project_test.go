package nodeinfo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProject_AdminNICTagSetsVLANZero(t *testing.T) {
	ni := NodeInfo{
		AdminNICTag: "admin",
		NetworkInterfaces: map[string]PhysicalNIC{
			"eth0": {Name: "eth0", MACAddress: "aa:aa:aa:00:00:01", NICNames: []string{"admin", "external"}},
			"eth1": {Name: "eth1", MACAddress: "aa:aa:aa:00:00:02", NICNames: []string{"external"}},
		},
	}

	nics, _ := Project(ni)
	byName := map[string]NICProjection{}
	for _, n := range nics {
		byName[n.Name] = n
	}

	require.Equal(t, "admin", byName["eth0"].NicTag)
	require.Equal(t, 0, byName["eth0"].VLANID)
	require.Equal(t, "", byName["eth1"].NicTag)
}

func TestProject_VirtualNICTagResolvesOnMatchingHost(t *testing.T) {
	ni := NodeInfo{
		NetworkInterfaces: map[string]PhysicalNIC{
			"eth0": {Name: "eth0", MACAddress: "aa:aa:aa:00:00:01", NICNames: []string{"external"}},
		},
		VirtualNetworkInterfaces: map[string]VirtualNIC{
			"external0": {Name: "external0", MACAddress: "aa:aa:aa:00:00:03", HostInterface: "eth0", VLAN: 42},
		},
	}

	nics, _ := Project(ni)
	var virt NICProjection
	for _, n := range nics {
		if n.Name == "external0" {
			virt = n
		}
	}
	require.Equal(t, "external", virt.NicTag)
	require.Equal(t, 42, virt.VLANID)
}

func TestProject_VirtualNICTagNotSetWhenHostDiffers(t *testing.T) {
	ni := NodeInfo{
		NetworkInterfaces: map[string]PhysicalNIC{
			"eth0": {Name: "eth0", MACAddress: "aa:aa:aa:00:00:01", NICNames: []string{"external"}},
		},
		VirtualNetworkInterfaces: map[string]VirtualNIC{
			// operator bypassed management tooling: external0 actually rides eth1, not eth0
			"external0": {Name: "external0", MACAddress: "aa:aa:aa:00:00:03", HostInterface: "eth1", VLAN: 42},
		},
	}

	nics, _ := Project(ni)
	var virt NICProjection
	for _, n := range nics {
		if n.Name == "external0" {
			virt = n
		}
	}
	require.Equal(t, "", virt.NicTag)
}

func TestProject_AggregationMembersAndTags(t *testing.T) {
	ni := NodeInfo{
		NetworkInterfaces: map[string]PhysicalNIC{
			"eth0": {Name: "eth0", MACAddress: "aa:aa:aa:00:00:01"},
			"eth1": {Name: "eth1", MACAddress: "aa:aa:aa:00:00:02"},
			"aggr0": {Name: "aggr0", NICNames: []string{"external", "internal"}},
		},
		LinkAggregations: map[string]LinkAggregation{
			"aggr0": {Name: "aggr0", Interfaces: []string{"eth0", "eth1"}, LACPMode: "lacp"},
		},
	}

	_, aggs := Project(ni)
	require.Len(t, aggs, 1)
	require.ElementsMatch(t, []string{"aa:aa:aa:00:00:01", "aa:aa:aa:00:00:02"}, aggs[0].MACs)
	require.ElementsMatch(t, []string{"external", "internal"}, aggs[0].NicTagsProvided)
}
