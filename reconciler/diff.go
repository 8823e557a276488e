package reconciler

import (
	"github.com/google/go-cmp/cmp"
	"github.com/joyent-sdc/net-agent/netapi"
)

// FieldSet names the fields a diff pass compares.
type FieldSet []string

// Remote-authoritative NIC fields: NetAPI decides these, and update.local
// pushes them down to the local entity.
var RemoteFields = FieldSet{
	"gateway", "ip", "model", "mtu", "netmask", "network_uuid", "nic_tag", "vlan_id",
	"allow_dhcp_spoofing", "allow_ip_spoofing", "allow_mac_spoofing",
	"allow_restricted_traffic", "allow_unfiltered_promisc",
}

// Local-authoritative NIC fields: the node decides these, and update.napi
// pushes them up to NetAPI.
var LocalFields = FieldSet{
	"belongs_to_type", "belongs_to_uuid", "owner_uuid", "primary", "state", "cn_uuid",
}

// VM-affecting fields: remote-authoritative but consumed by the owning VM
// rather than by the node.
var VMFields = FieldSet{"resolvers", "routes"}

// Diff computes the subset of fields in fieldSet where authoritative's
// value differs from target's, keyed by field name with authoritative's
// value. The caller applies the result onto target to converge it. Anti-spoof
// fields are compared via ParseTolerantBool on both sides, so "1"/"true"/true
// all compare equal.
func Diff(fieldSet FieldSet, authoritative, target map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for _, f := range fieldSet {
		av, aok := authoritative[f]
		tv, tok := target[f]
		if !aok && !tok {
			continue
		}
		if isAntiSpoofField(f) {
			if netapi.ParseTolerantBool(av) != netapi.ParseTolerantBool(tv) {
				out[f] = av
			}
			continue
		}
		if !cmp.Equal(av, tv) {
			out[f] = av
		}
	}
	return out
}

func isAntiSpoofField(f string) bool {
	switch f {
	case "allow_dhcp_spoofing", "allow_ip_spoofing", "allow_mac_spoofing",
		"allow_restricted_traffic", "allow_unfiltered_promisc":
		return true
	default:
		return false
	}
}

// Apply merges delta onto a copy of target and returns the result, leaving
// target untouched.
func Apply(target map[string]interface{}, delta map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(target)+len(delta))
	for k, v := range target {
		out[k] = v
	}
	for k, v := range delta {
		out[k] = v
	}
	return out
}
