package agent

import (
	"context"
	"testing"

	"github.com/joyent-sdc/net-agent/netapi"
	"github.com/stretchr/testify/require"
)

type fakeNetAPIClient struct{}

func (fakeNetAPIClient) GetNIC(ctx context.Context, mac string) (netapi.NIC, string, error) {
	return netapi.NIC{}, "", &netapi.Error{Kind: netapi.KindNotFound}
}
func (fakeNetAPIClient) CreateNIC(ctx context.Context, nic netapi.NIC) (netapi.NIC, string, error) {
	return nic, `"v1"`, nil
}
func (fakeNetAPIClient) UpdateNIC(ctx context.Context, mac string, partial map[string]interface{}) (netapi.NIC, string, error) {
	return netapi.NIC{}, "", &netapi.Error{Kind: netapi.KindNotFound}
}
func (fakeNetAPIClient) DeleteNIC(ctx context.Context, mac, etag string) error { return nil }
func (fakeNetAPIClient) GetNetwork(ctx context.Context, uuid string) (netapi.Network, error) {
	return netapi.Network{}, &netapi.Error{Kind: netapi.KindNotFound}
}
func (fakeNetAPIClient) GetAggregation(ctx context.Context, id string) (netapi.Aggregation, string, error) {
	return netapi.Aggregation{}, "", &netapi.Error{Kind: netapi.KindNotFound}
}
func (fakeNetAPIClient) CreateAggregation(ctx context.Context, agg netapi.Aggregation) (netapi.Aggregation, string, error) {
	return agg, `"v1"`, nil
}
func (fakeNetAPIClient) UpdateAggregation(ctx context.Context, id string, partial map[string]interface{}) (netapi.Aggregation, string, error) {
	return netapi.Aggregation{}, "", &netapi.Error{Kind: netapi.KindNotFound}
}
func (fakeNetAPIClient) DeleteAggregation(ctx context.Context, id, etag string) error { return nil }

func TestRegistry_WatchNICMemoizesByMAC(t *testing.T) {
	r := NewRegistry(fakeNetAPIClient{}, "admin-uuid")
	t.Cleanup(func() { r.ReleaseNIC("aa:bb:cc:00:00:01", "referencer-1") })

	n1 := r.WatchNIC("aa:bb:cc:00:00:01", "referencer-1")
	n2 := r.WatchNIC("aa:bb:cc:00:00:01", "referencer-2")
	require.Same(t, n1, n2)
}

func TestRegistry_WatchAggregationMemoizesByID(t *testing.T) {
	r := NewRegistry(fakeNetAPIClient{}, "admin-uuid")
	t.Cleanup(func() { r.ReleaseAggregation("node-1-aggr0", "referencer-1") })

	a1 := r.WatchAggregation("node-1-aggr0", "referencer-1")
	a2 := r.WatchAggregation("node-1-aggr0", "referencer-2")
	require.Same(t, a1, a2)
}

func TestRegistry_LookupOwnerServerUnknownUntilSetNode(t *testing.T) {
	r := NewRegistry(fakeNetAPIClient{}, "admin-uuid")
	_, ok := r.lookupOwner("server", "node-1")
	require.False(t, ok)
}

func TestRegistry_LookupOwnerUnknownTypeReturnsFalse(t *testing.T) {
	r := NewRegistry(fakeNetAPIClient{}, "admin-uuid")
	_, ok := r.lookupOwner("zone", "vm-1")
	require.False(t, ok)
	_, ok = r.lookupOwner("bogus", "anything")
	require.False(t, ok)
}
