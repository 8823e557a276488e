package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joyent-sdc/net-agent/netapi"
	"github.com/joyent-sdc/net-agent/nodeinfo"
	"github.com/stretchr/testify/require"
)

type fakeNodeInfoSource struct {
	mu sync.Mutex
	ni nodeinfo.NodeInfo
}

func (f *fakeNodeInfoSource) set(ni nodeinfo.NodeInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ni = ni
}

func (f *fakeNodeInfoSource) NodeInfo(ctx context.Context) (nodeinfo.NodeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ni, nil
}

// alwaysNotFoundClient satisfies NICClient/AggregationClient with every
// call reporting the entity unknown, so a real NIC/Aggregation reconciler
// parks harmlessly in "waiting" without ever reaching out anywhere.
type alwaysNotFoundClient struct{}

func (alwaysNotFoundClient) GetNIC(ctx context.Context, mac string) (netapi.NIC, string, error) {
	return netapi.NIC{}, "", &netapi.Error{Kind: netapi.KindNotFound}
}
func (alwaysNotFoundClient) CreateNIC(ctx context.Context, nic netapi.NIC) (netapi.NIC, string, error) {
	return nic, `"v1"`, nil
}
func (alwaysNotFoundClient) UpdateNIC(ctx context.Context, mac string, partial map[string]interface{}) (netapi.NIC, string, error) {
	return netapi.NIC{}, "", &netapi.Error{Kind: netapi.KindNotFound}
}
func (alwaysNotFoundClient) DeleteNIC(ctx context.Context, mac, etag string) error { return nil }

func (alwaysNotFoundClient) GetAggregation(ctx context.Context, id string) (netapi.Aggregation, string, error) {
	return netapi.Aggregation{}, "", &netapi.Error{Kind: netapi.KindNotFound}
}
func (alwaysNotFoundClient) CreateAggregation(ctx context.Context, agg netapi.Aggregation) (netapi.Aggregation, string, error) {
	return agg, `"v1"`, nil
}
func (alwaysNotFoundClient) UpdateAggregation(ctx context.Context, id string, partial map[string]interface{}) (netapi.Aggregation, string, error) {
	return netapi.Aggregation{}, "", &netapi.Error{Kind: netapi.KindNotFound}
}
func (alwaysNotFoundClient) DeleteAggregation(ctx context.Context, id, etag string) error { return nil }

// fakeNICRegistry hands out real NIC reconcilers backed by
// alwaysNotFoundClient, tracking which MACs are currently watched.
type fakeNICRegistry struct {
	mu       sync.Mutex
	watched  map[string]*NIC
	released []string
}

func newFakeNICRegistry() *fakeNICRegistry {
	return &fakeNICRegistry{watched: map[string]*NIC{}}
}

func (f *fakeNICRegistry) WatchNIC(mac string, referencer interface{}) *NIC {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.watched[mac]; ok {
		return n
	}
	n := NewNIC(mac, NICConfig{Client: alwaysNotFoundClient{}})
	f.watched[mac] = n
	return n
}

func (f *fakeNICRegistry) ReleaseNIC(mac string, referencer interface{}) {
	f.mu.Lock()
	n, ok := f.watched[mac]
	delete(f.watched, mac)
	f.released = append(f.released, mac)
	f.mu.Unlock()
	if ok {
		n.Stop()
	}
}

func (f *fakeNICRegistry) seenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watched)
}

type fakeAggRegistry struct {
	mu       sync.Mutex
	watched  map[string]*Aggregation
	released []string
}

func newFakeAggRegistry() *fakeAggRegistry {
	return &fakeAggRegistry{watched: map[string]*Aggregation{}}
}

func (f *fakeAggRegistry) WatchAggregation(id string, referencer interface{}) *Aggregation {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.watched[id]; ok {
		return a
	}
	a := NewAggregation(id, alwaysNotFoundClient{}, nil)
	f.watched[id] = a
	return a
}

func (f *fakeAggRegistry) ReleaseAggregation(id string, referencer interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watched, id)
	f.released = append(f.released, id)
}

func TestNode_RefreshProjectsNICsAndReleasesAbsent(t *testing.T) {
	source := &fakeNodeInfoSource{ni: nodeinfo.NodeInfo{
		UUID: "node-1",
		NetworkInterfaces: map[string]nodeinfo.PhysicalNIC{
			"eth0": {Name: "eth0", MACAddress: "aa:aa:aa:aa:aa:01", NICNames: []string{"admin"}, LinkStatus: "up"},
		},
	}}
	nics := newFakeNICRegistry()
	aggs := newFakeAggRegistry()

	nd := NewNode("node-1", "admin-uuid", source, nics, aggs, time.Hour, nil)
	t.Cleanup(nd.Stop)

	require.Eventually(t, func() bool {
		return nics.seenCount() == 1
	}, time.Second, 5*time.Millisecond)

	// Drop the physical NIC entirely; the next refresh must release it.
	source.set(nodeinfo.NodeInfo{UUID: "node-1"})
	nd.Refresh()

	require.Eventually(t, func() bool {
		return len(nics.released) == 1 && nics.released[0] == "aa:aa:aa:aa:aa:01"
	}, time.Second, 5*time.Millisecond)
}

func TestNode_OwnerKindIsServer(t *testing.T) {
	nd := &Node{uuid: "node-1"}
	require.Equal(t, "server", nd.OwnerKind())
	require.Equal(t, "node-1", nd.OwnerUUID())
}

func TestNode_RebootIsNoOp(t *testing.T) {
	nd := &Node{uuid: "node-1"}
	require.NoError(t, nd.Reboot(context.Background()))
}

func TestNode_StopTransitionsToStopped(t *testing.T) {
	source := &fakeNodeInfoSource{ni: nodeinfo.NodeInfo{UUID: "node-1"}}
	var stoppedUUID string
	nd := NewNode("node-1", "admin-uuid", source, newFakeNICRegistry(), newFakeAggRegistry(), time.Hour, func(uuid string) {
		stoppedUUID = uuid
	})

	nd.Stop()
	require.Eventually(t, func() bool { return nd.State() == "stopped" }, time.Second, 5*time.Millisecond)
	require.Equal(t, "node-1", stoppedUUID)
}
