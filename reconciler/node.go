package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/joyent-sdc/net-agent/logger"
	"github.com/joyent-sdc/net-agent/netapi"
	"github.com/joyent-sdc/net-agent/nodeinfo"
)

// AggregationRegistry resolves and releases aggregation-reconciler
// references on behalf of the node reconciler, the same shape as
// NICRegistry.
type AggregationRegistry interface {
	WatchAggregation(id string, referencer interface{}) *Aggregation
	ReleaseAggregation(id string, referencer interface{})
}

var nodeTable = NewTable(
	[2]string{"init", "refresh"},
	[2]string{"refresh", "waiting"},
	[2]string{"refresh", "stopped"},
	[2]string{"waiting", "refresh"},
	[2]string{"waiting", "stopped"},
	[2]string{"init", "stopped"},
)

// Node is the node reconciler: projects the node's physical/virtual/aggregation
// interfaces into NIC and aggregation reconcilers, and is itself the NICOwner
// for every "server"-owned NIC.
type Node struct {
	*scaffold
	uuid      string
	adminUUID string
	source    nodeinfo.Source
	nics      NICRegistry
	aggs      AggregationRegistry

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	knownNICs map[string]struct{}
	knownAggs map[string]struct{}

	onStopped func(uuid string)
}

// NewNode constructs a Node reconciler and starts its goroutine, entering
// init -> refresh immediately. periodicRefresh is caller-supplied.
func NewNode(uuid, adminUUID string, source nodeinfo.Source, nics NICRegistry, aggs AggregationRegistry, periodicRefresh time.Duration, onStopped func(string)) *Node {
	if periodicRefresh <= 0 {
		periodicRefresh = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	nd := &Node{
		scaffold:  newScaffold("node", nodeTable, periodicRefresh),
		uuid:      uuid,
		adminUUID: adminUUID,
		source:    source,
		nics:      nics,
		aggs:      aggs,
		ctx:       ctx,
		cancel:    cancel,
		knownNICs: map[string]struct{}{},
		knownAggs: map[string]struct{}{},
		onStopped: onStopped,
	}
	go nd.loop()
	nd.enqueue(nd.doRefresh)
	return nd
}

func (nd *Node) loop() {
	nd.run(func() { nd.enqueue(nd.doRefresh) })
}

// UUID returns the node's identity.
func (nd *Node) UUID() string { return nd.uuid }

// Refresh requests an out-of-band reload of node info.
func (nd *Node) Refresh() {
	nd.enqueue(func() {
		if nd.State() == "stopped" {
			return
		}
		nd.doRefresh()
	})
}

// Stop asynchronously stops the reconciler.
func (nd *Node) Stop() {
	nd.cancel()
	nd.enqueue(func() {
		if nd.State() == "stopped" {
			return
		}
		nd.finishStopped()
	})
}

func (nd *Node) doRefresh() {
	nd.transition("refresh")

	ni, err := nd.source.NodeInfo(nd.ctx)
	if err != nil {
		if nd.ctx.Err() != nil {
			return // stopping
		}
		logger.Warnf("node %s: refresh failed: %v", nd.uuid, err)
		nd.transition("waiting")
		return
	}

	nics, aggs := nodeinfo.Project(ni)

	seenNICs := map[string]struct{}{}
	for _, p := range nics {
		seenNICs[p.MAC] = struct{}{}
		nic := nd.nics.WatchNIC(p.MAC, nd)
		nic.SetLocal(formatServerNIC(nd.uuid, nd.adminUUID, p))
	}

	seenAggs := map[string]struct{}{}
	for _, p := range aggs {
		id := netapi.AggregationID(nd.uuid, p.Name)
		seenAggs[id] = struct{}{}
		agg := nd.aggs.WatchAggregation(id, nd)
		agg.SetLocal(formatAggregation(nd.uuid, p))
	}

	nd.mu.Lock()
	releasedNICs := diffKeys(nd.knownNICs, seenNICs)
	releasedAggs := diffKeys(nd.knownAggs, seenAggs)
	nd.knownNICs = seenNICs
	nd.knownAggs = seenAggs
	nd.mu.Unlock()

	for _, mac := range releasedNICs {
		nd.nics.ReleaseNIC(mac, nd)
	}
	for _, id := range releasedAggs {
		nd.aggs.ReleaseAggregation(id, nd)
	}

	nd.transition("waiting")
}

// diffKeys returns the keys present in prev but absent from cur.
func diffKeys(prev, cur map[string]struct{}) []string {
	var out []string
	for k := range prev {
		if _, ok := cur[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

func (nd *Node) finishStopped() {
	nd.transition("stopped")
	nd.scaffold.stop()
	if nd.onStopped != nil {
		nd.onStopped(nd.uuid)
	}
}

// OwnerKind, OwnerUUID, UpdateNIC, RemoveNIC, Reboot, Refresh implement
// reconciler.NICOwner for "server"-owned NICs. A physical or virtual host
// interface has no VM manager to push deltas through; the node reconciler's own
// next refresh pass is what re-asserts its local view, so these calls just log
// and accept.
func (nd *Node) OwnerKind() string { return "server" }

func (nd *Node) OwnerUUID() string { return nd.uuid }

func (nd *Node) UpdateNIC(ctx context.Context, mac string, delta map[string]interface{}) error {
	logger.Debugf("node %s: remote requested update on server-owned NIC %s: %v (no-op, host interfaces are not reconfigured from NetAPI)", nd.uuid, mac, delta)
	return nil
}

func (nd *Node) RemoveNIC(ctx context.Context, mac string) error {
	logger.Debugf("node %s: remote requested remove on server-owned NIC %s (no-op)", nd.uuid, mac)
	return nil
}

func (nd *Node) Reboot(ctx context.Context) error {
	return nil // the node reconciler never reboots its own host
}

// formatServerNIC is the node reconciler's local-view projection for one
// physical or virtual host interface.
func formatServerNIC(nodeUUID, adminUUID string, p nodeinfo.NICProjection) map[string]interface{} {
	return map[string]interface{}{
		"belongs_to_type": "server",
		"belongs_to_uuid": nodeUUID,
		"owner_uuid":      adminUUID,
		"state":           "running",
		"cn_uuid":         nodeUUID,
		"nic_tag":         p.NicTag,
		"vlan_id":         p.VLANID,
	}
}

// formatAggregation is the node reconciler's local-view projection for one
// link aggregation.
func formatAggregation(nodeUUID string, p nodeinfo.AggregationProjection) map[string]interface{} {
	return map[string]interface{}{
		"belongs_to_uuid":   nodeUUID,
		"macs":              p.MACs,
		"lacp_mode":         p.LACPMode,
		"nic_tags_provided": p.NicTagsProvided,
	}
}
