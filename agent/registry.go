// Package agent is the agent root: the entity registry (MAC/UUID/name ->
// reconciler), the top-level state machine, and the /status and /healthz HTTP
// server. Modeled on restserver.go (a service struct owning sub-clients plus
// state) and common/listener.go (HTTP listener setup).
package agent

import (
	"sync"

	"github.com/joyent-sdc/net-agent/reconciler"
	"github.com/joyent-sdc/net-agent/vmmanager"
)

// NetAPIClient is the full set of NetAPI calls the registry's reconcilers
// need; a *netapi.Client satisfies it directly.
type NetAPIClient interface {
	reconciler.NICClient
	reconciler.NetworkClient
	reconciler.AggregationClient
}

type nicEntry struct {
	nic  *reconciler.NIC
	refs map[interface{}]struct{}
}

type networkEntry struct {
	network *reconciler.Network
	refs    map[interface{}]struct{}
}

type aggEntry struct {
	agg  *reconciler.Aggregation
	refs map[interface{}]struct{}
}

// Registry is the agent's memoize-or-create owner for every per-entity
// reconciler. It satisfies reconciler.NICRegistry, reconciler.NetworkWatcher,
// reconciler.AggregationRegistry, and reconciler.OwnerLookup (via lookupOwner),
// so the reconciler package never needs to know the registry exists as a
// concrete type.
type Registry struct {
	client    NetAPIClient
	adminUUID string

	mu           sync.Mutex
	nics         map[string]*nicEntry
	networks     map[string]*networkEntry
	aggregations map[string]*aggEntry
	instances    map[string]*reconciler.Instance
	node         *reconciler.Node
}

// NewRegistry constructs an empty Registry.
func NewRegistry(client NetAPIClient, adminUUID string) *Registry {
	return &Registry{
		client:       client,
		adminUUID:    adminUUID,
		nics:         map[string]*nicEntry{},
		networks:     map[string]*networkEntry{},
		aggregations: map[string]*aggEntry{},
		instances:    map[string]*reconciler.Instance{},
	}
}

// SetNode records the node reconciler singleton, so lookupOwner can
// resolve "server"-owned NICs.
func (r *Registry) SetNode(n *reconciler.Node) {
	r.mu.Lock()
	r.node = n
	r.mu.Unlock()
}

// WatchNIC implements reconciler.NICRegistry and reconciler.NetworkWatcher's
// sibling contract for NIC ownership: get-or-create the NIC reconciler for
// mac and record referencer's interest in keeping it alive.
func (r *Registry) WatchNIC(mac string, referencer interface{}) *reconciler.NIC {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.nics[mac]
	if !ok {
		nic := reconciler.NewNIC(mac, reconciler.NICConfig{
			Client:         r.client,
			OwnerLookup:    r.lookupOwner,
			NetworkWatcher: r,
			AdminUUID:      r.adminUUID,
			OnStopped:      r.nicStopped,
		})
		e = &nicEntry{nic: nic, refs: map[interface{}]struct{}{}}
		r.nics[mac] = e
	}
	e.refs[referencer] = struct{}{}
	return e.nic
}

// ReleaseNIC implements reconciler.NICRegistry: referencer no longer needs
// mac kept alive. Reference-counted per §9: release_from only fires once
// the last referencer has dropped off, since that is the one assertion of
// abandonment the NIC reconciler should act on. If referencer exposes
// OwnerUUID() (every NICOwner does), that UUID is asserted via release_from
// so the NIC reconciler can decide whether it is really abandoned.
func (r *Registry) ReleaseNIC(mac string, referencer interface{}) {
	r.mu.Lock()
	e, ok := r.nics[mac]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(e.refs, referencer)
	empty := len(e.refs) == 0
	r.mu.Unlock()

	if !empty {
		return
	}
	if owner, ok := referencer.(interface{ OwnerUUID() string }); ok {
		e.nic.ReleaseFrom(owner.OwnerUUID())
	}
}

func (r *Registry) nicStopped(mac string) {
	r.mu.Lock()
	delete(r.nics, mac)
	r.mu.Unlock()
}

// WatchNetwork implements reconciler.NetworkWatcher: get-or-create the
// network reconciler for uuid and subscribe sub to its `changed` signal.
func (r *Registry) WatchNetwork(uuid string, sub reconciler.NetworkSubscriber) *reconciler.Network {
	r.mu.Lock()
	e, ok := r.networks[uuid]
	if !ok {
		net := reconciler.NewNetwork(uuid, r.client, r.networkStopped)
		e = &networkEntry{network: net, refs: map[interface{}]struct{}{}}
		r.networks[uuid] = e
	}
	e.refs[sub] = struct{}{}
	r.mu.Unlock()

	e.network.Subscribe(sub)
	return e.network
}

// ReleaseNetwork implements reconciler.NetworkWatcher: sub no longer
// subscribes. Once the last subscriber is gone, the network reconciler is
// stopped.
func (r *Registry) ReleaseNetwork(uuid string, sub reconciler.NetworkSubscriber) {
	r.mu.Lock()
	e, ok := r.networks[uuid]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(e.refs, sub)
	empty := len(e.refs) == 0
	r.mu.Unlock()

	e.network.Unsubscribe(sub)
	if empty {
		e.network.Stop()
	}
}

func (r *Registry) networkStopped(uuid string) {
	r.mu.Lock()
	delete(r.networks, uuid)
	r.mu.Unlock()
}

// WatchAggregation implements reconciler.AggregationRegistry: get-or-create
// the aggregation reconciler for id.
func (r *Registry) WatchAggregation(id string, referencer interface{}) *reconciler.Aggregation {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.aggregations[id]
	if !ok {
		agg := reconciler.NewAggregation(id, r.client, r.aggregationStopped)
		e = &aggEntry{agg: agg, refs: map[interface{}]struct{}{}}
		r.aggregations[id] = e
	}
	e.refs[referencer] = struct{}{}
	return e.agg
}

// ReleaseAggregation implements reconciler.AggregationRegistry. Reference-
// counted the same way as ReleaseNIC: release_from only fires once the last
// referencer is gone.
func (r *Registry) ReleaseAggregation(id string, referencer interface{}) {
	r.mu.Lock()
	e, ok := r.aggregations[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(e.refs, referencer)
	empty := len(e.refs) == 0
	r.mu.Unlock()

	if !empty {
		return
	}
	if owner, ok := referencer.(interface{ OwnerUUID() string }); ok {
		e.agg.ReleaseFrom(owner.OwnerUUID())
	}
}

func (r *Registry) aggregationStopped(id string) {
	r.mu.Lock()
	delete(r.aggregations, id)
	r.mu.Unlock()
}

// lookupOwner implements reconciler.OwnerLookup: "zone" resolves to a tracked
// instance reconciler, "server" to the node reconciler singleton.
func (r *Registry) lookupOwner(belongsToType, belongsToUUID string) (reconciler.NICOwner, bool) {
	switch belongsToType {
	case "zone":
		r.mu.Lock()
		inst, ok := r.instances[belongsToUUID]
		r.mu.Unlock()
		if !ok {
			return nil, false
		}
		return inst, true
	case "server":
		r.mu.Lock()
		nd := r.node
		r.mu.Unlock()
		if nd == nil {
			return nil, false
		}
		return nd, true
	default:
		return nil, false
	}
}

// SyncInstances reconciles the live instance-reconciler set against vms: new
// UUIDs get a fresh instance reconciler, known UUIDs get their cached
// snapshot replaced, and UUIDs no longer present are torn down, mirroring the
// node reconciler's own present/absent diff.
func (r *Registry) SyncInstances(vms []vmmanager.VM, nodeUUID string, vmManager reconciler.VMManagerClient, refresher reconciler.AgentRefresher) {
	seen := map[string]struct{}{}

	r.mu.Lock()
	existing := make(map[string]*reconciler.Instance, len(r.instances))
	for k, v := range r.instances {
		existing[k] = v
	}
	r.mu.Unlock()

	for _, vm := range vms {
		seen[vm.UUID] = struct{}{}
		if inst, ok := existing[vm.UUID]; ok {
			inst.Update(vm)
			continue
		}

		r.mu.Lock()
		inst, ok := r.instances[vm.UUID]
		if !ok {
			inst = reconciler.NewInstance(vm, nodeUUID, vmManager, r, refresher, r.instanceStopped)
			r.instances[vm.UUID] = inst
		}
		r.mu.Unlock()
		_ = inst
	}

	for uuid, inst := range existing {
		if _, ok := seen[uuid]; !ok {
			inst.Remove()
		}
	}
}

func (r *Registry) instanceStopped(uuid string) {
	r.mu.Lock()
	delete(r.instances, uuid)
	r.mu.Unlock()
}
