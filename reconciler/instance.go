package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/joyent-sdc/net-agent/debounce"
	"github.com/joyent-sdc/net-agent/logger"
	"github.com/joyent-sdc/net-agent/vmmanager"
)

// VMManagerClient is the subset of vmmanager.Manager the instance
// reconciler calls.
type VMManagerClient interface {
	Update(ctx context.Context, req vmmanager.UpdateRequest) error
	Reboot(ctx context.Context, uuid string) error
}

// NICRegistry resolves and releases NIC-reconciler references on behalf of
// an owning entity. The `referencer` value is whatever the caller passes, used
// only as a map key to count references.
type NICRegistry interface {
	WatchNIC(mac string, referencer interface{}) *NIC
	ReleaseNIC(mac string, referencer interface{})
}

// AgentRefresher lets an instance reconciler ask for an agent-level
// refresh after a VM manager call fails or after add/update/remove/reboot VM
// manager calls succeed.
type AgentRefresher interface {
	RequestRefresh()
}

var instanceTable = NewTable(
	[2]string{"init", "waiting"},
	[2]string{"waiting", "update"},
	[2]string{"update", "update.wait"},
	[2]string{"update.wait", "update.vm"},
	[2]string{"update.vm", "waiting"},
	[2]string{"waiting", "remove"},
	[2]string{"update", "remove"},
	[2]string{"update.wait", "remove"},
	[2]string{"update.vm", "remove"},
	[2]string{"init", "remove"},
)

// Instance is the per-VM reconciler: owns a MAC -> NIC reconciler reference map
// and a cached snapshot of the VM fields it cares about, and is responsible for
// pushing the VM's target routes/resolvers (the union across its NICs' remotes)
// back to the VM manager whenever they diverge.
type Instance struct {
	*scaffold
	nodeUUID  string
	vmManager VMManagerClient
	nics      NICRegistry
	refresher AgentRefresher

	ctx    context.Context
	cancel context.CancelFunc

	debounceCh *debounce.Channel

	mu     sync.Mutex
	vm     vmmanager.VM
	haveVM bool
	owned  map[string]*NIC

	onRemoved func(uuid string)
}

// NewInstance constructs an Instance reconciler for vm and immediately
// applies the first snapshot.
func NewInstance(vm vmmanager.VM, nodeUUID string, vmManager VMManagerClient, nics NICRegistry, refresher AgentRefresher, onRemoved func(string)) *Instance {
	ctx, cancel := context.WithCancel(context.Background())
	inst := &Instance{
		scaffold:   newScaffold("instance", instanceTable, 0),
		nodeUUID:   nodeUUID,
		vmManager:  vmManager,
		nics:       nics,
		refresher:  refresher,
		debounceCh: debounce.New("instance-"+vm.UUID+"-update", 0),
		owned:      map[string]*NIC{},
		ctx:        ctx,
		cancel:     cancel,
		onRemoved:  onRemoved,
	}
	inst.transition("waiting")
	go inst.loop()
	go inst.forwardUpdateEmits()
	inst.Update(vm)
	return inst
}

func (i *Instance) loop() {
	i.run(func() {}) // no periodic timer: instance reconciliation is purely VM-event-driven
}

func (i *Instance) forwardUpdateEmits() {
	for {
		select {
		case <-i.ctx.Done():
			return
		case <-i.debounceCh.C:
			i.enqueue(func() {
				if i.State() == "waiting" {
					i.drive("update")
				}
			})
		}
	}
}

// UUID returns the VM's identity.
func (i *Instance) UUID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.vm.UUID
}

// Update replaces the cached VM snapshot, diffs the NIC set against the
// previous snapshot, obtains/releases NIC reconciler references
// accordingly, pushes the projected local view onto every still-owned
// NIC, and debounces an `updateAsserted` on itself.
func (i *Instance) Update(vm vmmanager.VM) {
	i.mu.Lock()
	i.vm = vm
	i.haveVM = true
	i.mu.Unlock()

	newMACs := map[string]struct{}{}
	for _, n := range vm.NICs {
		newMACs[n.MAC] = struct{}{}

		i.mu.Lock()
		nic, known := i.owned[n.MAC]
		i.mu.Unlock()
		if !known {
			nic = i.nics.WatchNIC(n.MAC, i)
			i.mu.Lock()
			i.owned[n.MAC] = nic
			i.mu.Unlock()
		}
		nic.SetLocal(formatNIC(vm, n, i.nodeUUID))
	}

	var released []string
	i.mu.Lock()
	for mac := range i.owned {
		if _, still := newMACs[mac]; !still {
			released = append(released, mac)
		}
	}
	for _, mac := range released {
		delete(i.owned, mac)
	}
	i.mu.Unlock()

	for _, mac := range released {
		i.nics.ReleaseNIC(mac, i)
	}

	i.debounceCh.EmitDelayed()
}

// Remove tears the instance reconciler down: every owned NIC reference is
// released, and the agent registry is told to drop this instance.
func (i *Instance) Remove() {
	i.cancel()
	i.enqueue(func() {
		if i.State() == "remove" {
			return
		}
		i.transition("remove")
		i.mu.Lock()
		macs := make([]string, 0, len(i.owned))
		for mac := range i.owned {
			macs = append(macs, mac)
		}
		i.owned = map[string]*NIC{}
		i.mu.Unlock()
		for _, mac := range macs {
			i.nics.ReleaseNIC(mac, i)
		}
		i.debounceCh.Stop()
		i.scaffold.stop()
		if i.onRemoved != nil {
			i.onRemoved(i.UUID())
		}
	})
}

func (i *Instance) drive(start string) {
	state := start
	for {
		next := i.step(state)
		switch next {
		case "", "remove":
			return
		case "waiting":
			i.transition("waiting")
			return
		default:
			state = next
		}
	}
}

func (i *Instance) step(name string) string {
	switch name {
	case "update":
		return i.stepUpdate()
	case "update.wait":
		return i.stepUpdateWait()
	case "update.vm":
		return i.stepUpdateVM()
	default:
		panic("instance: unknown state " + name)
	}
}

func (i *Instance) stepUpdate() string {
	i.transition("update")
	return "update.wait"
}

// stepUpdateWait blocks until every owned NIC has a non-null remote, so
// the target routes/resolvers the NICs advertise are knowable.
func (i *Instance) stepUpdateWait() string {
	i.transition("update.wait")
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if i.allOwnedNICsHaveRemote() {
			return "update.vm"
		}
		select {
		case <-i.ctx.Done():
			return ""
		case <-ticker.C:
		}
	}
}

func (i *Instance) allOwnedNICsHaveRemote() bool {
	i.mu.Lock()
	nics := make([]*NIC, 0, len(i.owned))
	for _, n := range i.owned {
		nics = append(nics, n)
	}
	i.mu.Unlock()

	for _, n := range nics {
		if _, ok := n.RemoteView(); !ok {
			return false
		}
	}
	return true
}

// stepUpdateVM computes the union of routes/resolvers across owned NICs'
// remotes, diffs it against the VM's current routes/resolvers, and calls
// the VM manager to apply the difference.
func (i *Instance) stepUpdateVM() string {
	i.transition("update.vm")

	targetResolvers, targetRoutes := i.computeTargets()

	i.mu.Lock()
	curResolvers := i.vm.Resolvers
	curRoutes := i.vm.Routes
	uuid := i.vm.UUID
	i.mu.Unlock()

	setRoutes := map[string]string{}
	var removeRoutes []string
	for k, v := range targetRoutes {
		if cv, ok := curRoutes[k]; !ok || cv != v {
			setRoutes[k] = v
		}
	}
	for k := range curRoutes {
		if _, ok := targetRoutes[k]; !ok {
			removeRoutes = append(removeRoutes, k)
		}
	}
	resolversChanged := !stringSlicesEqual(curResolvers, targetResolvers)

	if len(setRoutes) == 0 && len(removeRoutes) == 0 && !resolversChanged {
		return "waiting"
	}

	req := vmmanager.UpdateRequest{UUID: uuid, Log: true}
	if len(setRoutes) > 0 {
		req.SetRoutes = setRoutes
	}
	if len(removeRoutes) > 0 {
		req.RemoveRoutes = removeRoutes
	}
	if resolversChanged {
		req.Resolvers = targetResolvers
	}

	if err := i.vmManager.Update(i.ctx, req); err != nil {
		logger.Warnf("instance %s: vm manager update failed: %v", uuid, err)
		i.Refresh()
		return "waiting"
	}

	i.mu.Lock()
	i.vm.Resolvers = targetResolvers
	i.vm.Routes = targetRoutes
	i.mu.Unlock()
	return "waiting"
}

func (i *Instance) computeTargets() ([]string, map[string]string) {
	i.mu.Lock()
	nics := make([]*NIC, 0, len(i.owned))
	for _, n := range i.owned {
		nics = append(nics, n)
	}
	i.mu.Unlock()

	seen := map[string]struct{}{}
	var resolvers []string
	routes := map[string]string{}

	for _, n := range nics {
		remote, ok := n.RemoteView()
		if !ok {
			continue
		}
		if rs, ok := remote["resolvers"].([]interface{}); ok {
			for _, r := range rs {
				if s, ok := r.(string); ok {
					if _, dup := seen[s]; !dup {
						seen[s] = struct{}{}
						resolvers = append(resolvers, s)
					}
				}
			}
		}
		if rt, ok := remote["routes"].(map[string]interface{}); ok {
			for k, v := range rt {
				if s, ok := v.(string); ok {
					routes[k] = s
				}
			}
		}
	}
	return resolvers, routes
}

// OwnerKind, OwnerUUID, UpdateNIC, RemoveNIC, Reboot, Refresh implement
// reconciler.NICOwner.
func (i *Instance) OwnerKind() string { return "zone" }

func (i *Instance) OwnerUUID() string { return i.UUID() }

func (i *Instance) UpdateNIC(ctx context.Context, mac string, delta map[string]interface{}) error {
	req := vmmanager.UpdateRequest{
		UUID:       i.UUID(),
		UpdateNICs: map[string]map[string]interface{}{mac: delta},
		Log:        true,
	}
	if err := i.vmManager.Update(ctx, req); err != nil {
		return err
	}
	i.Refresh()
	return nil
}

func (i *Instance) RemoveNIC(ctx context.Context, mac string) error {
	req := vmmanager.UpdateRequest{UUID: i.UUID(), RemoveNICs: []string{mac}, Log: true}
	if err := i.vmManager.Update(ctx, req); err != nil {
		return err
	}
	i.Refresh()
	return nil
}

func (i *Instance) Reboot(ctx context.Context) error {
	err := i.vmManager.Reboot(ctx, i.UUID())
	i.Refresh()
	return err
}

// Refresh asks the agent root for a fresh VM lookup.
func (i *Instance) Refresh() {
	if i.refresher != nil {
		i.refresher.RequestRefresh()
	}
}

// formatNIC is the _fmt_nic projection: the local view an instance reconciler
// pushes onto one of its owned NIC reconcilers.
func formatNIC(vm vmmanager.VM, n vmmanager.NIC, nodeUUID string) map[string]interface{} {
	return map[string]interface{}{
		"belongs_to_type": "zone",
		"belongs_to_uuid": vm.UUID,
		"owner_uuid":      vm.OwnerUUID,
		"state":           formatState(vm.State),
		"cn_uuid":         nodeUUID,

		"allow_dhcp_spoofing":      n.AllowDHCPSpoofing,
		"allow_ip_spoofing":        n.AllowIPSpoofing,
		"allow_mac_spoofing":       n.AllowMACSpoofing,
		"allow_restricted_traffic": n.AllowRestrictedTraffic,
		"allow_unfiltered_promisc": n.AllowUnfilteredPromisc,
		"gateway":                  n.Gateway,
		"model":                    n.Model,
		"mtu":                      n.MTU,
		"netmask":                  n.Netmask,
		"network_uuid":             n.NetworkUUID,
		"nic_tag":                  n.NicTag,
		"primary":                  n.Primary,
		"ip":                       n.IP,
		"vlan_id":                  n.VLANID,
	}
}

// formatState is `_fmtstate`: transitional VM states (provisioning,
// stopping,...) coerce to "stopped"; only "running" maps to "running".
func formatState(state string) string {
	if state == "running" {
		return "running"
	}
	return "stopped"
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := map[string]int{}
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		seen[s]--
	}
	for _, c := range seen {
		if c != 0 {
			return false
		}
	}
	return true
}
