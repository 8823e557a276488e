package reconciler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver"
	"github.com/avast/retry-go/v3"
	"github.com/joyent-sdc/net-agent/debounce"
	"github.com/joyent-sdc/net-agent/logger"
	"github.com/joyent-sdc/net-agent/metrics"
	"github.com/joyent-sdc/net-agent/netapi"
)

// minDriverVersion names the lowest driver version this agent will trust
// enough to push remote-reported config down onto the local entity, keyed
// by NIC model family (see DESIGN.md for why this gate exists).
var minDriverVersion = map[string]string{
	"virtio": "1.0.0",
	"e1000":  "0.9.0",
}

// modelCompatible reports whether model (e.g. "virtio-1.2.0") meets its
// family's minimum driver version. A model with no recognized family or
// no parseable version token is treated as compatible; the gate is
// strictly additive and never blocks an otherwise-unknown model.
func modelCompatible(model string) bool {
	family, verStr, ok := strings.Cut(model, "-")
	if !ok {
		return true
	}
	min, known := minDriverVersion[family]
	if !known {
		return true
	}
	v, err := semver.NewVersion(verStr)
	if err != nil {
		logger.Warnf("nic: model %q: version token does not parse as semver, skipping compatibility gate", model)
		return true
	}
	minV, err := semver.NewVersion(min)
	if err != nil {
		return true
	}
	return !v.LessThan(minV)
}

const nicPeriodicRefresh = time.Hour

// NICClient is the subset of *netapi.Client the NIC reconciler calls.
type NICClient interface {
	GetNIC(ctx context.Context, mac string) (netapi.NIC, string, error)
	CreateNIC(ctx context.Context, nic netapi.NIC) (netapi.NIC, string, error)
	UpdateNIC(ctx context.Context, mac string, partial map[string]interface{}) (netapi.NIC, string, error)
	DeleteNIC(ctx context.Context, mac, etag string) error
}

// NetworkWatcher resolves and releases network-reconciler subscriptions on
// behalf of a NIC reconciler. The agent registry is the only implementation.
type NetworkWatcher interface {
	WatchNetwork(uuid string, sub NetworkSubscriber) *Network
	ReleaseNetwork(uuid string, sub NetworkSubscriber)
}

// NICConfig bundles a NIC reconciler's collaborators.
type NICConfig struct {
	Client         NICClient
	OwnerLookup    OwnerLookup
	NetworkWatcher NetworkWatcher
	AdminUUID      string
	OnStopped      func(mac string)
}

var nicTable = NewTable(
	[2]string{"init", "refresh"},
	[2]string{"refresh", "refresh"},
	[2]string{"refresh", "create"},
	[2]string{"refresh", "remove"},
	[2]string{"refresh", "update"},
	[2]string{"refresh", "release"},
	[2]string{"refresh", "stopped"},
	[2]string{"create", "waiting"},
	[2]string{"create", "update"},
	[2]string{"create", "create"},
	[2]string{"create", "release"},
	[2]string{"create", "stopped"},
	[2]string{"update", "waiting"},
	[2]string{"update", "update.napi"},
	[2]string{"update", "remove"},
	[2]string{"update", "update.local"},
	[2]string{"update", "release"},
	[2]string{"update", "stopped"},
	[2]string{"update.local", "update.napi"},
	[2]string{"update.local", "update.local"},
	[2]string{"update.local", "waiting"},
	[2]string{"update.local", "release"},
	[2]string{"update.local", "stopped"},
	[2]string{"update.napi", "waiting"},
	[2]string{"update.napi", "remove"},
	[2]string{"update.napi", "update"},
	[2]string{"update.napi", "release"},
	[2]string{"update.napi", "stopped"},
	[2]string{"remove", "remove.nic"},
	[2]string{"remove.nic", "remove.nic"},
	[2]string{"remove.nic", "remove.reboot"},
	[2]string{"remove.reboot", "stopped"},
	[2]string{"release", "release.delete"},
	[2]string{"release.delete", "stopped"},
	[2]string{"release.delete", "release.refresh"},
	[2]string{"release.delete", "release.delete"},
	[2]string{"release.delete", "waiting"},
	[2]string{"release.refresh", "release.delete"},
	[2]string{"release.refresh", "release.refresh"},
	[2]string{"release.refresh", "stopped"},
	[2]string{"waiting", "update"},
	[2]string{"waiting", "refresh"},
	[2]string{"waiting", "release"},
	[2]string{"waiting", "stopped"},
	[2]string{"init", "stopped"},
)

// NIC is the NIC reconciler: the bidirectional per-NIC convergence engine.
// Every active pass ("drive") runs synchronously inside the reconciler's own
// goroutine, chaining through states the way a single-threaded cooperative
// scheduler would; retries block that goroutine, which is safe because no other
// reconciler shares it.
type NIC struct {
	*scaffold
	mac string

	client         NICClient
	ownerLookup    OwnerLookup
	networkWatcher NetworkWatcher
	adminUUID      string
	onStopped      func(mac string)

	ctx    context.Context
	cancel context.CancelFunc

	setChannel *debounce.Channel

	mu               sync.Mutex
	local            map[string]interface{}
	remote           map[string]interface{}
	haveRemote       bool
	etag             string
	released         string
	releaseRequested bool
	boundNetwork     string

	// scratch state for the current remove cascade; only ever touched from
	// this reconciler's own goroutine.
	pendingRemoveOwner     NICOwner
	pendingRemoveOwnerKind string
}

// NewNIC constructs a NIC reconciler and starts its goroutine, entering
// init -> refresh immediately.
func NewNIC(mac string, cfg NICConfig) *NIC {
	ctx, cancel := context.WithCancel(context.Background())
	r := &NIC{
		scaffold:       newScaffold("nic", nicTable, nicPeriodicRefresh),
		mac:            mac,
		client:         cfg.Client,
		ownerLookup:    cfg.OwnerLookup,
		networkWatcher: cfg.NetworkWatcher,
		adminUUID:      cfg.AdminUUID,
		onStopped:      cfg.OnStopped,
		ctx:            ctx,
		cancel:         cancel,
		setChannel:     debounce.New("nic-"+mac+"-set", 0),
	}
	go r.loop()
	go r.forwardSetEmits()
	r.enqueue(func() { r.drive("refresh") })
	return r
}

// MAC returns the NIC's identity.
func (r *NIC) MAC() string { return r.mac }

func (r *NIC) loop() {
	r.run(func() { r.enqueue(func() { r.drive("refresh") }) })
}

func (r *NIC) forwardSetEmits() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.setChannel.C:
			r.enqueue(func() {
				if r.State() == "waiting" {
					r.drive("update")
				}
			})
		}
	}
}

// SetLocal replaces the local view and debounces an 'update' trigger.
func (r *NIC) SetLocal(local map[string]interface{}) {
	r.mu.Lock()
	r.local = CloneMap(local)
	r.mu.Unlock()
	r.setChannel.EmitDelayed()
}

// Refresh requests a GET, ignoring the call if etag equals the etag
// already on file; this is the no-op guard against refresh storms caused
// by a change feed echoing our own write. Pass "" to force a refresh regardless
// of etag.
func (r *NIC) Refresh(etag string) {
	r.mu.Lock()
	cur := r.etag
	r.mu.Unlock()
	if etag != "" && etag == cur {
		return
	}
	r.enqueue(func() {
		if r.State() == "stopped" {
			return
		}
		r.drive("refresh")
	})
}

// ReleaseFrom records that belongsToUUID has released this NIC and fires
// `release`, interrupting any in-flight cascade at its next step boundary.
func (r *NIC) ReleaseFrom(belongsToUUID string) {
	r.mu.Lock()
	r.released = belongsToUUID
	r.releaseRequested = true
	r.mu.Unlock()
	r.enqueue(func() {
		if r.State() == "stopped" {
			return
		}
		if !r.consumeReleaseRequested() {
			return // an in-flight drive() already caught this
		}
		r.drive("release")
	})
}

// NetworkChanged implements NetworkSubscriber: the subscribed network
// fanned out a `changed` signal.
func (r *NIC) NetworkChanged() {
	r.enqueue(func() {
		if r.State() == "waiting" {
			r.drive("refresh")
		}
	})
}

// Stop asynchronously stops the reconciler.
func (r *NIC) Stop() {
	r.cancel()
	r.enqueue(func() {
		if r.State() == "stopped" {
			return
		}
		r.finishStopped()
	})
}

// RemoteView returns the last-known remote view and whether one has ever
// been received, for the instance reconciler's "every owned NIC has a
// non-null remote" gate.
func (r *NIC) RemoteView() (map[string]interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return CloneMap(r.remote), r.haveRemote
}

func (r *NIC) getLocal() (map[string]interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return CloneMap(r.local), r.local != nil
}

func (r *NIC) getRemote() (map[string]interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return CloneMap(r.remote), r.haveRemote
}

func (r *NIC) consumeReleaseRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.releaseRequested {
		r.releaseRequested = false
		return true
	}
	return false
}

// drive runs the state machine synchronously from start until it parks in
// `waiting`, terminates in `stopped`, or a blocking call observes ctx
// cancellation (returned as "", in which case Stop's own enqueued closure
// performs the final transition).
func (r *NIC) drive(start string) {
	state := start
	for {
		next := r.step(state)
		if next != "" && next != "release" && next != "stopped" && !isReleaseState(state) {
			if r.consumeReleaseRequested() {
				next = "release"
			}
		}
		switch next {
		case "":
			return
		case "waiting":
			r.transition("waiting")
			return
		case "stopped":
			r.finishStopped()
			return
		default:
			state = next
		}
	}
}

func isReleaseState(s string) bool {
	switch s {
	case "release", "release.delete", "release.refresh":
		return true
	default:
		return false
	}
}

func (r *NIC) step(name string) string {
	switch name {
	case "refresh":
		return r.stepRefresh()
	case "create":
		return r.stepCreate()
	case "update":
		return r.stepUpdate()
	case "update.local":
		return r.stepUpdateLocal()
	case "update.napi":
		return r.stepUpdateNapi()
	case "remove":
		return r.stepRemove()
	case "remove.nic":
		return r.stepRemoveNic()
	case "remove.reboot":
		return r.stepRemoveReboot()
	case "release":
		return r.stepRelease()
	case "release.delete":
		return r.stepReleaseDelete()
	case "release.refresh":
		return r.stepReleaseRefresh()
	default:
		panic("nic: unknown state " + name)
	}
}

// transportRetry is the package's standard 5s fixed-delay retry for a
// single NetAPI call, bounded by ctx so Stop unwinds it promptly. kind and
// operation label the retries this call generates in metrics.RetryAttempts.
func transportRetry(ctx context.Context, kind, operation string, fn func() error) error {
	return retry.Do(fn, retry.Context(ctx), retry.Attempts(0), retry.Delay(5*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool { return netapi.IsTransport(err) }),
		retry.OnRetry(func(n uint, err error) { metrics.ObserveRetryAttempt(kind, operation) }))
}

func (r *NIC) stepRefresh() string {
	r.transition("refresh")
	_, hadRemote := r.getRemote()

	var nic netapi.NIC
	var etag string
	err := transportRetry(r.ctx, "nic", "refresh", func() error {
		var getErr error
		nic, etag, getErr = r.client.GetNIC(r.ctx, r.mac)
		return getErr
	})
	if err != nil {
		if netapi.IsNotFound(err) {
			if hadRemote {
				return "remove"
			}
			return "create"
		}
		return "" // ctx canceled (stopping)
	}

	r.storeRemote(nic, etag)
	return "update"
}

func (r *NIC) stepCreate() string {
	r.transition("create")
	local, ok := r.getLocal()
	if !ok {
		return "waiting"
	}

	var built netapi.NIC
	FromMap(local, &built)
	built.MAC = r.mac

	var out netapi.NIC
	var etag string
	err := transportRetry(r.ctx, "nic", "create", func() error {
		var postErr error
		out, etag, postErr = r.client.CreateNIC(r.ctx, built)
		return postErr
	})
	if err != nil {
		return "" // ctx canceled
	}

	r.storeRemote(out, etag)
	return "update"
}

func (r *NIC) stepUpdate() string {
	r.transition("update")
	local, hasLocal := r.getLocal()
	if !hasLocal {
		return "waiting"
	}
	remote, _ := r.getRemote()

	belongsType, _ := remote["belongs_to_type"].(string)
	belongsUUID, _ := remote["belongs_to_uuid"].(string)
	localType, _ := local["belongs_to_type"].(string)

	if belongsType == "other" && belongsUUID == r.adminUUID && localType == "server" {
		return "update.napi" // claim the NIC
	}
	if local["belongs_to_uuid"] != remote["belongs_to_uuid"] {
		return "remove"
	}
	return "update.local"
}

func (r *NIC) stepUpdateLocal() string {
	r.transition("update.local")
	local, _ := r.getLocal()
	remote, _ := r.getRemote()

	if model, _ := remote["model"].(string); model != "" && !modelCompatible(model) {
		logger.Warnf("nic %s: remote model %q below minimum supported driver version, skipping this pass", r.mac, model)
		return "waiting"
	}

	locupdate := Diff(RemoteFields, remote, local)
	vmFieldsChanged := len(Diff(VMFields, remote, local)) > 0

	if len(locupdate) == 0 && !vmFieldsChanged {
		return "update.napi"
	}

	belongsType, _ := local["belongs_to_type"].(string)
	owner, found := r.resolveOwner(belongsType, local)
	if !found {
		logger.Warnf("nic %s: update.local: no owner for belongs_to_type=%q, waiting", r.mac, belongsType)
		return "waiting"
	}

	if len(locupdate) == 0 {
		owner.Refresh()
		return "update.napi"
	}

	if err := owner.UpdateNIC(r.ctx, r.mac, locupdate); err != nil {
		logger.Warnf("nic %s: owner.UpdateNIC failed: %v", r.mac, err)
		select {
		case <-r.ctx.Done():
			return ""
		case <-time.After(5 * time.Second):
		}
		return "update.local"
	}
	return "update.napi"
}

// resolveOwner maps a NIC's declared owner to a live NICOwner: "zone" resolves
// to the instance reconciler, "server" to the node reconciler after validating
// belongs_to_uuid is this node, anything else warns and reports not-found.
func (r *NIC) resolveOwner(belongsType string, local map[string]interface{}) (NICOwner, bool) {
	belongsUUID, _ := local["belongs_to_uuid"].(string)
	switch belongsType {
	case "zone":
		return r.ownerLookup(belongsType, belongsUUID)
	case "server":
		owner, ok := r.ownerLookup(belongsType, belongsUUID)
		if !ok || owner.OwnerUUID() != belongsUUID {
			return nil, false
		}
		return owner, true
	default:
		return nil, false
	}
}

func (r *NIC) stepUpdateNapi() string {
	r.transition("update.napi")
	local, _ := r.getLocal()
	remote, _ := r.getRemote()

	remupdate := Diff(LocalFields, local, remote)
	if v, ok := remupdate["primary"]; ok {
		if b, isBool := v.(bool); isBool && !b {
			delete(remupdate, "primary") // never write primary:false
		}
	}

	if len(remupdate) == 0 {
		return "waiting"
	}

	var out netapi.NIC
	var etag string
	err := transportRetry(r.ctx, "nic", "update.napi", func() error {
		var putErr error
		out, etag, putErr = r.client.UpdateNIC(r.ctx, r.mac, remupdate)
		return putErr
	})
	if err != nil {
		if netapi.IsNotFound(err) {
			return "remove"
		}
		return "" // ctx canceled
	}

	r.storeRemote(out, etag)
	return "update" // re-entry: propagate server truth back down in one pass
}

func (r *NIC) stepRemove() string {
	r.transition("remove")
	return "remove.nic"
}

func (r *NIC) stepRemoveNic() string {
	r.transition("remove.nic")
	local, _ := r.getLocal()
	belongsType, _ := local["belongs_to_type"].(string)
	owner, found := r.resolveOwner(belongsType, local)
	if !found {
		logger.Warnf("nic %s: remove: no owner for belongs_to_type=%q", r.mac, belongsType)
		r.pendingRemoveOwner = nil
		r.pendingRemoveOwnerKind = ""
		return "remove.reboot"
	}

	err := retry.Do(func() error {
		return owner.RemoveNIC(r.ctx, r.mac)
	}, retry.Context(r.ctx), retry.Attempts(0), retry.Delay(5*time.Second), retry.DelayType(retry.FixedDelay),
		retry.OnRetry(func(n uint, err error) { metrics.ObserveRetryAttempt("nic", "remove.nic") }))
	if err != nil {
		return "" // ctx canceled
	}

	r.pendingRemoveOwner = owner
	r.pendingRemoveOwnerKind = owner.OwnerKind()
	return "remove.reboot"
}

func (r *NIC) stepRemoveReboot() string {
	r.transition("remove.reboot")
	if r.pendingRemoveOwnerKind == "zone" && r.pendingRemoveOwner != nil {
		if err := r.pendingRemoveOwner.Reboot(r.ctx); err != nil {
			logger.Warnf("nic %s: reboot after remove failed: %v", r.mac, err)
		}
	}
	r.pendingRemoveOwner = nil
	r.pendingRemoveOwnerKind = ""
	return "stopped"
}

func (r *NIC) stepRelease() string {
	r.transition("release")
	return "release.delete"
}

// stepReleaseDelete implements the four independent skip conditions of
// release.delete in the order: no remote, owner mismatch, bad state, no etag
// (decided in DESIGN.md Open Questions; all four are skip conditions for the
// same DELETE, so evaluation order has no observable effect since the no-remote
// check must run first to avoid dereferencing a nil remote view).
func (r *NIC) stepReleaseDelete() string {
	r.transition("release.delete")
	remote, hasRemote := r.getRemote()
	r.mu.Lock()
	released := r.released
	etag := r.etag
	r.mu.Unlock()

	if !hasRemote {
		return "waiting"
	}
	belongsUUID, _ := remote["belongs_to_uuid"].(string)
	if released != belongsUUID {
		return "waiting"
	}
	state, _ := remote["state"].(string)
	if state != "running" && state != "stopped" {
		return "waiting"
	}
	if etag == "" {
		return "waiting"
	}

	err := transportRetry(r.ctx, "nic", "release.delete", func() error {
		return r.client.DeleteNIC(r.ctx, r.mac, etag)
	})
	if err != nil {
		if netapi.IsNotFound(err) {
			return "stopped"
		}
		if netapi.IsConflict(err) {
			return "release.refresh"
		}
		return "" // ctx canceled
	}
	return "stopped"
}

func (r *NIC) stepReleaseRefresh() string {
	r.transition("release.refresh")
	var nic netapi.NIC
	var etag string
	err := transportRetry(r.ctx, "nic", "release.refresh", func() error {
		var getErr error
		nic, etag, getErr = r.client.GetNIC(r.ctx, r.mac)
		return getErr
	})
	if err != nil {
		if netapi.IsNotFound(err) {
			return "stopped"
		}
		return "" // ctx canceled
	}
	r.storeRemote(nic, etag)
	return "release.delete"
}

// storeRemote replaces the remote view and etag, and rebinds the network
// subscription if network_uuid changed.
func (r *NIC) storeRemote(nic netapi.NIC, etag string) {
	newView := ToMap(nic)
	r.mu.Lock()
	r.remote = newView
	r.haveRemote = true
	r.etag = etag
	oldNetwork := r.boundNetwork
	r.mu.Unlock()

	if nic.NetworkUUID != oldNetwork {
		r.rebindNetwork(oldNetwork, nic.NetworkUUID)
	}
}

func (r *NIC) rebindNetwork(oldUUID, newUUID string) {
	if r.networkWatcher == nil {
		return
	}
	if oldUUID != "" {
		r.networkWatcher.ReleaseNetwork(oldUUID, r)
	}
	if newUUID != "" {
		r.networkWatcher.WatchNetwork(newUUID, r)
	}
	r.mu.Lock()
	r.boundNetwork = newUUID
	r.mu.Unlock()
}

func (r *NIC) finishStopped() {
	r.transition("stopped")
	r.mu.Lock()
	oldNetwork := r.boundNetwork
	r.local = nil
	r.remote = nil
	r.haveRemote = false
	r.etag = ""
	r.boundNetwork = ""
	r.mu.Unlock()

	if oldNetwork != "" && r.networkWatcher != nil {
		r.networkWatcher.ReleaseNetwork(oldNetwork, r)
	}
	r.setChannel.Stop()
	r.scaffold.stop()
	if r.onStopped != nil {
		r.onStopped(r.mac)
	}
}
