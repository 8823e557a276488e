package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/joyent-sdc/net-agent/netapi"
)

const aggregationPeriodicRefresh = time.Hour

// AggregationFields are the local-authoritative attributes pushed up to
// NetAPI for a link aggregation.
var AggregationFields = FieldSet{"belongs_to_uuid", "macs", "lacp_mode", "nic_tags_provided"}

// AggregationClient is the subset of *netapi.Client the aggregation
// reconciler calls.
type AggregationClient interface {
	GetAggregation(ctx context.Context, id string) (netapi.Aggregation, string, error)
	CreateAggregation(ctx context.Context, agg netapi.Aggregation) (netapi.Aggregation, string, error)
	UpdateAggregation(ctx context.Context, id string, partial map[string]interface{}) (netapi.Aggregation, string, error)
	DeleteAggregation(ctx context.Context, id, etag string) error
}

var aggregationTable = NewTable(
	[2]string{"init", "refresh"},
	[2]string{"refresh", "refresh"},
	[2]string{"refresh", "create"},
	[2]string{"refresh", "update"},
	[2]string{"refresh", "release"},
	[2]string{"refresh", "stopped"},
	[2]string{"create", "waiting"},
	[2]string{"create", "update"},
	[2]string{"create", "create"},
	[2]string{"create", "release"},
	[2]string{"create", "stopped"},
	[2]string{"update", "waiting"},
	[2]string{"update", "create"},
	[2]string{"update", "release"},
	[2]string{"update", "stopped"},
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

// Aggregation is the aggregation reconciler: the NIC reconciler's narrower
// variant: local push only, no remote-authoritative fields to pull down, and
// no mutation support from the node reconciler (ownership moves never happen
// for aggregations the way they do for NICs, so there is no `remove` state).
type Aggregation struct {
	*scaffold
	id     string
	client AggregationClient

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	local            map[string]interface{}
	remote           map[string]interface{}
	haveRemote       bool
	etag             string
	released         string
	releaseRequested bool

	onStopped func(id string)
}

// NewAggregation constructs an Aggregation reconciler and starts its
// goroutine, entering init -> refresh immediately.
func NewAggregation(id string, client AggregationClient, onStopped func(string)) *Aggregation {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Aggregation{
		scaffold:  newScaffold("aggregation", aggregationTable, aggregationPeriodicRefresh),
		id:        id,
		client:    client,
		ctx:       ctx,
		cancel:    cancel,
		onStopped: onStopped,
	}
	go a.loop()
	a.enqueue(func() { a.drive("refresh") })
	return a
}

func (a *Aggregation) loop() {
	a.run(func() { a.enqueue(func() { a.drive("refresh") }) })
}

// ID returns the aggregation's identity ("<node-uuid>-<name>").
func (a *Aggregation) ID() string { return a.id }

// SetLocal replaces the local view and triggers an update pass.
func (a *Aggregation) SetLocal(local map[string]interface{}) {
	a.mu.Lock()
	a.local = CloneMap(local)
	a.mu.Unlock()
	a.enqueue(func() {
		if a.State() == "waiting" {
			a.drive("update")
		}
	})
}

// ReleaseFrom records that nodeUUID has released this aggregation and
// fires `release`.
func (a *Aggregation) ReleaseFrom(nodeUUID string) {
	a.mu.Lock()
	a.released = nodeUUID
	a.releaseRequested = true
	a.mu.Unlock()
	a.enqueue(func() {
		if a.State() == "stopped" {
			return
		}
		if !a.consumeReleaseRequested() {
			return
		}
		a.drive("release")
	})
}

// Stop asynchronously stops the reconciler.
func (a *Aggregation) Stop() {
	a.cancel()
	a.enqueue(func() {
		if a.State() == "stopped" {
			return
		}
		a.finishStopped()
	})
}

func (a *Aggregation) consumeReleaseRequested() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.releaseRequested {
		a.releaseRequested = false
		return true
	}
	return false
}

func (a *Aggregation) drive(start string) {
	state := start
	for {
		next := a.step(state)
		if next != "" && next != "release" && next != "stopped" && !isReleaseState(state) {
			if a.consumeReleaseRequested() {
				next = "release"
			}
		}
		switch next {
		case "":
			return
		case "waiting":
			a.transition("waiting")
			return
		case "stopped":
			a.finishStopped()
			return
		default:
			state = next
		}
	}
}

func (a *Aggregation) step(name string) string {
	switch name {
	case "refresh":
		return a.stepRefresh()
	case "create":
		return a.stepCreate()
	case "update":
		return a.stepUpdate()
	case "release":
		return a.stepRelease()
	case "release.delete":
		return a.stepReleaseDelete()
	case "release.refresh":
		return a.stepReleaseRefresh()
	default:
		panic("aggregation: unknown state " + name)
	}
}

func (a *Aggregation) getLocal() (map[string]interface{}, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return CloneMap(a.local), a.local != nil
}

func (a *Aggregation) getRemote() (map[string]interface{}, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return CloneMap(a.remote), a.haveRemote
}

func (a *Aggregation) stepRefresh() string {
	a.transition("refresh")
	var agg netapi.Aggregation
	var etag string
	err := transportRetry(a.ctx, "aggregation", "refresh", func() error {
		var getErr error
		agg, etag, getErr = a.client.GetAggregation(a.ctx, a.id)
		return getErr
	})
	if err != nil {
		if netapi.IsNotFound(err) {
			return "create" // a node reconciler keeps asserting local state, so re-create
		}
		return ""
	}
	a.storeRemote(agg, etag)
	return "update"
}

func (a *Aggregation) stepCreate() string {
	a.transition("create")
	local, ok := a.getLocal()
	if !ok {
		return "waiting"
	}
	var built netapi.Aggregation
	FromMap(local, &built)
	built.ID = a.id

	var out netapi.Aggregation
	var etag string
	err := transportRetry(a.ctx, "aggregation", "create", func() error {
		var postErr error
		out, etag, postErr = a.client.CreateAggregation(a.ctx, built)
		return postErr
	})
	if err != nil {
		return ""
	}
	a.storeRemote(out, etag)
	return "update"
}

func (a *Aggregation) stepUpdate() string {
	a.transition("update")
	local, hasLocal := a.getLocal()
	if !hasLocal {
		return "waiting"
	}
	remote, _ := a.getRemote()

	remupdate := Diff(AggregationFields, local, remote)
	if len(remupdate) == 0 {
		return "waiting"
	}

	var out netapi.Aggregation
	var etag string
	err := transportRetry(a.ctx, "aggregation", "update", func() error {
		var putErr error
		out, etag, putErr = a.client.UpdateAggregation(a.ctx, a.id, remupdate)
		return putErr
	})
	if err != nil {
		if netapi.IsNotFound(err) {
			return "create"
		}
		return ""
	}
	a.storeRemote(out, etag)
	return "waiting"
}

func (a *Aggregation) stepRelease() string {
	a.transition("release")
	return "release.delete"
}

func (a *Aggregation) stepReleaseDelete() string {
	a.transition("release.delete")
	remote, hasRemote := a.getRemote()
	a.mu.Lock()
	released := a.released
	etag := a.etag
	a.mu.Unlock()

	if !hasRemote {
		return "waiting"
	}
	belongsUUID, _ := remote["belongs_to_uuid"].(string)
	if released != belongsUUID {
		return "waiting"
	}
	if etag == "" {
		return "waiting"
	}

	err := transportRetry(a.ctx, "aggregation", "release.delete", func() error {
		return a.client.DeleteAggregation(a.ctx, a.id, etag)
	})
	if err != nil {
		if netapi.IsNotFound(err) {
			return "stopped"
		}
		if netapi.IsConflict(err) {
			return "release.refresh"
		}
		return ""
	}
	return "stopped"
}

func (a *Aggregation) stepReleaseRefresh() string {
	a.transition("release.refresh")
	var agg netapi.Aggregation
	var etag string
	err := transportRetry(a.ctx, "aggregation", "release.refresh", func() error {
		var getErr error
		agg, etag, getErr = a.client.GetAggregation(a.ctx, a.id)
		return getErr
	})
	if err != nil {
		if netapi.IsNotFound(err) {
			return "stopped"
		}
		return ""
	}
	a.storeRemote(agg, etag)
	return "release.delete"
}

func (a *Aggregation) storeRemote(agg netapi.Aggregation, etag string) {
	a.mu.Lock()
	a.remote = ToMap(agg)
	a.haveRemote = true
	a.etag = etag
	a.mu.Unlock()
}

func (a *Aggregation) finishStopped() {
	a.transition("stopped")
	a.mu.Lock()
	a.local = nil
	a.remote = nil
	a.haveRemote = false
	a.etag = ""
	a.mu.Unlock()
	a.scaffold.stop()
	if a.onStopped != nil {
		a.onStopped(a.id)
	}
}
