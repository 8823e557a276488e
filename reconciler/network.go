package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/joyent-sdc/net-agent/logger"
	"github.com/joyent-sdc/net-agent/netapi"
)

// NetworkFields are the diff-relevant network attributes: a change in any of
// these fans a `changed` signal out to every subscribing NIC reconciler.
var NetworkFields = FieldSet{"gateway", "mtu", "netmask", "nic_tag", "resolvers", "routes", "vlan_id"}

// maxNetworkSubscribers is raised well past what any single NIC tag would
// realistically need, because many NICs may subscribe to one popular
// network.
const maxNetworkSubscribers = 8192

const networkPeriodicRefresh = 5 * time.Minute

// NetworkClient is the subset of *netapi.Client the network reconciler
// calls.
type NetworkClient interface {
	GetNetwork(ctx context.Context, uuid string) (netapi.Network, error)
}

// NetworkSubscriber is notified when its subscribed network's diff-relevant
// fields change. The NIC reconciler is the only implementation; kept as an
// interface so the network reconciler's tests don't need a real NIC reconciler.
type NetworkSubscriber interface {
	NetworkChanged()
}

var networkTable = NewTable(
	[2]string{"init", "refresh"},
	[2]string{"refresh", "refresh"},
	[2]string{"refresh", "update"},
	[2]string{"refresh", "stopped"},
	[2]string{"refresh", "waiting"},
	[2]string{"update", "waiting"},
	[2]string{"waiting", "refresh"},
	[2]string{"waiting", "stopped"},
	[2]string{"init", "stopped"},
)

// Network is the network reconciler: a simple pull loop that GETs the network
// object and fans `changed` out to subscribers when a diff-relevant field
// moves.
type Network struct {
	*scaffold
	uuid   string
	client NetworkClient

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	cached      map[string]interface{}
	haveCached  bool
	subscribers map[NetworkSubscriber]struct{}

	onStopped func(uuid string)
}

// NewNetwork constructs a Network reconciler for uuid and starts its
// goroutine. onStopped is called once the reconciler reaches `stopped` so
// the agent registry can drop its entry.
func NewNetwork(uuid string, client NetworkClient, onStopped func(string)) *Network {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Network{
		scaffold:    newScaffold("network", networkTable, networkPeriodicRefresh),
		uuid:        uuid,
		client:      client,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: map[NetworkSubscriber]struct{}{},
		onStopped:   onStopped,
	}
	go n.loop()
	n.enqueue(n.doRefresh)
	return n
}

func (n *Network) loop() {
	n.run(func() { n.enqueue(n.doRefresh) })
}

// Subscribe registers sub for `changed` notifications. Returns false if the
// subscriber cap is already saturated, which the caller should treat as a
// configuration problem worth logging, not a retry.
func (n *Network) Subscribe(sub NetworkSubscriber) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.subscribers) >= maxNetworkSubscribers {
		return false
	}
	n.subscribers[sub] = struct{}{}
	return true
}

// Unsubscribe removes sub from the notification set.
func (n *Network) Unsubscribe(sub NetworkSubscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subscribers, sub)
}

// Refresh requests an out-of-band GET.
func (n *Network) Refresh() {
	n.enqueue(func() {
		if n.State() == "stopped" {
			return
		}
		if n.State() == "waiting" {
			n.transition("refresh")
		}
		n.doRefresh()
	})
}

// Stop asynchronously stops the reconciler: in-flight retry loops observe ctx
// cancellation and unwind before the transition to `stopped`.
func (n *Network) Stop() {
	n.cancel()
	n.enqueue(func() {
		if n.State() == "stopped" {
			return
		}
		n.finishStopped()
	})
}

func (n *Network) doRefresh() {
	if n.State() != "refresh" {
		n.transition("refresh")
	}

	var net netapi.Network
	err := transportRetry(n.ctx, "network", "refresh", func() error {
		var getErr error
		net, getErr = n.client.GetNetwork(n.ctx, n.uuid)
		return getErr
	})

	if err != nil {
		if netapi.IsNotFound(err) {
			logger.Warnf("network %s: 404, stopping permanently", n.uuid)
			n.finishStopped()
			return
		}
		if n.ctx.Err() != nil {
			return // stopping
		}
		logger.Warnf("network %s: refresh failed: %v", n.uuid, err)
		n.transition("waiting")
		return
	}

	newView := ToMap(net)
	n.mu.Lock()
	changed := !n.haveCached || len(Diff(NetworkFields, newView, n.cached)) > 0
	n.cached = newView
	n.haveCached = true
	subs := make([]NetworkSubscriber, 0, len(n.subscribers))
	for s := range n.subscribers {
		subs = append(subs, s)
	}
	n.mu.Unlock()

	n.transition("update")
	if changed {
		for _, s := range subs {
			s.NetworkChanged()
		}
	}
	n.transition("waiting")
}

// View returns the last-fetched network view (nil if none fetched yet).
func (n *Network) View() (map[string]interface{}, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return CloneMap(n.cached), n.haveCached
}

func (n *Network) finishStopped() {
	n.transition("stopped")
	n.scaffold.stop()
	if n.onStopped != nil {
		n.onStopped(n.uuid)
	}
}
