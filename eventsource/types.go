// Package eventsource selects and runs the agent's VM event source: a
// streaming watcher when the VM manager supports it, a polling watcher
// (lookup + zone-state subprocess + config directory watch) otherwise. The
// probe retry is a plain one-second ticker loop in Select; the streaming
// watcher's keyed VM cache is grounded on cns/restserver's use of
// patrickmn/go-cache.
package eventsource

import (
	"context"

	"github.com/joyent-sdc/net-agent/vmmanager"
)

// Watcher delivers debounced "vms-update" signals and exposes the latest
// known VM inventory. Both the streaming and polling implementations
// satisfy this interface; the agent root only depends on it.
type Watcher interface {
	// Updates fires (debounced) whenever the watcher believes the VM
	// inventory may have changed.
	Updates() <-chan struct{}
	// Snapshot returns the watcher's current view of all VMs.
	Snapshot(ctx context.Context) ([]vmmanager.VM, error)
	// Run blocks until ctx is canceled, driving the watcher's internal loop.
	Run(ctx context.Context) error
}
