package eventsource

import (
	"context"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/joyent-sdc/net-agent/debounce"
	"github.com/joyent-sdc/net-agent/vmmanager"
)

// vmsUpdateChannel is the single debounce channel name used by both
// watcher implementations.
const vmsUpdateChannel = "vms-update"
const streamingDebounceGap = 5 * time.Second

// StreamingWatcher maintains a keyed VM cache fed by the VM manager's
// streaming event endpoint, emitting a debounced vms-update signal on any
// create/modify/delete.
type StreamingWatcher struct {
	mgr     vmmanager.Manager
	cache   *cache.Cache
	emit    *debounce.Channel
	updates chan struct{}
}

// NewStreamingWatcher builds a StreamingWatcher. The cache has no
// expiration: entries are removed only on an explicit delete event, since
// the VM manager - not a TTL - is authoritative for VM lifetime.
func NewStreamingWatcher(mgr vmmanager.Manager) *StreamingWatcher {
	w := &StreamingWatcher{
		mgr:     mgr,
		cache:   cache.New(cache.NoExpiration, time.Minute),
		emit:    debounce.New(vmsUpdateChannel, streamingDebounceGap),
		updates: make(chan struct{}, 1),
	}
	return w
}

func (w *StreamingWatcher) Updates() <-chan struct{} { return w.updates }

// Snapshot returns every VM currently held in the cache.
func (w *StreamingWatcher) Snapshot(ctx context.Context) ([]vmmanager.VM, error) {
	items := w.cache.Items()
	out := make([]vmmanager.VM, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(vmmanager.VM))
	}
	return out, nil
}

// Run seeds the cache from an initial Lookup, then subscribes to the VM
// manager's event stream until ctx is canceled, forwarding a debounced
// vms-update signal on every event and relaying cache-ready debounce
// emissions onto Updates().
func (w *StreamingWatcher) Run(ctx context.Context) error {
	initial, err := w.mgr.Lookup(ctx, vmmanager.LookupFilter{IncludeDNI: true})
	if err != nil {
		return err
	}
	for _, vm := range initial {
		w.cache.Set(vm.UUID, vm, cache.NoExpiration)
	}

	go w.relay(ctx)

	return w.mgr.Events(ctx, w.handle, nil)
}

func (w *StreamingWatcher) relay(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.emit.C:
			select {
			case w.updates <- struct{}{}:
			default:
			}
		}
	}
}

func (w *StreamingWatcher) handle(ev vmmanager.Event) {
	switch ev.Type {
	case vmmanager.EventDelete:
		w.cache.Delete(ev.VM.UUID)
	default: // create, modify
		w.cache.Set(ev.VM.UUID, ev.VM, cache.NoExpiration)
	}
	w.emit.EmitDelayed()
}
