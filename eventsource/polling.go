package eventsource

import (
	"context"
	"sync"
	"time"

	"github.com/joyent-sdc/net-agent/debounce"
	"github.com/joyent-sdc/net-agent/vmmanager"
)

const pollingDebounceGap = 5 * time.Second

// PollingConfig configures the PollingWatcher's corroborating signal
// sources.
type PollingConfig struct {
	// ZoneStateCommand spawns the zone-state subprocess; nil disables that signal.
	ZoneStateCommand func(ctx context.Context) (ZoneStateStream, error)
	// ConfigDir, if non-empty, is watched for XML changes via fsnotify as
	// a third corroborating signal.
	ConfigDir string
}

// PollingWatcher runs a vmadm-lookup-equivalent after any refresh signal,
// guaranteeing at least 5s between two lookups, and coalescing overlapping
// refresh signals received during an in-flight lookup into exactly one
// follow-up.
type PollingWatcher struct {
	mgr  vmmanager.Manager
	cfg  PollingConfig
	emit *debounce.Channel

	mu      sync.Mutex
	lastVMs []vmmanager.VM
	updates chan struct{}
}

func NewPollingWatcher(mgr vmmanager.Manager, cfg PollingConfig) *PollingWatcher {
	return &PollingWatcher{
		mgr:     mgr,
		cfg:     cfg,
		emit:    debounce.New(vmsUpdateChannel, pollingDebounceGap),
		updates: make(chan struct{}, 1),
	}
}

func (w *PollingWatcher) Updates() <-chan struct{} { return w.updates }

func (w *PollingWatcher) Snapshot(ctx context.Context) ([]vmmanager.VM, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastVMs != nil {
		out := make([]vmmanager.VM, len(w.lastVMs))
		copy(out, w.lastVMs)
		return out, nil
	}
	return w.mgr.Lookup(ctx, vmmanager.LookupFilter{IncludeDNI: true})
}

// signalRefresh requests a follow-up lookup via the debounce channel, which
// is what actually enforces "at least 5s between two lookups" and coalesces
// any number of concurrent signals arriving while a lookup is in flight into
// exactly one follow-up.
func (w *PollingWatcher) signalRefresh() {
	w.emit.EmitDelayed()
}

// Run drives the lookup loop plus the two corroborating signal sources
// until ctx is canceled.
func (w *PollingWatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	if w.cfg.ZoneStateCommand != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runZoneState(ctx)
		}()
	}
	if w.cfg.ConfigDir != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runConfigWatch(ctx)
		}()
	}

	w.signalRefresh() // initial lookup on startup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-w.emit.C:
			if err := w.lookupOnce(ctx); err != nil {
				continue
			}
			select {
			case w.updates <- struct{}{}:
			default:
			}
		}
	}
}

func (w *PollingWatcher) lookupOnce(ctx context.Context) error {
	vms, err := w.mgr.Lookup(ctx, vmmanager.LookupFilter{IncludeDNI: true})
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.lastVMs = vms
	w.mu.Unlock()
	return nil
}

func (w *PollingWatcher) runZoneState(ctx context.Context) {
	stream, err := w.cfg.ZoneStateCommand(ctx)
	if err != nil {
		return
	}
	defer stream.Close()

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return
		}
		if ev.NewState == ZoneStateUninitialized || ev.NewState == ZoneStateRunning {
			w.signalRefresh()
		}
	}
}

func (w *PollingWatcher) runConfigWatch(ctx context.Context) {
	watch, err := newConfigDirWatch(w.cfg.ConfigDir)
	if err != nil {
		return
	}
	defer watch.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watch.Events():
			if !ok {
				return
			}
			w.signalRefresh()
		case <-watch.Errors():
		}
	}
}
