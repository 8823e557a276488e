package eventsource

import (
	"context"
	"errors"
	"time"

	"github.com/joyent-sdc/net-agent/vmmanager"
)

// probeTimeout bounds how long a single streaming-readiness probe may take
// before it's considered a failure.
const probeTimeout = 3 * time.Second

// Select probes whether mgr's streaming event endpoint is available and
// returns the Watcher implementation to use: a StreamingWatcher on success,
// a PollingWatcher on vmmanager.ErrEventsUnsupported. Any other probe
// failure is retried every second until ctx is canceled. Unlike the
// reconcilers' bounded avast/retry-go retries, this probe has no attempt
// ceiling, so it's driven by a plain loop rather than retry.Do, whose Attempts
// option is meant for bounded retry counts.
func Select(ctx context.Context, mgr vmmanager.Manager, cfg PollingConfig) (Watcher, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		ok, err := probeStreaming(ctx, mgr)
		if err == nil {
			if ok {
				return NewStreamingWatcher(mgr), nil
			}
			return NewPollingWatcher(mgr, cfg), nil
		}
		if errors.Is(err, vmmanager.ErrEventsUnsupported) {
			return NewPollingWatcher(mgr, cfg), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func probeStreaming(ctx context.Context, mgr vmmanager.Manager) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	readyCh := make(chan struct{}, 1)
	errCh := make(chan error, 1)

	go func() {
		err := mgr.Events(probeCtx, func(vmmanager.Event) {}, func() {
			select {
			case readyCh <- struct{}{}:
			default:
			}
		})
		select {
		case errCh <- err:
		default:
		}
	}()

	select {
	case <-readyCh:
		return true, nil
	case err := <-errCh:
		return false, err
	case <-probeCtx.Done():
		return false, probeCtx.Err()
	}
}
