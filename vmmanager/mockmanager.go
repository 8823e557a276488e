package vmmanager

import (
	"context"
	"sync"
)

// MockManager is an in-memory Manager for reconciler tests, in the spirit
// of processlock's mockFileLock: a fixed, inspectable stand-in rather than
// a real daemon.
type MockManager struct {
	mu          sync.Mutex
	vms         map[string]VM
	updates     []UpdateRequest
	rebooted    []string
	deleted     []string
	started     []string
	stopped     []string
	eventsErr   error
	lookupCount int
}

func NewMockManager(vms ...VM) *MockManager {
	m := &MockManager{vms: map[string]VM{}}
	for _, vm := range vms {
		m.vms[vm.UUID] = vm
	}
	return m
}

// SetEventsUnsupported makes Events return ErrEventsUnsupported, exercising
// the event source selector's polling fallback.
func (m *MockManager) SetEventsUnsupported() { m.eventsErr = ErrEventsUnsupported }

func (m *MockManager) Lookup(ctx context.Context, filter LookupFilter) ([]VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookupCount++
	var out []VM
	for _, vm := range m.vms {
		if filter.UUID != "" && vm.UUID != filter.UUID {
			continue
		}
		if vm.DoNotInventory && !filter.IncludeDNI {
			continue
		}
		out = append(out, vm)
	}
	return out, nil
}

func (m *MockManager) Events(ctx context.Context, handler func(Event), ready func()) error {
	if m.eventsErr != nil {
		return m.eventsErr
	}
	if ready != nil {
		ready()
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *MockManager) Update(ctx context.Context, req UpdateRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, req)
	vm := m.vms[req.UUID]
	if req.Resolvers != nil {
		vm.Resolvers = req.Resolvers
	}
	if req.SetRoutes != nil {
		if vm.Routes == nil {
			vm.Routes = map[string]string{}
		}
		for k, v := range req.SetRoutes {
			vm.Routes[k] = v
		}
	}
	for _, k := range req.RemoveRoutes {
		delete(vm.Routes, k)
	}
	m.vms[req.UUID] = vm
	return nil
}

func (m *MockManager) Reboot(ctx context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebooted = append(m.rebooted, uuid)
	return nil
}

func (m *MockManager) Delete(ctx context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, uuid)
	delete(m.vms, uuid)
	return nil
}

func (m *MockManager) Start(ctx context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, uuid)
	return nil
}

func (m *MockManager) Stop(ctx context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, uuid)
	return nil
}

// Updates returns every Update call recorded so far, for test assertions.
func (m *MockManager) Updates() []UpdateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UpdateRequest, len(m.updates))
	copy(out, m.updates)
	return out
}

// LookupCount returns how many times Lookup has been called so far, for
// asserting the polling watcher's lookup-coalescing behavior.
func (m *MockManager) LookupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupCount
}
