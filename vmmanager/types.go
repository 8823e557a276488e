// Package vmmanager is the VM manager client: lookup, event subscription,
// NIC/route/resolver mutation, and lifecycle calls against the local VM manager
// daemon. Grounded on cns/dockerclient/dockerclient.go (a thin HTTP wrapper
// over a local daemon socket), generalized from Docker's network verbs to
// vmadm's VM verbs.
package vmmanager

import "context"

// VM is one VM object as returned by Lookup.
type VM struct {
	UUID             string
	OwnerUUID        string
	State            string // e.g. "running", "stopped", "provisioning"
	ZoneState        string // e.g. "running", "uninitialized"
	NICs             []NIC
	Resolvers        []string
	Routes           map[string]string
	DoNotInventory   bool
	InternalMetadata map[string]string
}

// NIC is one NIC attached to a VM, as embedded in a Lookup result.
type NIC struct {
	MAC                    string
	IP                     string
	Netmask                string
	Gateway                string
	VLANID                 int
	NicTag                 string
	Primary                bool
	Model                  string
	MTU                    int
	NetworkUUID            string
	AllowDHCPSpoofing      bool
	AllowIPSpoofing        bool
	AllowMACSpoofing       bool
	AllowRestrictedTraffic bool
	AllowUnfilteredPromisc bool
}

// LookupFilter narrows a Lookup call.
type LookupFilter struct {
	UUID       string // empty matches all VMs
	Fields     []string
	IncludeDNI bool // include VMs marked do_not_inventory
}

// EventType enumerates the VM lifecycle event kinds the streaming
// subscription delivers.
type EventType string

const (
	EventCreate EventType = "create"
	EventModify EventType = "modify"
	EventDelete EventType = "delete"
)

// Change describes one field change carried by a modify event.
type Change struct {
	Path       []string
	PrettyPath string
}

// Event is one VM lifecycle event.
type Event struct {
	Type     EventType
	ZoneName string
	VM       VM
	Changes  []Change // only populated for EventModify
}

// UpdateRequest is a single VM manager update call. Exactly the fields that are
// non-nil/non-empty are applied; the VM manager verbs (add_nics, update_nics,
// remove_nics, set_routes, remove_routes, resolvers) are independent and may be
// combined in one call.
type UpdateRequest struct {
	UUID         string
	AddNICs      []NIC
	UpdateNICs   map[string]map[string]interface{} // MAC -> delta
	RemoveNICs   []string                           // MACs
	SetRoutes    map[string]string
	RemoveRoutes []string
	Resolvers    []string
	Log          bool
}

// Manager is the VM manager interface the agent root and the event source
// consume; the instance reconciler calls a narrower subset of it
// (reconciler.VMManagerClient). Events is optional: a Manager that doesn't support streaming returns
// ErrEventsUnsupported so the selector falls back to polling.
type Manager interface {
	Lookup(ctx context.Context, filter LookupFilter) ([]VM, error)
	Events(ctx context.Context, handler func(Event), ready func()) error
	Update(ctx context.Context, req UpdateRequest) error
	Reboot(ctx context.Context, uuid string) error
	Delete(ctx context.Context, uuid string) error
	Start(ctx context.Context, uuid string) error
	Stop(ctx context.Context, uuid string) error
}
