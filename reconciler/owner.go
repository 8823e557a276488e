package reconciler

import "context"

// NICOwner is whatever a NIC's belongs_to_type points at: an instance
// reconciler for "zone", a node reconciler for "server". Both satisfy this
// interface so the NIC reconciler need not special-case its caller.
type NICOwner interface {
	OwnerKind() string
	OwnerUUID() string
	UpdateNIC(ctx context.Context, mac string, delta map[string]interface{}) error
	RemoveNIC(ctx context.Context, mac string) error
	Reboot(ctx context.Context) error
	Refresh()
}

// OwnerLookup resolves a NIC's declared owner from belongs_to_type/
// belongs_to_uuid to a live NICOwner, or reports not-found so the NIC
// reconciler can warn and fall back to waiting.
type OwnerLookup func(belongsToType, belongsToUUID string) (NICOwner, bool)
