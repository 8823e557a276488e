package reconciler

import (
	"context"
	"sync"
	"testing"

	"github.com/joyent-sdc/net-agent/debounce"
	"github.com/joyent-sdc/net-agent/netapi"
	"github.com/stretchr/testify/require"
)

// fakeNICClientScripted is a NICClient whose GetNIC/CreateNIC/UpdateNIC
// behavior is set up per test, recording every call it receives.
type fakeNICClientScripted struct {
	mu sync.Mutex

	getNIC    netapi.NIC
	getEtag   string
	getErr    error
	createErr error
	updateErr error
	deleteErr error

	created []netapi.NIC
	updated []map[string]interface{}
	deleted []string
}

func (f *fakeNICClientScripted) GetNIC(ctx context.Context, mac string) (netapi.NIC, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getNIC, f.getEtag, f.getErr
}
func (f *fakeNICClientScripted) CreateNIC(ctx context.Context, nic netapi.NIC) (netapi.NIC, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, nic)
	return nic, `"v1"`, f.createErr
}
func (f *fakeNICClientScripted) UpdateNIC(ctx context.Context, mac string, partial map[string]interface{}) (netapi.NIC, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, partial)
	merged := f.getNIC
	FromMap(partial, &merged)
	return merged, `"v2"`, f.updateErr
}
func (f *fakeNICClientScripted) DeleteNIC(ctx context.Context, mac, etag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, mac)
	return f.deleteErr
}

// newTestNIC builds a NIC reconciler without starting its goroutines, so
// step()/drive() can be driven synchronously from the test goroutine.
func newTestNIC(client NICClient, ownerLookup OwnerLookup) *NIC {
	ctx, cancel := context.WithCancel(context.Background())
	return &NIC{
		scaffold:    newScaffold("nic", nicTable, 0),
		mac:         "aa:bb:cc:00:00:01",
		client:      client,
		ownerLookup: ownerLookup,
		adminUUID:   "admin-uuid",
		ctx:         ctx,
		cancel:      cancel,
		setChannel:  debounce.New("test-nic", 0),
	}
}

func TestNIC_RefreshNotFoundWithNoLocalCreatesThenWaits(t *testing.T) {
	client := &fakeNICClientScripted{getErr: &netapi.Error{Kind: netapi.KindNotFound}}
	nic := newTestNIC(client, nil)
	t.Cleanup(func() { nic.setChannel.Stop() })

	next := nic.step("refresh")
	require.Equal(t, "create", next)

	next = nic.step("create")
	require.Equal(t, "waiting", next)
	require.Empty(t, client.created)
}

func TestNIC_RefreshNotFoundAfterHavingRemoteRemoves(t *testing.T) {
	client := &fakeNICClientScripted{getErr: &netapi.Error{Kind: netapi.KindNotFound}}
	nic := newTestNIC(client, nil)
	t.Cleanup(func() { nic.setChannel.Stop() })

	nic.storeRemote(netapi.NIC{MAC: nic.mac, BelongsToType: "zone", BelongsToUUID: "vm-1"}, `"v1"`)
	next := nic.step("refresh")
	require.Equal(t, "remove", next)
}

func TestNIC_CreateUsesLocalViewAndForcesMAC(t *testing.T) {
	client := &fakeNICClientScripted{getErr: &netapi.Error{Kind: netapi.KindNotFound}}
	nic := newTestNIC(client, nil)
	t.Cleanup(func() { nic.setChannel.Stop() })

	nic.SetLocal(map[string]interface{}{
		"belongs_to_type": "zone",
		"belongs_to_uuid": "vm-1",
		"state":           "running",
	})

	next := nic.step("create")
	require.Equal(t, "update", next)
	require.Len(t, client.created, 1)
	require.Equal(t, nic.mac, client.created[0].MAC)
	require.Equal(t, "zone", client.created[0].BelongsToType)
}

func TestNIC_UpdateNapiNeverWritesPrimaryFalse(t *testing.T) {
	client := &fakeNICClientScripted{}
	nic := newTestNIC(client, nil)
	t.Cleanup(func() { nic.setChannel.Stop() })

	nic.SetLocal(map[string]interface{}{
		"belongs_to_type": "zone",
		"belongs_to_uuid": "vm-1",
		"primary":         false,
		"gateway":         "10.0.0.1",
	})
	nic.storeRemote(netapi.NIC{MAC: nic.mac, BelongsToType: "zone", BelongsToUUID: "vm-1", Primary: true}, `"v1"`)

	next := nic.step("update.napi")
	require.Equal(t, "update", next)
	require.Len(t, client.updated, 1)
	_, hasPrimary := client.updated[0]["primary"]
	require.False(t, hasPrimary, "primary:false must never be sent to NetAPI")
}

func TestNIC_UpdateNapiNoDiffParksInWaiting(t *testing.T) {
	client := &fakeNICClientScripted{}
	nic := newTestNIC(client, nil)
	t.Cleanup(func() { nic.setChannel.Stop() })

	local := map[string]interface{}{
		"belongs_to_type": "zone",
		"belongs_to_uuid": "vm-1",
		"owner_uuid":      "owner-1",
		"state":           "running",
	}
	nic.SetLocal(local)
	remote := netapi.NIC{MAC: nic.mac, BelongsToType: "zone", BelongsToUUID: "vm-1", OwnerUUID: "owner-1", State: "running"}
	nic.storeRemote(remote, `"v1"`)

	next := nic.step("update.napi")
	require.Equal(t, "waiting", next)
	require.Empty(t, client.updated)
}

func TestNIC_UpdateLocalSkipsIncompatibleDriverModel(t *testing.T) {
	client := &fakeNICClientScripted{}
	nic := newTestNIC(client, nil)
	t.Cleanup(func() { nic.setChannel.Stop() })

	nic.SetLocal(map[string]interface{}{"belongs_to_type": "zone", "belongs_to_uuid": "vm-1"})
	nic.storeRemote(netapi.NIC{MAC: nic.mac, BelongsToType: "zone", BelongsToUUID: "vm-1", Model: "virtio-0.5.0", Gateway: "10.0.0.1"}, `"v1"`)

	next := nic.step("update.local")
	require.Equal(t, "waiting", next)
}

type fakeNICOwner struct {
	mu      sync.Mutex
	kind    string
	uuid    string
	updates []map[string]interface{}
	removed []string
	rebooted int
}

func (o *fakeNICOwner) OwnerKind() string { return o.kind }
func (o *fakeNICOwner) OwnerUUID() string { return o.uuid }
func (o *fakeNICOwner) UpdateNIC(ctx context.Context, mac string, delta map[string]interface{}) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updates = append(o.updates, delta)
	return nil
}
func (o *fakeNICOwner) RemoveNIC(ctx context.Context, mac string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed = append(o.removed, mac)
	return nil
}
func (o *fakeNICOwner) Reboot(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rebooted++
	return nil
}
func (o *fakeNICOwner) Refresh() {}

func TestNIC_UpdateLocalPushesDiffToOwner(t *testing.T) {
	owner := &fakeNICOwner{kind: "zone", uuid: "vm-1"}
	lookup := func(belongsToType, belongsToUUID string) (NICOwner, bool) {
		require.Equal(t, "zone", belongsToType)
		require.Equal(t, "vm-1", belongsToUUID)
		return owner, true
	}
	client := &fakeNICClientScripted{}
	nic := newTestNIC(client, lookup)
	t.Cleanup(func() { nic.setChannel.Stop() })

	nic.SetLocal(map[string]interface{}{"belongs_to_type": "zone", "belongs_to_uuid": "vm-1", "gateway": "10.0.0.5"})
	nic.storeRemote(netapi.NIC{MAC: nic.mac, BelongsToType: "zone", BelongsToUUID: "vm-1", Gateway: "10.0.0.1"}, `"v1"`)

	next := nic.step("update.local")
	require.Equal(t, "update.napi", next)
	require.Len(t, owner.updates, 1)
	require.Equal(t, "10.0.0.1", owner.updates[0]["gateway"])
}

func TestNIC_RemoveNicCallsOwnerAndRebootsZone(t *testing.T) {
	owner := &fakeNICOwner{kind: "zone", uuid: "vm-1"}
	lookup := func(belongsToType, belongsToUUID string) (NICOwner, bool) { return owner, true }
	client := &fakeNICClientScripted{}
	nic := newTestNIC(client, lookup)
	t.Cleanup(func() { nic.setChannel.Stop() })

	nic.SetLocal(map[string]interface{}{"belongs_to_type": "zone", "belongs_to_uuid": "vm-1"})

	next := nic.step("remove.nic")
	require.Equal(t, "remove.reboot", next)
	require.Equal(t, []string{nic.mac}, owner.removed)

	next = nic.step("remove.reboot")
	require.Equal(t, "stopped", next)
	require.Equal(t, 1, owner.rebooted)
}

func TestNIC_ReleaseDeleteSkipsWhenOwnerMismatch(t *testing.T) {
	client := &fakeNICClientScripted{}
	nic := newTestNIC(client, nil)
	t.Cleanup(func() { nic.setChannel.Stop() })

	nic.storeRemote(netapi.NIC{MAC: nic.mac, BelongsToUUID: "vm-1", State: "running"}, `"v1"`)
	nic.ReleaseFrom("vm-2") // mismatched owner

	next := nic.step("release.delete")
	require.Equal(t, "waiting", next)
	require.Empty(t, client.deleted)
}

func TestNIC_ReleaseDeleteSucceedsWhenOwnerMatches(t *testing.T) {
	client := &fakeNICClientScripted{}
	nic := newTestNIC(client, nil)
	t.Cleanup(func() { nic.setChannel.Stop() })

	nic.storeRemote(netapi.NIC{MAC: nic.mac, BelongsToUUID: "vm-1", State: "running"}, `"v1"`)
	nic.ReleaseFrom("vm-1")

	next := nic.step("release.delete")
	require.Equal(t, "stopped", next)
	require.Equal(t, []string{nic.mac}, client.deleted)
}

func TestNIC_ReleaseDeleteConflictGoesToReleaseRefresh(t *testing.T) {
	client := &fakeNICClientScripted{deleteErr: &netapi.Error{Kind: netapi.KindConflict}}
	nic := newTestNIC(client, nil)
	t.Cleanup(func() { nic.setChannel.Stop() })

	nic.storeRemote(netapi.NIC{MAC: nic.mac, BelongsToUUID: "vm-1", State: "running"}, `"v1"`)
	nic.ReleaseFrom("vm-1")

	next := nic.step("release.delete")
	require.Equal(t, "release.refresh", next)
}

func TestModelCompatible(t *testing.T) {
	require.True(t, modelCompatible("virtio-1.0.0"))
	require.True(t, modelCompatible("virtio-1.2.0"))
	require.False(t, modelCompatible("virtio-0.9.0"))
	require.True(t, modelCompatible("e1000-0.9.0"))
	require.False(t, modelCompatible("e1000-0.1.0"))
	require.True(t, modelCompatible("unknownmodel"))
	require.True(t, modelCompatible("mystery-family-notasemver"))
}
