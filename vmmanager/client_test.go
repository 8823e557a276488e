package vmmanager_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/joyent-sdc/net-agent/vmmanager"
	"github.com/stretchr/testify/require"
)

// newUnixTestServer starts an httptest server listening on a unix socket
// under a temp directory, mirroring how the VM manager daemon is actually
// reached in production.
func newUnixTestServer(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "vm-manager.sock")

	l, err := net.Listen("unix", sockPath)
	require.NoError(t, err)

	srv := &httptest.Server{Listener: l, Config: &http.Server{Handler: handler}}
	srv.Start()
	t.Cleanup(srv.Close)

	return sockPath
}

func TestLookup(t *testing.T) {
	sock := newUnixTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/lookup", r.URL.Path)
		json.NewEncoder(w).Encode([]vmmanager.VM{{UUID: "vm1", State: "running"}})
	})

	c := vmmanager.NewClient(sock)
	vms, err := c.Lookup(context.Background(), vmmanager.LookupFilter{})
	require.NoError(t, err)
	require.Len(t, vms, 1)
	require.Equal(t, "vm1", vms[0].UUID)
}

func TestUpdate(t *testing.T) {
	var captured vmmanager.UpdateRequest
	sock := newUnixTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(http.StatusOK)
	})

	c := vmmanager.NewClient(sock)
	err := c.Update(context.Background(), vmmanager.UpdateRequest{
		UUID:      "vm1",
		Resolvers: []string{"8.8.8.8"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"8.8.8.8"}, captured.Resolvers)
}

func TestEvents_UnsupportedFallback(t *testing.T) {
	sock := newUnixTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	c := vmmanager.NewClient(sock)
	err := c.Events(context.Background(), func(vmmanager.Event) {}, nil)
	require.ErrorIs(t, err, vmmanager.ErrEventsUnsupported)
}
