package reconciler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiff_DetectsChangedField(t *testing.T) {
	remote := map[string]interface{}{"gateway": "10.0.0.1", "mtu": float64(1500)}
	local := map[string]interface{}{"gateway": "10.0.0.2", "mtu": float64(1500)}

	d := Diff(RemoteFields, remote, local)
	require.Equal(t, map[string]interface{}{"gateway": "10.0.0.1"}, d)
}

func TestDiff_ToleratesBooleanRepresentations(t *testing.T) {
	remote := map[string]interface{}{"allow_ip_spoofing": "true"}
	local := map[string]interface{}{"allow_ip_spoofing": true}

	d := Diff(RemoteFields, remote, local)
	require.Empty(t, d)
}

func TestDiff_FlagsBooleanMismatchAcrossRepresentations(t *testing.T) {
	remote := map[string]interface{}{"allow_ip_spoofing": "false"}
	local := map[string]interface{}{"allow_ip_spoofing": true}

	d := Diff(RemoteFields, remote, local)
	require.Equal(t, map[string]interface{}{"allow_ip_spoofing": "false"}, d)
}

func TestDiff_EmptyWhenNoFieldsPresent(t *testing.T) {
	d := Diff(RemoteFields, map[string]interface{}{}, map[string]interface{}{})
	require.Empty(t, d)
}

func TestApply_MergesWithoutMutatingTarget(t *testing.T) {
	target := map[string]interface{}{"gateway": "10.0.0.2"}
	out := Apply(target, map[string]interface{}{"gateway": "10.0.0.1"})

	require.Equal(t, "10.0.0.2", target["gateway"])
	require.Equal(t, "10.0.0.1", out["gateway"])
}
