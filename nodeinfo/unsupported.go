//go:build !linux
// +build !linux

package nodeinfo

import (
	"context"

	"github.com/pkg/errors"
)

// LinuxSource is unavailable off Linux; the agent is only ever deployed on
// the compute nodes it manages, which are Linux hosts, but the package
// still needs to compile on a developer's non-Linux workstation.
type LinuxSource struct{}

func NewLinuxSource(nodeUUID, adminNICTag string, tagByIface map[string][]string) *LinuxSource {
	return &LinuxSource{}
}

func (s *LinuxSource) NodeInfo(ctx context.Context) (NodeInfo, error) {
	return NodeInfo{}, errors.New("nodeinfo: LinuxSource is not supported on this platform")
}
