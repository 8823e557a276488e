package config

import (
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresCnUUID(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	_, err := Load(fs)
	require.Error(t, err)
}

func TestLoad_DefaultsAgentUUIDWhenUnset(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("cn_uuid", "node-1", "")

	cfg, err := Load(fs)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.AgentUUID)
	_, err = uuid.Parse(cfg.AgentUUID)
	require.NoError(t, err, "agent_uuid must default to a valid uuid")
}

func TestLoad_KeepsExplicitAgentUUID(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("cn_uuid", "node-1", "")
	fs.String("agent_uuid", "fixed-agent-uuid", "")

	cfg, err := Load(fs)
	require.NoError(t, err)
	require.Equal(t, "fixed-agent-uuid", cfg.AgentUUID)
}
