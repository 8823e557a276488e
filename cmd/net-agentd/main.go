package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joyent-sdc/net-agent/agent"
	"github.com/joyent-sdc/net-agent/config"
	"github.com/joyent-sdc/net-agent/logger"
	"github.com/joyent-sdc/net-agent/netapi"
	"github.com/joyent-sdc/net-agent/nodeinfo"
	"github.com/joyent-sdc/net-agent/processlock"
	"github.com/joyent-sdc/net-agent/vmmanager"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "net-agentd",
		Short: "Reconciles this node's NICs, link aggregations, and VM network state against NetAPI.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd)
		},
	}

	fs := cmd.Flags()
	fs.String("config", "", "path to a config file")
	fs.String("cn_uuid", "", "this node's compute-node UUID")
	fs.String("agent_uuid", "", "this agent instance's UUID")
	fs.String("admin_uuid", "", "the admin user UUID that owns server-owned NICs")
	fs.String("napi.url", "", "NetAPI base URL")
	fs.String("vmadm.socket", "", "VM manager unix socket path")
	fs.String("serverRoot", "", "directory of per-VM XML config files to watch for changes")
	fs.String("adminNicTag", "admin", "NIC tag identifying the node's admin interface")
	fs.String("statusAddr", ":8080", "listen address for the /status and /healthz HTTP server")
	fs.String("logDir", "/var/log/net-agentd", "directory for the rotating log file")

	return cmd
}

func run(cmd *cobra.Command) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return errors.Wrap(err, "loading config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfg.ApplyKeyVaultOverlay(ctx); err != nil {
		return errors.Wrap(err, "applying key vault overlay")
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return errors.Wrap(err, "creating log directory")
	}
	logger.InitDefault("net-agentd", logger.LevelFromEnv(), logger.TargetStdoutAndLogfile, cfg.LogDir)
	defer logger.Close()

	lock, err := processlock.NewFileLock(filepath.Join(cfg.LogDir, "net-agentd.pid"))
	if err != nil {
		return errors.Wrap(err, "building process lock")
	}
	if err := lock.Lock(); err != nil {
		return errors.Wrap(err, "acquiring process lock")
	}
	defer lock.Unlock()

	cred, err := cfg.TokenCredential()
	if err != nil {
		return errors.Wrap(err, "building netapi credential")
	}
	napi, err := netapi.NewClient(netapi.Config{
		BaseURL:         cfg.NapiURL,
		TokenCredential: cred,
		TokenScope:      cfg.NapiAuth.Scope,
	})
	if err != nil {
		return errors.Wrap(err, "building netapi client")
	}

	vmManager := vmmanager.NewClient(cfg.VMAdmSocket)
	source := nodeinfo.NewLinuxSource(cfg.CnUUID, cfg.AdminNicTag, nil)

	a := agent.NewAgent(cfg, source, vmManager, napi)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Printf("net-agentd: signal received, shutting down")
		cancel()
	}()

	logger.Printf("net-agentd: starting, cn_uuid=%s", cfg.CnUUID)
	return a.Start(ctx)
}
