package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/joyent-sdc/net-agent/config"
	"github.com/joyent-sdc/net-agent/eventsource"
	"github.com/joyent-sdc/net-agent/logger"
	"github.com/joyent-sdc/net-agent/nodeinfo"
	"github.com/joyent-sdc/net-agent/reconciler"
	"github.com/joyent-sdc/net-agent/vmmanager"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
)

var rootTable = reconciler.NewTable(
	[2]string{"waiting", "init"},
	[2]string{"init", "init.determine_event_source"},
	[2]string{"init.determine_event_source", "init.determine_event_source"},
	[2]string{"init.determine_event_source", "init.start_watcher"},
	[2]string{"init.start_watcher", "running"},
	[2]string{"running", "stopping"},
	[2]string{"waiting", "stopping"},
	[2]string{"init", "stopping"},
	[2]string{"init.determine_event_source", "stopping"},
	[2]string{"init.start_watcher", "stopping"},
	[2]string{"stopping", "stopped"},
)

// historyEntry is one transition recorded into the /status init_history.
type historyEntry struct {
	At   int64  `json:"at"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Agent is the agent root: owns the node reconciler, the entity registry, the
// event source, and its own top-level state machine. It cannot embed
// reconciler's unexported scaffold (a different package), so its state machine
// is a small hand-rolled analogue built directly on the exported
// reconciler.Table.
type Agent struct {
	cfg       *config.Config
	source    nodeinfo.Source
	vmManager vmmanager.Manager
	registry  *Registry

	mu      sync.Mutex
	state   string
	history []historyEntry
	started time.Time

	node    *reconciler.Node
	watcher eventsource.Watcher

	httpServer *http.Server
}

// NewAgent constructs an Agent in its initial "waiting" state.
func NewAgent(cfg *config.Config, source nodeinfo.Source, vmManager vmmanager.Manager, napi NetAPIClient) *Agent {
	return &Agent{
		cfg:       cfg,
		source:    source,
		vmManager: vmManager,
		registry:  NewRegistry(napi, cfg.AdminUUID),
		state:     "waiting",
	}
}

func (a *Agent) transition(to string) {
	a.mu.Lock()
	from := a.state
	if !rootTable.Allowed(from, to) {
		a.mu.Unlock()
		panic("agent: illegal root transition " + from + " -> " + to)
	}
	a.state = to
	a.history = append(a.history, historyEntry{At: time.Now().UnixMicro(), From: from, To: to})
	a.mu.Unlock()
	logger.Printf("agent: %s -> %s", from, to)
}

// State returns the agent's current top-level state.
func (a *Agent) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start drives the agent through init, starts the HTTP status server, and
// blocks until ctx is canceled, at which point it shuts down the status
// server, stops the node reconciler, and waits for the watcher to return.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	a.started = time.Now()
	a.mu.Unlock()

	a.transition("init")

	a.node = reconciler.NewNode(a.cfg.CnUUID, a.cfg.AdminUUID, a.source, a.registry, a.registry, 5*time.Minute, nil)
	a.registry.SetNode(a.node)

	a.transition("init.determine_event_source")
	watcher, err := a.determineEventSource(ctx)
	if err != nil {
		a.transition("stopping")
		a.node.Stop()
		a.transition("stopped")
		return err
	}
	a.watcher = watcher

	a.transition("init.start_watcher")
	watcherErrCh := make(chan error, 1)
	go func() { watcherErrCh <- a.watcher.Run(ctx) }()
	go a.relayVMUpdates(ctx)

	srv := a.newHTTPServer()
	a.mu.Lock()
	a.httpServer = srv
	a.mu.Unlock()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warnf("agent: status server exited: %v", err)
		}
	}()

	a.transition("running")
	a.RequestRefresh()

	<-ctx.Done()

	a.transition("stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	a.node.Stop()
	<-watcherErrCh
	a.transition("stopped")
	return nil
}

// determineEventSource probes for a streaming event source, retrying every
// second on failure until ctx is canceled.
func (a *Agent) determineEventSource(ctx context.Context) (eventsource.Watcher, error) {
	pollCfg := eventsource.PollingConfig{
		ZoneStateCommand: zoneStateCommand,
		ConfigDir:        a.cfg.ServerRoot,
	}
	return eventsource.Select(ctx, a.vmManager, pollCfg)
}

// zoneStateCommand spawns the SmartOS zone-state-transition reporter: a
// long-lived subprocess emitting newline-delimited JSON on every zone state
// change.
func zoneStateCommand(ctx context.Context) (eventsource.ZoneStateStream, error) {
	return eventsource.NewZoneStateSubprocess(ctx, "zoneevent")
}

// relayVMUpdates drains the watcher's debounced update signal into a
// registry sync for as long as ctx is live.
func (a *Agent) relayVMUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.watcher.Updates():
			a.RequestRefresh()
		}
	}
}

// RequestRefresh implements reconciler.AgentRefresher: re-snapshot the
// watcher's VM inventory and resync instance reconcilers against it. Called
// both by the watcher's own update signal and by any instance reconciler whose
// VM manager call needs a fresh view.
func (a *Agent) RequestRefresh() {
	a.mu.Lock()
	watcher := a.watcher
	a.mu.Unlock()
	if watcher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	vms, err := watcher.Snapshot(ctx)
	if err != nil {
		logger.Warnf("agent: vm snapshot failed: %v", err)
		return
	}
	a.registry.SyncInstances(vms, a.cfg.CnUUID, a.vmManager, a)
}

// newHTTPServer builds the /status + /healthz listener on a gorilla/mux
// router plus a zap-based access log, the same shape as
// cns/restserver/restserver.go's route registration.
func (a *Agent) newHTTPServer() *http.Server {
	router := mux.NewRouter()
	if zl, err := logger.NewAccessLogger(); err == nil {
		router.Use(logger.AccessLogMiddleware(zl))
	}

	router.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)

	check := healthz.CheckHandler{Checker: healthz.Ping}
	router.Handle("/healthz", check).Methods(http.MethodGet)

	addr := a.cfg.StatusAddr
	if addr == "" {
		addr = ":8080"
	}
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

type statusResponse struct {
	Now         int64          `json:"now"`
	State       string         `json:"state"`
	InitHistory []historyEntry `json:"init_history"`
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	resp := statusResponse{
		Now:         time.Since(a.started).Microseconds(),
		State:       a.state,
		InitHistory: append([]historyEntry(nil), a.history...),
	}
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
