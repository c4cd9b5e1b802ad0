// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command warden runs the host-based intrusion prevention core: it captures
// packets, classifies them, maps threat tiers, executes defense responses,
// and (when reinforcement learning is enabled) trains a response-policy
// agent online from the outcomes it observes.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/warden/internal/accumulation"
	"grimm.is/warden/internal/capture"
	"grimm.is/warden/internal/classifier"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/defense"
	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/orchestrator"
	"grimm.is/warden/internal/queueing"
	"grimm.is/warden/internal/replay"
	"grimm.is/warden/internal/rlagent"
	"grimm.is/warden/internal/stats"
	"grimm.is/warden/internal/threat"
	"grimm.is/warden/internal/trainer"
	"grimm.is/warden/internal/validation"
)

// Exit codes matching spec.md §6's process-control contract: 0 clean, 2
// missing capture capability, 3 unrecoverable classifier load failure, 130
// interrupted (SIGINT/SIGTERM during otherwise-healthy operation).
const (
	exitClean              = 0
	exitMissingCapability   = 2
	exitClassifierLoadFatal = 3
	exitInterrupted         = 130
	exitGeneric             = 1
)

// errInterrupted is returned by run when shutdown was triggered by a signal
// rather than an internal failure, so main can map it to exit code 130.
var errInterrupted = errors.New(errors.KindUnknown, "interrupted")

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	iface := flag.String("iface", "", "Network interface to capture on (empty: auto-select)")
	sim := flag.Bool("sim", false, "Use the in-memory simulated capture adapter instead of a live raw socket")
	artifactPath := flag.String("artifact", "", "Path to a trained random-forest classifier artifact (empty: heuristic fallback)")
	rlEnabled := flag.Bool("rl", true, "Enable the reinforcement-learning response policy (C8-C10)")
	agentWeights := flag.String("agent-weights", "warden_agent.json", "Path to load/save the response-policy agent's weights")
	replayDump := flag.String("replay-dump", "warden_replay.json", "Path to load/save the prioritized replay buffer")
	blockHistory := flag.String("block-history", "warden_blocks.json", "Path to the persisted block history log")
	actionsHistory := flag.String("actions-history", "defense_actions_history.json", "Path to the persisted defense actions history log")
	captureLogDir := flag.String("capture-log-dir", "", "Directory to write captured-packet CSV logs into (empty: disabled)")
	nftTable := flag.String("nft-table", "warden", "nftables table name for defense rules")
	listen := flag.String("listen", ":9090", "Address to serve Prometheus metrics on")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	reconcileInterval := flag.Duration("reconcile-interval", defense.ReconcileInterval, "Interval between firewall block-state reconciliation scans (0 disables)")
	mode := flag.String("mode", "", "Operating mode override: lightweight or performance (empty: use config)")
	maxPackets := flag.Int("max-packets", 0, "Stop capture after this many packets (0: unlimited)")
	debug := flag.Bool("debug", false, "Enable debug-level logging")
	flag.Parse()

	if *debug {
		*logLevel = "debug"
	}
	log := logging.New(logging.Config{Level: *logLevel, Format: "text", Output: os.Stderr})

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Error("failed to load configuration", "path", *configPath, "error", err)
			os.Exit(exitGeneric)
		}
		cfg = loaded
	}
	if *mode != "" {
		if *mode != "lightweight" && *mode != "performance" {
			log.Error("invalid -mode, must be lightweight or performance", "mode", *mode)
			os.Exit(exitGeneric)
		}
		cfg.System.Mode = *mode
	}

	err := run(cfg, runOptions{
		iface:             *iface,
		sim:               *sim,
		artifactPath:      *artifactPath,
		rlEnabled:         *rlEnabled,
		agentWeights:      *agentWeights,
		replayDump:        *replayDump,
		blockHistory:      *blockHistory,
		nftTable:          *nftTable,
		listen:            *listen,
		reconcileInterval: *reconcileInterval,
		maxPackets:        *maxPackets,
		actionsHistory:    *actionsHistory,
		captureLogDir:     *captureLogDir,
	}, log)

	switch {
	case err == nil:
		os.Exit(exitClean)
	case errors.Is(err, errInterrupted):
		log.Info("warden interrupted")
		os.Exit(exitInterrupted)
	default:
		log.Error("warden exited with error", "error", err)
		switch errors.GetKind(err) {
		case errors.KindProtected:
			os.Exit(exitMissingCapability)
		case errors.KindFatal:
			os.Exit(exitClassifierLoadFatal)
		default:
			os.Exit(exitGeneric)
		}
	}
}

type runOptions struct {
	iface             string
	sim               bool
	artifactPath      string
	rlEnabled         bool
	agentWeights      string
	replayDump        string
	blockHistory      string
	nftTable          string
	listen            string
	reconcileInterval time.Duration
	maxPackets        int
	actionsHistory    string
	captureLogDir     string
}

func run(cfg *config.Config, opt runOptions, log *logging.Logger) error {
	if err := setProcessName("warden"); err != nil {
		log.Warn("failed to set process name", "error", err)
	}

	if opt.iface != "" {
		if err := validation.ValidateInterfaceName(opt.iface); err != nil {
			return err
		}
	}
	if err := validation.ValidateIdentifier(opt.nftTable); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	collector := stats.New(reg)

	pool := queueing.NewPacketPool()
	q := queueing.New(cfg.Monitoring.Queue.MaxSize, log)

	adapter, err := newCaptureAdapter(opt.sim, q, pool, log)
	if err != nil {
		return err
	}

	if opt.captureLogDir != "" {
		packetLog, err := capture.NewPacketLogger(opt.captureLogDir, time.Now(), log)
		if err != nil {
			log.Warn("failed to open captured-packet csv log, continuing without it", "error", err)
		} else {
			adapter.SetPacketLogger(packetLog)
			defer packetLog.Close()
		}
	}

	ifaceName := opt.iface
	if ifaceName == "" && !opt.sim {
		selected, err := capture.SelectInterface()
		if err != nil {
			return err
		}
		ifaceName = selected
	}
	if err := adapter.Start(ifaceName, opt.maxPackets); err != nil {
		return err
	}
	defer adapter.Stop()

	if !opt.sim {
		probeGateway(log)
	}

	cls, err := newClassifier(opt.artifactPath, log)
	if err != nil {
		return err
	}

	thresholds := threat.Thresholds{
		Critical: cfg.Defense.ThreatThresholds.Critical,
		High:     cfg.Defense.ThreatThresholds.High,
		Medium:   cfg.Defense.ThreatThresholds.Medium,
		Low:      cfg.Defense.ThreatThresholds.Low,
	}

	tracker := accumulation.New()

	var applier defense.FirewallApplier
	firewall, err := defense.NewNftables(opt.nftTable)
	if err != nil {
		log.Warn("nftables unavailable, falling back to a no-op firewall applier", "error", err)
		applier = noopFirewall{}
	} else {
		applier = firewall
	}

	alerts := make(chan defense.Alert, 256)
	executor := defense.NewExecutor(applier, tracker, log, func(a defense.Alert) {
		select {
		case alerts <- a:
		default:
			log.Warn("alert channel full, dropping alert", "addr", a.Addr)
		}
	})

	if err := defense.RestoreAtStartup(executor.Store(), opt.blockHistory, applier, time.Now()); err != nil {
		log.Warn("failed to restore block history at startup", "error", err)
	}
	go drainAlerts(alerts, log)

	var agent *rlagent.Agent
	var buffer *replay.Buffer
	var onlineTrainer *trainer.Trainer
	if opt.rlEnabled {
		hp := rlagent.Hyperparameters{
			AlphaCQL:     cfg.MachineLearning.ReinforcementLearning.Hyperparameters.AlphaCQL,
			Tau:          cfg.MachineLearning.ReinforcementLearning.Hyperparameters.Tau,
			Gamma:        cfg.MachineLearning.ReinforcementLearning.Hyperparameters.Gamma,
			LearningRate: cfg.MachineLearning.ReinforcementLearning.Hyperparameters.LearningRate,
			Epsilon:      cfg.MachineLearning.ReinforcementLearning.Hyperparameters.Epsilon,
			EpsilonMin:   cfg.MachineLearning.ReinforcementLearning.Hyperparameters.EpsilonMin,
			EpsilonDecay: cfg.MachineLearning.ReinforcementLearning.Hyperparameters.EpsilonDecay,
		}
		agent = rlagent.NewAgent(hp, time.Now().UnixNano())
		if err := agent.Load(opt.agentWeights); err != nil {
			log.Info("starting response-policy agent from fresh weights", "reason", err)
		}

		if restored, err := replay.Restore(opt.replayDump, time.Now().UnixNano()); err != nil {
			log.Info("starting replay buffer empty", "reason", err)
			buffer = replay.New(time.Now().UnixNano())
		} else {
			buffer = restored
		}

		trainCfg := trainer.Config{
			WakeInterval:  time.Duration(cfg.MachineLearning.ReinforcementLearning.Training.WakeIntervalSeconds) * time.Second,
			MinExperience: cfg.MachineLearning.ReinforcementLearning.Training.MinExperiences,
			BatchSize:     cfg.MachineLearning.ReinforcementLearning.Training.BatchSize,
			LossHistory:   cfg.MachineLearning.ReinforcementLearning.Training.LossHistorySize,
			RetryBackoff:  time.Duration(cfg.MachineLearning.ReinforcementLearning.Training.RetryBackoffSeconds) * time.Second,
			DrainTimeout:  time.Duration(cfg.MachineLearning.ReinforcementLearning.Training.ShutdownDrainSeconds) * time.Second,
		}
		onlineTrainer = trainer.New(agent, buffer, trainCfg, log)
		onlineTrainer.Start()
	}

	orc := orchestrator.New(orchestrator.Params{
		Queue:          q,
		Pool:           pool,
		FeatureMode:    cfg.System.Mode,
		Classifier:     cls,
		Thresholds:     thresholds,
		Tracker:        tracker,
		Executor:       executor,
		RLEnabled:      opt.rlEnabled,
		Agent:          agent,
		Buffer:         buffer,
		Costs:          cfg.Defense.PolicyEnvironment.Costs,
		StatsCollector: collector,
		Logger:         log,
	})
	go orc.Run()

	statsStop := make(chan struct{})
	go publishStats(collector, q, buffer, agent, cfg.Monitoring.Timing, statsStop)

	reconcileStop := make(chan struct{})
	if opt.reconcileInterval > 0 {
		go runReconciliationLoop(executor, opt.sim, opt.reconcileInterval, log, reconcileStop)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: opt.listen, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "error", err)
		}
	}()

	log.Info("warden started", "interface", ifaceName, "rl_enabled", opt.rlEnabled, "metrics_addr", opt.listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	interrupted := true
	select {
	case <-sigCh:
		log.Info("shutdown requested, draining in-flight work")
	case <-adapter.Done():
		interrupted = false
		log.Info("capture budget reached, draining in-flight work")
	}
	close(statsStop)
	if opt.reconcileInterval > 0 {
		close(reconcileStop)
	}
	orc.Stop()
	if onlineTrainer != nil {
		onlineTrainer.Stop()
	}
	_ = server.Close()

	if err := defense.SaveHistory(opt.blockHistory, executor.Store().Snapshot()); err != nil {
		log.Warn("failed to save block history", "error", err)
	}
	if err := defense.SaveActionHistory(opt.actionsHistory, executor.ActionHistory().Snapshot()); err != nil {
		log.Warn("failed to save defense actions history", "error", err)
	}
	if agent != nil {
		if err := agent.Save(opt.agentWeights); err != nil {
			log.Warn("failed to save response-policy agent weights", "error", err)
		}
	}
	if buffer != nil {
		if err := buffer.Dump(opt.replayDump); err != nil {
			log.Warn("failed to save replay buffer", "error", err)
		}
	}
	log.Info("warden stopped")
	if interrupted {
		return errInterrupted
	}
	return nil
}

// probeGateway pings the default gateway once as a startup diagnostic; a
// failure only gets logged, since a dead gateway doesn't stop the core from
// capturing and defending the traffic that does reach it.
func probeGateway(log *logging.Logger) {
	gw, err := capture.DefaultGateway()
	if err != nil {
		log.Warn("could not determine default gateway for reachability probe", "error", err)
		return
	}
	pinger, err := probing.NewPinger(gw)
	if err != nil {
		log.Warn("failed to create gateway pinger", "gateway", gw, "error", err)
		return
	}
	pinger.Count = 1
	pinger.Timeout = time.Second
	pinger.SetPrivileged(false)
	if err := pinger.Run(); err != nil {
		log.Warn("gateway unreachable", "gateway", gw, "error", err)
		return
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		log.Warn("gateway reachability probe lost its packet", "gateway", gw)
		return
	}
	log.Info("gateway reachability confirmed", "gateway", gw, "rtt", stats.AvgRtt)
}

func newCaptureAdapter(sim bool, q *queueing.Queue, pool *queueing.PacketPool, log *logging.Logger) (capture.Adapter, error) {
	if sim {
		return capture.NewSimAdapter(q, log), nil
	}
	return capture.NewLinuxAdapter(q, log), nil
}

// newClassifier loads the artifact at artifactPath, falling back to the
// heuristic path per spec.md §4.5 for any Recoverable load failure (missing
// file, malformed JSON, empty tree set). A schema_version mismatch is
// Fatal (spec.md §7: "classifier artifact version mismatch") and is
// propagated so the caller can exit(3) rather than silently run a
// classifier trained against different feature bucketization constants.
func newClassifier(artifactPath string, log *logging.Logger) (classifier.Classifier, error) {
	if artifactPath == "" {
		log.Info("no classifier artifact configured, using heuristic fallback")
		return classifier.NewHeuristic(), nil
	}
	artifact, err := classifier.LoadArtifact(artifactPath)
	if err != nil {
		if errors.GetKind(err) == errors.KindFatal {
			return nil, err
		}
		log.Warn("failed to load classifier artifact, falling back to heuristic", "path", artifactPath, "error", err)
		return classifier.NewHeuristic(), nil
	}
	return classifier.NewRandomForest(artifact), nil
}

// publishStats samples resource usage and refreshes the queue-depth gauge
// on the configured cadence (spec.md §4.12).
func publishStats(collector *stats.Collector, q *queueing.Queue, buffer *replay.Buffer, agent *rlagent.Agent, timing config.Timing, stop <-chan struct{}) {
	interval := time.Duration(timing.StatsUpdateIntervalSeconds * float64(time.Second))
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			collector.SetQueueSize(q.Len())
			collector.SampleResourceUsage(0)
			if buffer != nil {
				collector.SetAttackTypeCounts(buffer.AttackTypeCounts())
			}
			if agent != nil {
				collector.SetModelSize(agent.ParameterCount(), agent.ModelSizeBytes())
			}
		}
	}
}

// runReconciliationLoop periodically re-scans the platform firewall for
// addresses the defense executor believes are blocked (defense_mechanism.py's
// _sync_with_firewall), and piggybacks the default-gateway reachability probe
// onto the same cadence: a missing gateway route after a block is applied is
// exactly the external-scan-drift scenario the reconciliation loop exists
// for, so both checks share one ticker instead of racing two.
func runReconciliationLoop(executor *defense.Executor, sim bool, interval time.Duration, log *logging.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			executor.Reconcile()
			if !sim {
				probeGateway(log)
			}
		}
	}
}

func drainAlerts(alerts <-chan defense.Alert, log *logging.Logger) {
	for a := range alerts {
		log.Warn("defense alert", "addr", a.Addr, "action", a.Action, "level", a.Level)
	}
}

// noopFirewall satisfies defense.FirewallApplier without touching the
// kernel, so the core still runs (in monitor-only mode) on hosts where
// nftables can't be opened — unprivileged development boxes, containers
// without NET_ADMIN, non-Linux platforms.
type noopFirewall struct{}

func (noopFirewall) Apply(addr string) ([]string, error) { return nil, nil }
func (noopFirewall) Verify(ruleIDs []string) bool         { return true }
func (noopFirewall) Retract(ruleIDs []string) error       { return nil }
func (noopFirewall) ScanBlocked() ([]string, error)       { return nil, nil }
