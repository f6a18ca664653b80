package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	_ "go.uber.org/automaxprocs"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	metricsclientset "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/kubilitics/zeroscale/internal/alert"
	"github.com/kubilitics/zeroscale/internal/api"
	"github.com/kubilitics/zeroscale/internal/classifier"
	"github.com/kubilitics/zeroscale/internal/config"
	"github.com/kubilitics/zeroscale/internal/controlplane"
	"github.com/kubilitics/zeroscale/internal/decision"
	"github.com/kubilitics/zeroscale/internal/discovery"
	zerrors "github.com/kubilitics/zeroscale/internal/errors"
	"github.com/kubilitics/zeroscale/internal/executor"
	"github.com/kubilitics/zeroscale/internal/ledger"
	"github.com/kubilitics/zeroscale/internal/monitor"
	"github.com/kubilitics/zeroscale/internal/observability"
	"github.com/kubilitics/zeroscale/internal/selector"
	"github.com/kubilitics/zeroscale/internal/service"
	"github.com/kubilitics/zeroscale/internal/traffic"
)

func main() {
	// 1. Load and validate config.
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// 2. Create context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", "signal", sig)
		cancel()
	}()

	slog.Info("zeroscale starting",
		"version", cfg.Version,
		"port", cfg.ListenPort,
		"prometheus_url", cfg.PrometheusURL,
		"rollback_timeout", cfg.RollbackTimeout,
	)

	// 3. Shared infrastructure.
	metrics := observability.NewMetrics()
	clock := zerrors.RealClock{}
	errCollector := zerrors.NewErrorCollector(clock)

	// 4. Kubernetes clients.
	restCfg := buildKubeConfig()
	kubeClient := kubernetes.NewForConfigOrDie(restCfg)
	controlPlane := controlplane.NewKubeClient(kubeClient, cfg.ControlPlaneQPS, cfg.ControlPlaneBurst, metrics)

	// Detect cluster capabilities and verify scale RBAC up front.
	caps, err := discovery.Detect(ctx, kubeClient, kubeClient.Discovery())
	if err != nil {
		slog.Error("failed to detect cluster capabilities", "error", err)
		os.Exit(1)
	}
	slog.Info("cluster capabilities detected",
		"metrics_server", caps.MetricsServer,
		"scale_deployments", caps.ScaleDeployments,
		"scale_statefulsets", caps.ScaleStatefulSets,
	)
	if !caps.ScaleDeployments && !caps.ScaleStatefulSets {
		slog.Error("service account cannot scale deployments or statefulsets, check RBAC")
		os.Exit(1)
	}

	var metricsAPI selector.MetricsAPI
	if caps.MetricsServer {
		metricsAPI = selector.NewMetricsAPI(metricsclientset.NewForConfigOrDie(restCfg).MetricsV1beta1())
	} else {
		slog.Warn("metrics-server not detected, usage gates will see zero")
	}

	// 5. Ledger: Postgres when configured, in-memory otherwise. In-memory
	// rollback state does not survive a restart.
	var led ledger.Ledger
	if cfg.PostgresDSN != "" {
		pg, err := ledger.NewPostgresLedger(cfg.PostgresDSN)
		if err != nil {
			slog.Error("failed to open postgres ledger", "error", err)
			os.Exit(1)
		}
		led = pg
		slog.Info("using postgres ledger")
	} else {
		led = ledger.NewMemoryLedger()
		slog.Warn("using in-memory ledger, rollback state will not survive a restart")
	}
	defer func() {
		if err := led.Close(); err != nil {
			slog.Error("ledger close error", "error", err)
		}
	}()

	archive, err := ledger.NewArchive(cfg.ArchiveDir)
	if err != nil {
		slog.Error("failed to open run archive", "dir", cfg.ArchiveDir, "error", err)
		os.Exit(1)
	}

	// 6. Traffic source and classification.
	source, err := traffic.NewPrometheusSource(cfg.PrometheusURL, cfg.SampleTimeout)
	if err != nil {
		slog.Error("failed to create traffic source", "error", err)
		os.Exit(1)
	}

	cls := classifier.New(classifier.Config{
		ProbeInterval:   cfg.ProbeInterval,
		ProbeJitter:     cfg.ProbeJitter,
		ProbePaths:      cfg.ProbePaths,
		ProbeUserAgents: cfg.ProbeUserAgents,
		MinSamples:      cfg.MinSamples,
	})

	engine, err := decision.NewEngine(decision.Config{
		ConfidenceThreshold:  cfg.ConfidenceThreshold,
		CPUThresholdPct:      cfg.CPUThresholdPct,
		MemoryThresholdPct:   cfg.MemoryThresholdPct,
		ExcludedNamespaces:   cfg.ExcludedNamespaces,
		ExcludedSelectors:    cfg.ExcludedSelectors,
		RiskReplicaThreshold: cfg.RiskReplicaThreshold,
	}, decision.PriceTableModel{
		CPUCostPerCoreMonth:   cfg.CPUCostPerCoreMonth,
		MemoryCostPerGiBMonth: cfg.MemoryCostPerGiBMonth,
	}, slog.Default())
	if err != nil {
		slog.Error("invalid decision configuration", "error", err)
		os.Exit(1)
	}

	// 7. Alerting.
	var alerter alert.Alerter = alert.NewLogAlerter(metrics)
	if cfg.AlertWebhookURL != "" {
		alerter = alert.NewWebhookAlerter(cfg.AlertWebhookURL, cfg.AlertAuthToken, metrics)
	}

	// 8. Safety-net monitor and executor.
	mon := monitor.New(source, cls, controlPlane, led, alerter, metrics, clock, monitor.Config{
		PollInterval: cfg.PollInterval,
		TriggerRatio: cfg.TrafficTriggerRatio,
	})
	mon.Start(ctx)

	exec := executor.New(controlPlane, led, mon, metrics, clock, executor.Config{
		MaxRetries:  cfg.MaxRetries,
		Concurrency: cfg.ExecutorConcurrency,
	})

	// 9. Service layer.
	sel := selector.New(kubeClient, metricsAPI, metrics)
	svc := service.New(sel, source, cls, engine, exec, mon, led, archive, errCollector, clock, service.Config{
		AnalysisWindow:         cfg.AnalysisWindow,
		SampleTimeout:          cfg.SampleTimeout,
		DefaultRollbackTimeout: cfg.RollbackTimeout,
		RetentionPeriod:        cfg.RollbackRetention,
	})
	svc.Start(ctx)

	// 10. Re-establish rollback watches left over from a previous process.
	if err := mon.Reconcile(ctx); err != nil {
		slog.Error("watch reconciliation failed", "error", err)
	}

	// 11. HTTP API.
	readiness := api.Readiness{Ledger: led, Source: source}
	srv := api.NewServer(cfg.ListenPort, svc, readiness, metrics, errCollector, cfg.DebugEndpoints)
	if err := srv.Start(); err != nil {
		slog.Error("failed to start api server", "error", err)
		os.Exit(1)
	}
	slog.Info("api server listening", "addr", srv.Addr())

	// 12. Block until shutdown, then drain in dependency order: stop
	// accepting requests, finish in-flight runs, stop rollback watches.
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Error("api server shutdown error", "error", err)
	}

	svc.Stop()
	mon.Stop()

	slog.Info("zeroscale stopped")
}

// buildKubeConfig creates a Kubernetes REST config.
// It tries in-cluster config first, then falls back to kubeconfig file
// (from $KUBECONFIG or the default ~/.kube/config).
func buildKubeConfig() *rest.Config {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		slog.Info("using in-cluster kubernetes config")
		return cfg
	}

	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		kubeconfig = clientcmd.RecommendedHomeFile
	}

	cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		slog.Error("failed to build kubernetes config", "error", err)
		os.Exit(1)
	}
	slog.Info("using kubeconfig file", "path", kubeconfig)
	return cfg
}
