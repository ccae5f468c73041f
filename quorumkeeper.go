package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/quorumkeeper/admin"
	"github.com/maxpert/quorumkeeper/cfg"
	"github.com/maxpert/quorumkeeper/controller"
	"github.com/maxpert/quorumkeeper/coordinator"
	"github.com/maxpert/quorumkeeper/id"
	"github.com/maxpert/quorumkeeper/inventory"
	"github.com/maxpert/quorumkeeper/membership"
	"github.com/maxpert/quorumkeeper/mongodb"
	"github.com/maxpert/quorumkeeper/publisher"
	_ "github.com/maxpert/quorumkeeper/publisher/sink"
	_ "github.com/maxpert/quorumkeeper/publisher/transformer"
	"github.com/maxpert/quorumkeeper/server"
	"github.com/maxpert/quorumkeeper/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("operator_id", cfg.Config.OperatorID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("quorumkeeper - MongoDB replica set membership operator")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Operator failed")
	}
	log.Info().Msg("Operator stopped")
}

func run(ctx context.Context) error {
	kc := cfg.Config.Kubernetes
	mc := cfg.Config.MongoDB
	rc := cfg.Config.Reconcile

	clients, err := inventory.NewClients(kc.Kubeconfig)
	if err != nil {
		return err
	}

	pods, err := inventory.NewPodInventory(clients.Kube, inventory.PodInventoryConfig{
		LabelSelector:   kc.LabelSelector,
		Service:         kc.Service,
		Port:            uint16(mc.Port),
		AddressTemplate: mc.AddressTemplate,
		ExcludeHosts:    rc.ExcludeHosts,
	})
	if err != nil {
		return fmt.Errorf("failed to build pod inventory: %w", err)
	}

	deployments, err := inventory.NewDeploymentManager(clients.Kube, inventory.DeploymentConfig{
		StatefulSet:    kc.StatefulSet,
		Service:        kc.Service,
		ConfigMap:      kc.ConfigMap,
		Image:          kc.Image,
		StorageSize:    kc.StorageSize,
		StorageClass:   kc.StorageClass,
		LabelSelector:  kc.LabelSelector,
		ReplicaSetName: mc.ReplicaSetName,
		Port:           int32(mc.Port),
	})
	if err != nil {
		return fmt.Errorf("failed to build deployment manager: %w", err)
	}

	commandTimeout := time.Duration(mc.CommandTimeoutMS) * time.Millisecond
	dialer := mongodb.NewClient(mongodb.ClientOptions{
		Username:       mc.Username,
		Password:       mc.Password,
		AuthSource:     mc.AuthSource,
		AppName:        "quorumkeeper",
		ConnectTimeout: time.Duration(mc.ConnectTimeoutMS) * time.Millisecond,
		CommandTimeout: commandTimeout,
	})
	prober := membership.NewProber(dialer, time.Duration(mc.ProbeTimeoutMS)*time.Millisecond)

	locker, closeLocker, err := newLocker()
	if err != nil {
		return err
	}
	defer closeLocker()

	history, err := admin.NewOutcomeHistory(cfg.Config.Journal.HistorySize, cfg.Config.Journal.HistoryPerTarget)
	if err != nil {
		return fmt.Errorf("failed to create outcome history: %w", err)
	}

	engine, err := coordinator.NewEngine(coordinator.EngineConfig{
		ReplicaSetName:     mc.ReplicaSetName,
		MaxConflictRetries: rc.MaxConflictRetries,
		RetryBackoff:       time.Duration(rc.RetryBackoffMS) * time.Millisecond,
		MaxVotingMembers:   rc.MaxVotingMembers,
		BootstrapPartial:   rc.BootstrapPartial,
		CommandTimeout:     commandTimeout,
		Locker:             locker,
		IDs:                id.NewGenerator(cfg.Config.OperatorID, nil),
		Recorders:          []coordinator.Recorder{history},
	}, pods, prober, membership.NewAdmin(dialer, commandTimeout))
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	var backlog telemetry.BacklogStats
	if cfg.Config.Journal.Enabled {
		registry, err := publisher.NewRegistry(publisher.RegistryConfig{
			DataDir:     cfg.Config.DataDir,
			SinkConfigs: cfg.Config.Sinks,
		})
		if err != nil {
			return fmt.Errorf("failed to open outcome journal: %w", err)
		}
		if err := registry.Start(); err != nil {
			return fmt.Errorf("failed to start outcome sinks: %w", err)
		}
		defer registry.Stop()

		engine.AddRecorder(registry)
		backlog = registry
	}

	srv := server.New(server.Config{
		Address:        cfg.Config.Admin.BindAddress,
		Port:           cfg.Config.Admin.Port,
		MetricsHandler: telemetry.GetMetricsHandler(),
	})

	ctrl, err := controller.New(controller.Config{
		Namespace:       kc.Namespace,
		LabelSelector:   kc.LabelSelector,
		Workers:         rc.Workers,
		Resync:          time.Duration(kc.ResyncSeconds) * time.Second,
		WatchResources:  kc.WatchResources,
		RequeueBase:     time.Duration(rc.RequeueBaseMS) * time.Millisecond,
		RequeueMax:      time.Duration(rc.RequeueMaxMS) * time.Millisecond,
		PlatformTimeout: time.Duration(kc.RequestTimeoutMS) * time.Millisecond,
		OnSynced:        func() { srv.SetServing(true) },
	}, clients.Kube, clients.Dynamic, deployments, engine)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	srv.SetAdmin(admin.NewAdminHandlers(admin.HandlersConfig{
		Deployment: deployments.Name(),
		History:    history,
		Hosts:      pods,
		Probe:      prober,
		Reconciler: ctrl,
		Timeout:    commandTimeout * 3,
	}))
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	collector := telemetry.NewMetricsCollector(history, backlog, ctrl,
		time.Duration(cfg.Config.Prometheus.CollectIntervalMS)*time.Millisecond)
	collector.Start()
	defer collector.Stop()

	if !kc.WatchResources {
		// StatefulSet is managed elsewhere; converge once at startup
		ctrl.Enqueue(controller.Event{Kind: controller.EventReconcile, Namespace: kc.Namespace})
	}

	log.Info().
		Str("namespace", kc.Namespace).
		Str("statefulset", kc.StatefulSet).
		Str("replica_set", mc.ReplicaSetName).
		Str("lock_backend", string(cfg.Config.Lock.Backend)).
		Int("sinks", len(cfg.Config.Sinks)).
		Msg("Operator is running")

	return ctrl.Run(ctx)
}

func newLocker() (coordinator.Locker, func(), error) {
	lc := cfg.Config.Lock
	if lc.Backend != cfg.LockEtcd {
		return coordinator.NewLocalLocker(), func() {}, nil
	}

	locker, err := coordinator.NewEtcdLocker(coordinator.EtcdLockerConfig{
		Endpoints:   lc.EtcdEndpoints,
		DialTimeout: time.Duration(lc.DialTimeoutMS) * time.Millisecond,
		Prefix:      lc.Prefix,
		TTLSeconds:  lc.TTLSeconds,
	})
	if err != nil {
		return nil, nil, err
	}
	log.Info().Strs("endpoints", lc.EtcdEndpoints).Msg("Using etcd for deployment locks")

	return locker, func() {
		if err := locker.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close etcd client")
		}
	}, nil
}
