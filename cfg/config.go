package cfg

import (
	"flag"
	"fmt"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/cespare/xxhash/v2"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// LockBackend selects how reconciliations of one deployment are serialized
type LockBackend string

const (
	LockLocal LockBackend = "local" // In-process mutex per deployment
	LockEtcd  LockBackend = "etcd"  // etcd concurrency mutex shared by operator replicas
)

// KubernetesConfiguration controls the platform side of the operator
type KubernetesConfiguration struct {
	Namespace        string `toml:"namespace"`
	Kubeconfig       string `toml:"kubeconfig"` // Empty means in-cluster
	LabelSelector    string `toml:"label_selector"`
	StatefulSet      string `toml:"statefulset"`
	Service          string `toml:"service"`
	ConfigMap        string `toml:"configmap"`
	Image            string `toml:"image"`
	StorageSize      string `toml:"storage_size"`
	StorageClass     string `toml:"storage_class"`
	ResyncSeconds    int    `toml:"resync_seconds"`
	RequestTimeoutMS int    `toml:"request_timeout_ms"` // Per StatefulSet query or update; 0 uses the default
	WatchResources   bool   `toml:"watch_resources"`    // Watch mongoclusters custom resources
}

// MongoDBConfiguration controls how the operator talks to mongod
type MongoDBConfiguration struct {
	ReplicaSetName   string `toml:"replica_set_name"`
	Port             int    `toml:"port"`
	Username         string `toml:"username"`
	Password         string `toml:"password"`
	AuthSource       string `toml:"auth_source"`
	ConnectTimeoutMS int    `toml:"connect_timeout_ms"`
	CommandTimeoutMS int    `toml:"command_timeout_ms"`
	ProbeTimeoutMS   int    `toml:"probe_timeout_ms"`
	// AddressTemplate renders a host address from pod name, service and namespace.
	// Empty uses the pod IP.
	AddressTemplate string `toml:"address_template"`
}

// ReconcileConfiguration controls the reconciliation engine
type ReconcileConfiguration struct {
	MaxConflictRetries int      `toml:"max_conflict_retries"`
	RetryBackoffMS     int      `toml:"retry_backoff_ms"`
	Workers            int      `toml:"workers"`
	MaxVotingMembers   int      `toml:"max_voting_members"`
	BootstrapPartial   bool     `toml:"bootstrap_partial"` // Bootstrap before the scale target is fully running
	ExcludeHosts       []string `toml:"exclude_hosts"`     // Glob patterns over pod names
	RequeueBaseMS      int      `toml:"requeue_base_ms"`
	RequeueMaxMS       int      `toml:"requeue_max_ms"`
}

// LockConfiguration controls per-deployment serialization
type LockConfiguration struct {
	Backend       LockBackend `toml:"backend"`
	EtcdEndpoints []string    `toml:"etcd_endpoints"`
	Prefix        string      `toml:"prefix"`
	TTLSeconds    int         `toml:"ttl_seconds"`
	DialTimeoutMS int         `toml:"dial_timeout_ms"`
}

// JournalConfiguration controls the durable outcome journal
type JournalConfiguration struct {
	Enabled          bool `toml:"enabled"`
	HistorySize      int  `toml:"history_size"`      // Deployments kept in the in-memory outcome cache
	HistoryPerTarget int  `toml:"history_per_target"` // Outcomes kept per deployment
}

// SinkConfiguration configures one outcome sink
type SinkConfiguration struct {
	Name              string   `toml:"name"`
	Type              string   `toml:"type"`   // "nats" or "kafka"
	Format            string   `toml:"format"` // "json" (default) or "msgpack"
	NatsURL           string   `toml:"nats_url"`
	Brokers           []string `toml:"brokers"`
	TopicPrefix       string   `toml:"topic_prefix"`
	FilterNamespaces  []string `toml:"filter_namespaces"`
	FilterDeployments []string `toml:"filter_deployments"`
	OnlyFailures      bool     `toml:"only_failures"`
	BatchSize         int      `toml:"batch_size"`
	PollIntervalMS    int      `toml:"poll_interval_ms"`
	RetryInitialMS    int      `toml:"retry_initial_ms"`
	RetryMaxMS        int      `toml:"retry_max_ms"`
	RetryMultiplier   float64  `toml:"retry_multiplier"`
}

// AdminConfiguration for the admin HTTP API and gRPC health endpoint
type AdminConfiguration struct {
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Pre-shared key, empty disables auth
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled           bool `toml:"enabled"`
	CollectIntervalMS int  `toml:"collect_interval_ms"`
}

// Configuration is the main configuration structure
type Configuration struct {
	OperatorID uint64 `toml:"operator_id"`
	DataDir    string `toml:"data_dir"`

	Kubernetes KubernetesConfiguration `toml:"kubernetes"`
	MongoDB    MongoDBConfiguration    `toml:"mongodb"`
	Reconcile  ReconcileConfiguration  `toml:"reconcile"`
	Lock       LockConfiguration       `toml:"lock"`
	Journal    JournalConfiguration    `toml:"journal"`
	Sinks      []SinkConfiguration     `toml:"sinks"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NamespaceFlag  = flag.String("namespace", "", "Kubernetes namespace to manage (overrides config)")
	KubeconfigFlag = flag.String("kubeconfig", "", "Path to kubeconfig, empty for in-cluster (overrides config)")
	ListenPortFlag = flag.Int("listen-port", 0, "Admin/health port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	OperatorID: 0, // Auto-generate
	DataDir:    "./quorumkeeper-data",

	Kubernetes: KubernetesConfiguration{
		Namespace:        "default",
		LabelSelector:    "app=MongoStatefulSet",
		StatefulSet:      "mongo",
		Service:          "mongo-service",
		ConfigMap:        "mongo-configmap",
		Image:            "mongo:4.2",
		StorageSize:      "1Gi",
		ResyncSeconds:    30,
		RequestTimeoutMS: 10000,
		WatchResources:   true,
	},

	MongoDB: MongoDBConfiguration{
		ReplicaSetName:   "rs0",
		Port:             27017,
		AuthSource:       "admin",
		ConnectTimeoutMS: 5000,
		CommandTimeoutMS: 10000,
		ProbeTimeoutMS:   5000,
		AddressTemplate:  "{{.Pod}}.{{.Service}}.{{.Namespace}}.svc.cluster.local",
	},

	Reconcile: ReconcileConfiguration{
		MaxConflictRetries: 3,
		RetryBackoffMS:     200,
		Workers:            2,
		MaxVotingMembers:   7,
		BootstrapPartial:   false,
		ExcludeHosts:       []string{},
		RequeueBaseMS:      500,
		RequeueMaxMS:       60000,
	},

	Lock: LockConfiguration{
		Backend:       LockLocal,
		EtcdEndpoints: []string{},
		Prefix:        "/quorumkeeper/locks",
		TTLSeconds:    30,
		DialTimeoutMS: 5000,
	},

	Journal: JournalConfiguration{
		Enabled:          true,
		HistorySize:      256,
		HistoryPerTarget: 20,
	},

	Sinks: []SinkConfiguration{},

	Admin: AdminConfiguration{
		BindAddress: "0.0.0.0",
		Port:        8080,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled:           true,
		CollectIntervalMS: 15000,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NamespaceFlag != "" {
		Config.Kubernetes.Namespace = *NamespaceFlag
	}
	if *KubeconfigFlag != "" {
		Config.Kubernetes.Kubeconfig = *KubeconfigFlag
	}
	if *ListenPortFlag != 0 {
		Config.Admin.Port = *ListenPortFlag
	}

	if Config.OperatorID == 0 {
		var err error
		Config.OperatorID, err = generateOperatorID()
		if err != nil {
			return fmt.Errorf("failed to generate operator ID: %w", err)
		}
		log.Info().Uint64("operator_id", Config.OperatorID).Msg("Auto-generated operator ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateOperatorID derives a stable instance ID from the machine ID
func generateOperatorID() (uint64, error) {
	id, err := machineid.ProtectedID("quorumkeeper")
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64String(id), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Admin.Port < 1 || Config.Admin.Port > 65535 {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Kubernetes.Namespace == "" {
		return fmt.Errorf("kubernetes namespace is required")
	}
	if Config.Kubernetes.StatefulSet == "" {
		return fmt.Errorf("kubernetes statefulset name is required")
	}
	if Config.Kubernetes.RequestTimeoutMS < 0 {
		return fmt.Errorf("kubernetes request timeout must not be negative")
	}

	if Config.MongoDB.ReplicaSetName == "" {
		return fmt.Errorf("replica set name is required")
	}
	if Config.MongoDB.Port < 1 || Config.MongoDB.Port > 65535 {
		return fmt.Errorf("invalid mongodb port: %d", Config.MongoDB.Port)
	}
	if Config.MongoDB.ConnectTimeoutMS < 1 {
		return fmt.Errorf("mongodb connect timeout must be >= 1ms")
	}
	if Config.MongoDB.CommandTimeoutMS < 1 {
		return fmt.Errorf("mongodb command timeout must be >= 1ms")
	}
	if Config.MongoDB.ProbeTimeoutMS < 1 {
		return fmt.Errorf("mongodb probe timeout must be >= 1ms")
	}

	if Config.Reconcile.MaxConflictRetries < 0 {
		return fmt.Errorf("max conflict retries must be >= 0")
	}
	if Config.Reconcile.RetryBackoffMS < 0 {
		return fmt.Errorf("retry backoff must be >= 0")
	}
	if Config.Reconcile.Workers < 1 {
		return fmt.Errorf("reconcile workers must be >= 1")
	}
	if Config.Reconcile.MaxVotingMembers < 1 || Config.Reconcile.MaxVotingMembers > 7 {
		return fmt.Errorf("max voting members must be between 1 and 7, got %d", Config.Reconcile.MaxVotingMembers)
	}

	switch Config.Lock.Backend {
	case LockLocal:
	case LockEtcd:
		if len(Config.Lock.EtcdEndpoints) == 0 {
			return fmt.Errorf("etcd lock backend requires etcd_endpoints")
		}
		if Config.Lock.TTLSeconds < 1 {
			return fmt.Errorf("lock ttl must be >= 1 second")
		}
	default:
		return fmt.Errorf("invalid lock backend: %s", Config.Lock.Backend)
	}

	if Config.Journal.Enabled && Config.Journal.HistoryPerTarget < 1 {
		return fmt.Errorf("journal history per target must be >= 1")
	}

	names := make(map[string]struct{}, len(Config.Sinks))
	for _, s := range Config.Sinks {
		if s.Name == "" {
			return fmt.Errorf("sink name is required")
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("duplicate sink name: %s", s.Name)
		}
		names[s.Name] = struct{}{}

		switch s.Type {
		case "nats":
			if s.NatsURL == "" {
				return fmt.Errorf("sink %q: nats_url is required", s.Name)
			}
		case "kafka":
			if len(s.Brokers) == 0 {
				return fmt.Errorf("sink %q: brokers are required", s.Name)
			}
		default:
			return fmt.Errorf("sink %q: unknown type %q", s.Name, s.Type)
		}
	}
	if len(Config.Sinks) > 0 && !Config.Journal.Enabled {
		return fmt.Errorf("sinks require the journal to be enabled")
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	return nil
}

// JournalPath returns the directory of the outcome journal
func JournalPath() string {
	return path.Join(Config.DataDir, "journal")
}
