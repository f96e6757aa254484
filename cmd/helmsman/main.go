package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/helmsman-io/helmsman/pkg/admin"
	"github.com/helmsman-io/helmsman/pkg/controller"
	"github.com/helmsman-io/helmsman/pkg/log"
	"github.com/helmsman-io/helmsman/pkg/metrics"
	"github.com/helmsman-io/helmsman/pkg/model"
	"github.com/helmsman-io/helmsman/pkg/participant"
	"github.com/helmsman-io/helmsman/pkg/statemodel"
	"github.com/helmsman-io/helmsman/pkg/store"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "helmsman",
	Short: "Helmsman - cluster management controller for partitioned resources",
	Long: `Helmsman drives a fleet of participant processes toward a declared
target assignment of partitioned, replicated resources. Operators
declare resources, replica counts, and a state model; the controller
computes legal transitions and dispatches them while respecting
state-model constraints, throttles, and fault-zone topology.`,
	Version: Version,
}

// fileConfig is the optional YAML configuration. Flags override file
// values.
type fileConfig struct {
	Cluster     string `yaml:"cluster"`
	Name        string `yaml:"name"`
	DataDir     string `yaml:"dataDir"`
	MetricsAddr string `yaml:"metricsAddr"`
	Log         struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`
	RefreshInterval time.Duration `yaml:"refreshInterval"`
}

func loadConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// resolve merges the config file with flag values; a flag explicitly set
// on the command line wins.
func resolve(cmd *cobra.Command) (*fileConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("cluster"); cmd.Flags().Changed("cluster") || cfg.Cluster == "" {
		cfg.Cluster = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); cmd.Flags().Changed("data-dir") || cfg.DataDir == "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); cmd.Flags().Changed("log-level") || cfg.Log.Level == "" {
		cfg.Log.Level = v
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON, _ = cmd.Flags().GetBool("log-json")
	}
	if cfg.Cluster == "" {
		return nil, fmt.Errorf("a cluster name is required (--cluster or config file)")
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	return cfg, nil
}

func openStore(cfg *fileConfig) (store.Store, error) {
	return store.NewBoltStore(cfg.DataDir)
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Helmsman version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	metrics.SetVersion(Version)

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Path to YAML config file")
	pf.String("cluster", "", "Cluster name")
	pf.String("data-dir", "./data", "Store data directory")
	pf.String("log-level", "info", "Log level (debug|info|warn|error)")
	pf.Bool("log-json", false, "Emit JSON logs")

	rootCmd.AddCommand(controllerCmd)
	rootCmd.AddCommand(participantCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(instanceCmd)
	rootCmd.AddCommand(resourceCmd)
}

// Controller command

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the cluster controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolve(cmd)
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("name")
		if cfg.Name != "" && !cmd.Flags().Changed("name") {
			name = cfg.Name
		}
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		if cfg.MetricsAddr != "" && !cmd.Flags().Changed("metrics-addr") {
			metricsAddr = cfg.MetricsAddr
		}

		st, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer st.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ctrl := controller.New(controller.Config{
			Cluster:         cfg.Cluster,
			Name:            name,
			PeriodicRefresh: cfg.RefreshInterval,
		}, st)
		if err := ctrl.Start(ctx); err != nil {
			return fmt.Errorf("starting controller: %w", err)
		}

		serveMetrics(metricsAddr)

		fmt.Printf("Controller %s managing cluster %s. Press Ctrl+C to stop.\n", name, cfg.Cluster)
		waitForSignal()
		fmt.Println("\nShutting down...")
		ctrl.Stop()
		return nil
	},
}

// Participant command. Registers logging handlers for the built-in state
// models; real deployments embed pkg/participant and register their own
// factories.

var participantCmd = &cobra.Command{
	Use:   "participant",
	Short: "Run a participant with logging handlers for the built-in state models",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolve(cmd)
		if err != nil {
			return err
		}
		instance, _ := cmd.Flags().GetString("instance")
		if instance == "" {
			return fmt.Errorf("--instance is required")
		}
		poolSize, _ := cmd.Flags().GetInt("pool-size")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		if cfg.MetricsAddr != "" && !cmd.Flags().Changed("metrics-addr") {
			metricsAddr = cfg.MetricsAddr
		}
		serveMetrics(metricsAddr)

		st, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer st.Close()

		p := participant.New(participant.Config{
			Cluster:  cfg.Cluster,
			Instance: instance,
			PoolSize: poolSize,
		}, st)
		for _, def := range statemodel.BuiltinDefs() {
			p.RegisterStateModelFactory(def.Name(), loggingFactory(instance, def))
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("starting participant: %w", err)
		}

		fmt.Printf("Participant %s joined cluster %s. Press Ctrl+C to stop.\n", instance, cfg.Cluster)
		select {
		case <-signalCh():
			fmt.Println("\nShutting down...")
		case <-p.Done():
			fmt.Println("\nShutdown requested by controller...")
		}
		p.Stop()
		return nil
	},
}

// loggingFactory builds handlers that log every transition of the given
// model and succeed immediately.
func loggingFactory(instance string, def *statemodel.Def) statemodel.Factory {
	return statemodel.FactoryFunc(func(resource, partition string) *statemodel.StateModel {
		sm := statemodel.NewStateModel()
		logger := log.WithInstance(instance)
		for _, from := range def.StatesPriorityList() {
			for _, to := range def.StatesPriorityList() {
				if from == to || !def.IsValidTransition(from, to) {
					continue
				}
				f, t := from, to
				sm.AddTransition(f, t, func(ctx context.Context, msg *model.Message) (string, error) {
					logger.Info().Str("resource", resource).Str("partition", partition).
						Str("from", f).Str("to", t).Msg("transition")
					return "", nil
				})
			}
		}
		return sm
	})
}

// Cluster commands

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage clusters",
}

var clusterCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create the cluster path skeleton and built-in state models",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(a *admin.Admin, cfg *fileConfig) error {
			if err := a.CreateCluster(cfg.Cluster); err != nil {
				return err
			}
			fmt.Printf("Cluster %s created\n", cfg.Cluster)
			return nil
		})
	},
}

var clusterDropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Delete the cluster and everything in it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(a *admin.Admin, cfg *fileConfig) error {
			if err := a.DropCluster(cfg.Cluster); err != nil {
				return err
			}
			fmt.Printf("Cluster %s dropped\n", cfg.Cluster)
			return nil
		})
	},
}

// Instance commands

var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Manage participant instances",
}

var instanceAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Add a participant instance to the cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(a *admin.Admin, cfg *fileConfig) error {
			ic := model.NewInstanceConfig(args[0])
			if host, _ := cmd.Flags().GetString("host"); host != "" {
				ic.SetHost(host)
			}
			if port, _ := cmd.Flags().GetString("port"); port != "" {
				ic.SetPort(port)
			}
			if domain, _ := cmd.Flags().GetString("domain"); domain != "" {
				ic.SetDomain(domain)
			}
			tags, _ := cmd.Flags().GetStringSlice("tag")
			for _, tag := range tags {
				ic.AddTag(tag)
			}
			if err := a.AddInstance(cfg.Cluster, ic); err != nil {
				return err
			}
			fmt.Printf("Instance %s added to cluster %s\n", args[0], cfg.Cluster)
			return nil
		})
	},
}

var instanceEnableCmd = &cobra.Command{
	Use:   "enable [name]",
	Short: "Enable a participant instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(a *admin.Admin, cfg *fileConfig) error {
			return a.SetInstanceEnabled(cfg.Cluster, args[0], true)
		})
	},
}

var instanceDisableCmd = &cobra.Command{
	Use:   "disable [name]",
	Short: "Disable a participant instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(a *admin.Admin, cfg *fileConfig) error {
			return a.SetInstanceEnabled(cfg.Cluster, args[0], false)
		})
	},
}

var instanceDropCmd = &cobra.Command{
	Use:   "drop [name]",
	Short: "Remove a participant instance from the cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(a *admin.Admin, cfg *fileConfig) error {
			return a.DropInstance(cfg.Cluster, args[0])
		})
	},
}

var instanceShutdownCmd = &cobra.Command{
	Use:   "shutdown [name]",
	Short: "Queue a shutdown message for a live participant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(a *admin.Admin, cfg *fileConfig) error {
			return a.SendShutdown(cfg.Cluster, args[0])
		})
	},
}

// Resource commands

var resourceCmd = &cobra.Command{
	Use:   "resource",
	Short: "Manage resources",
}

var resourceAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Declare a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(a *admin.Admin, cfg *fileConfig) error {
			partitions, _ := cmd.Flags().GetInt("partitions")
			stateModel, _ := cmd.Flags().GetString("state-model")
			replicas, _ := cmd.Flags().GetString("replicas")
			mode, _ := cmd.Flags().GetString("mode")
			tag, _ := cmd.Flags().GetString("tag")
			minActive, _ := cmd.Flags().GetInt("min-active")

			opts := []admin.ResourceOption{
				admin.WithReplicas(replicas),
				admin.WithRebalanceMode(model.RebalanceMode(strings.ToUpper(mode))),
			}
			if tag != "" {
				opts = append(opts, admin.WithInstanceGroupTag(tag))
			}
			if minActive >= 0 {
				opts = append(opts, admin.WithMinActiveReplicas(minActive))
			}
			if err := a.AddResource(cfg.Cluster, args[0], partitions, stateModel, opts...); err != nil {
				return err
			}
			fmt.Printf("Resource %s added with %d partitions\n", args[0], partitions)
			return nil
		})
	},
}

var resourceDropCmd = &cobra.Command{
	Use:   "drop [name]",
	Short: "Remove a resource; its replicas are dropped by the controller",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(a *admin.Admin, cfg *fileConfig) error {
			return a.DropResource(cfg.Cluster, args[0])
		})
	},
}

var resourceRebalanceCmd = &cobra.Command{
	Use:   "rebalance [name]",
	Short: "Populate SEMI_AUTO preference lists across enabled instances",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(a *admin.Admin, cfg *fileConfig) error {
			replicas, _ := cmd.Flags().GetInt("replicas")
			return a.Rebalance(context.Background(), cfg.Cluster, args[0], replicas)
		})
	},
}

// withAdmin opens the store, runs fn with an admin over it, and closes
// the store again.
func withAdmin(cmd *cobra.Command, fn func(*admin.Admin, *fileConfig) error) error {
	cfg, err := resolve(cmd)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()
	conn, err := st.Connect()
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(admin.New(conn), cfg)
}

// serveMetrics exposes prometheus and health endpoints on addr. An empty
// addr disables the server.
func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			lg := log.WithComponent("metrics")
			lg.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

func signalCh() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch
}

func waitForSignal() {
	<-signalCh()
}

func init() {
	controllerCmd.Flags().String("name", "controller-0", "Controller instance name")
	controllerCmd.Flags().String("metrics-addr", "", "Prometheus listen address (empty disables)")

	participantCmd.Flags().String("instance", "", "Instance name (must be added to the cluster first)")
	participantCmd.Flags().Int("pool-size", 10, "Concurrent transition handler limit")
	participantCmd.Flags().String("metrics-addr", "", "Prometheus listen address (empty disables)")

	clusterCmd.AddCommand(clusterCreateCmd)
	clusterCmd.AddCommand(clusterDropCmd)

	instanceAddCmd.Flags().String("host", "", "Participant host")
	instanceAddCmd.Flags().String("port", "", "Participant port")
	instanceAddCmd.Flags().String("domain", "", "Topology domain, e.g. zone=z1,host=h1")
	instanceAddCmd.Flags().StringSlice("tag", nil, "Instance group tag (repeatable)")
	instanceCmd.AddCommand(instanceAddCmd)
	instanceCmd.AddCommand(instanceEnableCmd)
	instanceCmd.AddCommand(instanceDisableCmd)
	instanceCmd.AddCommand(instanceDropCmd)
	instanceCmd.AddCommand(instanceShutdownCmd)

	resourceAddCmd.Flags().Int("partitions", 1, "Number of partitions")
	resourceAddCmd.Flags().String("state-model", statemodel.MasterSlave, "State model name")
	resourceAddCmd.Flags().String("replicas", "1", "Replica count or ANY_LIVEINSTANCE")
	resourceAddCmd.Flags().String("mode", string(model.RebalanceModeSemiAuto), "Rebalance mode")
	resourceAddCmd.Flags().String("tag", "", "Instance group tag filter")
	resourceAddCmd.Flags().Int("min-active", -1, "Minimum active replicas before recovery")
	resourceCmd.AddCommand(resourceAddCmd)
	resourceCmd.AddCommand(resourceDropCmd)
	resourceRebalanceCmd.Flags().Int("replicas", 1, "Replicas per partition")
	resourceCmd.AddCommand(resourceRebalanceCmd)
}
