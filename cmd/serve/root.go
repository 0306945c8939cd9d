package serve

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lni/dragonboat/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	cmdUtil "github.com/tessera-dev/tessera/cmd/util"
	"github.com/tessera-dev/tessera/lib/board"
	"github.com/tessera-dev/tessera/lib/store"
	"github.com/tessera-dev/tessera/lib/store/memstore"
	"github.com/tessera-dev/tessera/lib/store/raftstore"
	"github.com/tessera-dev/tessera/web"
	"github.com/tessera-dev/tessera/web/common"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the tessera server",
		Long:    `Start the tessera server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is TESSERA_<flag> (e.g. TESSERA_COOLDOWN_SECONDS=30)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "network"
	ServeCmd.PersistentFlags().String(key, "tcp", cmdUtil.WrapString("The network the API listens on. One of: tcp, unix"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the API will listen (e.g. 0.0.0.0:8080, or a socket path for the unix network)"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 30, cmdUtil.WrapString("Per-request timeout in seconds. Also used as the proposal timeout of the raft backend"))

	key = "cooldown-seconds"
	ServeCmd.PersistentFlags().Int64(key, 30, cmdUtil.WrapString("Base period of the pixel regain curve in seconds. The n-th stacked pixel takes n times this long to come back"))

	key = "idle-timeout-seconds"
	ServeCmd.PersistentFlags().Int64(key, 300, cmdUtil.WrapString("Trailing window in seconds within which a user counts as active"))

	key = "undo-deadline-seconds"
	ServeCmd.PersistentFlags().Int64(key, 300, cmdUtil.WrapString("Window in seconds within which a user can undo their own placement. 0 means undo never expires"))

	key = "max-cached-sectors"
	ServeCmd.PersistentFlags().Int(key, 1024, cmdUtil.WrapString("Resident sector budget of the per-board cache. 0 disables the limit"))

	key = "flush-interval-seconds"
	ServeCmd.PersistentFlags().Int64(key, 30, cmdUtil.WrapString("Period in seconds of the background loop that flushes dirty sectors to the store. 0 disables the loop"))

	key = "subscriber-buffer"
	ServeCmd.PersistentFlags().Int(key, 64, cmdUtil.WrapString("Per-connection fan-out queue length. Subscribers that fall this many packets behind are disconnected"))

	key = "tokens"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated list of bearer tokens in the format 'user=token,user2=token2'. Users not listed here can only read"))

	key = "admins"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated list of user names that hold board administration permissions. Each name must appear in the tokens list"))

	key = "backend"
	ServeCmd.PersistentFlags().String(key, "memory", cmdUtil.WrapString("Store backend to use. One of: memory, raft"))

	key = "data-file"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("(memory backend) Optional snapshot file. Loaded on startup if it exists, written back on shutdown. Empty keeps the store volatile"))

	key = "rtt-millisecond"
	ServeCmd.PersistentFlags().Uint64(key, 100, cmdUtil.WrapString("(raft backend) RTTMillisecond defines the average Round Trip Time (RTT) in milliseconds between two NodeHost instances. Other raft configuration parameters (ElectionRTT, HeartbeatRTT) are derived from this value"))

	key = "snapshot-entries"
	ServeCmd.PersistentFlags().Uint64(key, 10000, cmdUtil.WrapString("(raft backend) SnapshotEntries defines how often the state machine should be snapshotted automatically. It is defined in terms of the number of applied Raft log entries. SnapshotEntries can be set to 0 to disable such automatic snapshotting (not recommended)"))

	key = "compaction-overhead"
	ServeCmd.PersistentFlags().Uint64(key, 5000, cmdUtil.WrapString("(raft backend) CompactionOverhead defines the number of snapshots that should be retained in the system. Recommended value is about 1/2 of SnapshotEntries"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("(raft backend) DataDir is the directory used for storing the raft log and snapshots"))

	key = "shard-id"
	ServeCmd.PersistentFlags().Uint64(key, 100, cmdUtil.WrapString("(raft backend) ID of the raft shard that replicates the board store"))

	key = "replica-id"
	ServeCmd.PersistentFlags().Uint64(key, 0, cmdUtil.WrapString("(raft backend) ReplicaID is the unique identifier for this NodeHost instance (e.g. 1)"))

	key = "cluster-members"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("(raft backend) ClusterMembers is a comma-separated list of NodeHost addresses in the format '1=localhost:63001,2=localhost:63002,...'"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// read the configuration from the command line flags and environment variables
	serveCmdConfig.Network = viper.GetString("network")
	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.CooldownSeconds = viper.GetInt64("cooldown-seconds")
	serveCmdConfig.IdleTimeoutSeconds = viper.GetInt64("idle-timeout-seconds")
	serveCmdConfig.UndoDeadlineSeconds = viper.GetInt64("undo-deadline-seconds")
	serveCmdConfig.MaxCachedSectors = viper.GetInt("max-cached-sectors")
	serveCmdConfig.FlushIntervalSeconds = viper.GetInt64("flush-interval-seconds")
	serveCmdConfig.SubscriberBuffer = viper.GetInt("subscriber-buffer")
	serveCmdConfig.DataFile = viper.GetString("data-file")
	serveCmdConfig.RTTMillisecond = viper.GetUint64("rtt-millisecond")
	serveCmdConfig.SnapshotEntries = viper.GetUint64("snapshot-entries")
	serveCmdConfig.CompactionOverhead = viper.GetUint64("compaction-overhead")
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.ShardID = viper.GetUint64("shard-id")
	serveCmdConfig.ReplicaID = viper.GetUint64("replica-id")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	serveCmdConfig.Version = cmdUtil.Version

	// parse network
	if n := serveCmdConfig.Network; n != "tcp" && n != "unix" {
		return fmt.Errorf("invalid network: %s (expected one of: tcp, unix)", n)
	}

	// parse backend
	switch backend := viper.GetString("backend"); backend {
	case "memory":
		serveCmdConfig.Backend = common.StoreBackendMemory
	case "raft":
		serveCmdConfig.Backend = common.StoreBackendRaft
	default:
		return fmt.Errorf("invalid backend: %s (expected one of: memory, raft)", backend)
	}

	// parse tokens
	serveCmdConfig.Tokens = make(map[string]string)
	if tokens := viper.GetString("tokens"); tokens != "" {
		for _, pair := range strings.Split(tokens, ",") {
			parts := strings.Split(pair, "=")
			if len(parts) != 2 {
				return fmt.Errorf("invalid token format: %s (expected user=token)", pair)
			}
			user := strings.TrimSpace(parts[0])
			token := strings.TrimSpace(parts[1])
			if user == "" || token == "" {
				return fmt.Errorf("invalid token format: %s (expected user=token)", pair)
			}
			serveCmdConfig.Tokens[token] = user
		}
	}

	// parse admins and check that each of them holds a token
	serveCmdConfig.Admins = nil
	if admins := viper.GetString("admins"); admins != "" {
		known := make(map[string]bool, len(serveCmdConfig.Tokens))
		for _, user := range serveCmdConfig.Tokens {
			known[user] = true
		}
		for _, admin := range strings.Split(admins, ",") {
			admin = strings.TrimSpace(admin)
			if !known[admin] {
				return fmt.Errorf("admin %s has no token", admin)
			}
			serveCmdConfig.Admins = append(serveCmdConfig.Admins, admin)
		}
	}

	// the raft backend additionally needs the node identity and the cluster layout
	if serveCmdConfig.IsRaft() {
		if serveCmdConfig.ReplicaID == 0 {
			return fmt.Errorf("replica-id is required for the raft backend")
		}

		// parse cluster members
		if clusterMembers := viper.GetString("cluster-members"); clusterMembers != "" {
			serveCmdConfig.ClusterMembers = make(map[uint64]string)
			for _, member := range strings.Split(clusterMembers, ",") {
				parts := strings.Split(member, "=")
				if len(parts) != 2 {
					return fmt.Errorf("invalid cluster member format: %s (expected ID=address)", member)
				}
				id, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
				if err != nil {
					return fmt.Errorf("invalid cluster member ID %s: %v", parts[0], err)
				}
				serveCmdConfig.ClusterMembers[id] = strings.TrimSpace(parts[1])
			}
		} else {
			return fmt.Errorf("cluster-members is required for the raft backend")
		}

		// test if the replica id is in the cluster members
		if _, ok := serveCmdConfig.ClusterMembers[serveCmdConfig.ReplicaID]; !ok {
			return fmt.Errorf("no address found for replica ID %d in cluster members", serveCmdConfig.ReplicaID)
		}
	}

	return nil
}

// run starts the tessera server
func run(_ *cobra.Command, _ []string) error {

	// Init loggers
	common.InitLoggers(serveCmdConfig.LogLevel)

	// Print the configuration
	fmt.Println(serveCmdConfig.String())

	// Create the backing store
	var st store.IBoardStore
	switch serveCmdConfig.Backend {
	case common.StoreBackendMemory:
		var err error
		st, err = memstore.New(&memstore.Options{Path: serveCmdConfig.DataFile})
		if err != nil {
			return fmt.Errorf("failed to create store: %w", err)
		}

	case common.StoreBackendRaft:
		// Create the Dragonboat NodeHost
		nodeHost, err := dragonboat.NewNodeHost(serveCmdConfig.ToNodeHostConfig())
		if err != nil {
			return fmt.Errorf("failed to create node host: %w", err)
		}

		// Start Raft for the board shard. Each replica wraps its own
		// in-memory store, the raft log is what the cluster agrees on.
		factory := func() store.IBoardStore { return memstore.MustNew(nil) }
		if err := nodeHost.StartConcurrentReplica(
			serveCmdConfig.ClusterMembers,
			false,
			raftstore.CreateStateMachineFactory(factory),
			serveCmdConfig.ToDragonboatConfig(),
		); err != nil {
			return fmt.Errorf("failed to start shard %d: %w", serveCmdConfig.ShardID, err)
		}

		timeout := time.Duration(serveCmdConfig.TimeoutSecond) * time.Second
		st = raftstore.NewReplicatedStore(nodeHost, serveCmdConfig.ShardID, timeout)
	}

	// Board runtime options
	opts := board.DefaultOptions()
	opts.Cooldown = time.Duration(serveCmdConfig.CooldownSeconds) * time.Second
	opts.IdleTimeout = time.Duration(serveCmdConfig.IdleTimeoutSeconds) * time.Second
	opts.UndoDeadline = time.Duration(serveCmdConfig.UndoDeadlineSeconds) * time.Second
	opts.SubscriberBuffer = serveCmdConfig.SubscriberBuffer
	opts.Cache.MaxSectors = serveCmdConfig.MaxCachedSectors
	opts.Cache.FlushInterval = time.Duration(serveCmdConfig.FlushIntervalSeconds) * time.Second

	manager := board.NewManager(st, opts)

	// Token authentication
	auth := web.NewStaticAuthenticator(serveCmdConfig.Tokens, serveCmdConfig.Admins)

	// HTTP and WebSocket surface
	server := web.NewServer(*serveCmdConfig, manager, auth)

	// Serve until interrupted
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := server.Serve(ctx)

	// Flush the boards before the process exits. The manager closes the
	// store, which writes the memory backend's snapshot file.
	if cerr := manager.Close(); err == nil {
		err = cerr
	}

	return err
}

// initConfig reads in serveCmdConfig file and ENV variables if set.
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("tessera")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match

}
