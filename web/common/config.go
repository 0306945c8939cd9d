package common

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/lni/dragonboat/v4/config"
)

// --------------------------------------------------------------------------
// helper functions to interface with Dragonboat (for the serve command)
// --------------------------------------------------------------------------

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// ToDragonboatConfig converts the ServerConfig to Dragonboat Config
func (c *ServerConfig) ToDragonboatConfig() config.Config {
	return config.Config{
		ReplicaID:          c.ReplicaID,
		ShardID:            c.ShardID,
		ElectionRTT:        electionRTTFactor,  // = c.RTTMillisecond * 10
		HeartbeatRTT:       heartbeatRTTFactor, // = c.RTTMillisecond * 1
		CheckQuorum:        true,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
		MaxInMemLogSize:    0,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat
func (c *ServerConfig) ToNodeHostConfig() config.NodeHostConfig {
	return config.NodeHostConfig{
		WALDir:         c.DataDir,
		NodeHostDir:    c.DataDir,
		RTTMillisecond: c.RTTMillisecond,
		RaftAddress:    c.ClusterMembers[c.ReplicaID],
	}
}

// --------------------------------------------------------------------------
// Server configuration struct
// --------------------------------------------------------------------------

// StoreBackend selects where board data lives.
type StoreBackend string

const (
	// StoreBackendMemory keeps everything in process memory, optionally
	// snapshotted to a file on shutdown.
	StoreBackendMemory StoreBackend = "memory"
	// StoreBackendRaft replicates every write through a Dragonboat shard.
	StoreBackendRaft StoreBackend = "raft"
)

// ServerConfig holds all configuration parameters for the canvas server.
type ServerConfig struct {
	// HTTP surface
	Network       string // "tcp" or "unix"
	Endpoint      string // address or socket path
	TimeoutSecond int64  // per-request ceiling for the REST routes

	// Board runtime parameters
	CooldownSeconds      int64
	IdleTimeoutSeconds   int64
	UndoDeadlineSeconds  int64
	MaxCachedSectors     int
	FlushIntervalSeconds int64 // seconds between background flush sweeps
	SubscriberBuffer     int

	// Authorization: bearer token -> user id, plus the user ids that hold
	// board administration permissions
	Tokens map[string]string
	Admins []string

	// Store backend selection
	Backend  StoreBackend
	DataFile string // memory backend snapshot file, empty keeps it volatile

	// Dragonboat parameters (raft backend)
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64
	DataDir            string
	ShardID            uint64
	ReplicaID          uint64
	ClusterMembers     map[uint64]string

	// Logging configuration
	LogLevel string

	// Version is stamped by the command layer, not a flag
	Version string
}

// IsRaft reports whether the configuration wants the replicated backend
func (c *ServerConfig) IsRaft() bool {
	return c.Backend == StoreBackendRaft
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// HTTP settings
	addSection("HTTP Server")
	addField("Network", c.Network)
	addField("Endpoint", c.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	// Board runtime
	addSection("Boards")
	addField("Cooldown", fmt.Sprintf("%d sec", c.CooldownSeconds))
	addField("Idle Timeout", fmt.Sprintf("%d sec", c.IdleTimeoutSeconds))
	addField("Undo Deadline", fmt.Sprintf("%d sec", c.UndoDeadlineSeconds))
	addField("Max Cached Sectors", strconv.Itoa(c.MaxCachedSectors))
	addField("Flush Interval", fmt.Sprintf("%d sec", c.FlushIntervalSeconds))
	addField("Subscriber Buffer", strconv.Itoa(c.SubscriberBuffer))

	// Authorization
	addSection("Authorization")
	addField("Tokens", strconv.Itoa(len(c.Tokens)))
	addField("Admins", strings.Join(c.Admins, ", "))

	// Store backend
	addSection("Store")
	addField("Backend", string(c.Backend))
	if c.Backend == StoreBackendMemory && c.DataFile != "" {
		addField("Data File", c.DataFile)
	}

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	if c.IsRaft() {
		// Node Identity
		addSection("Node Identity")
		addField("RAFT Address", c.ClusterMembers[c.ReplicaID])
		addField("Node ID", strconv.FormatUint(c.ReplicaID, 10))
		addField("Shard ID", strconv.FormatUint(c.ShardID, 10))

		// RAFT parameters
		addSection("RAFT Parameters")
		addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.RTTMillisecond))
		addField("Election RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*electionRTTFactor))
		addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*heartbeatRTTFactor))
		addField("Check Quorum", fmt.Sprintf("%t", true))
		addField("Snapshot Entries", fmt.Sprintf("%d", c.SnapshotEntries))
		addField("Compaction Overhead", fmt.Sprintf("%d", c.CompactionOverhead))

		// Storage
		addSection("Storage")
		addField("Data Directory", c.DataDir)

		// Cluster configuration
		addSection("Cluster")
		sb.WriteString("  Initial Cluster Members:\n")

		// Sort keys for consistent output
		var keys []uint64
		for k := range c.ClusterMembers {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("    Node %d: %s\n", k, c.ClusterMembers[k]))
		}
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// Client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	Endpoint      string
	Token         string
	TimeoutSecond int
	RetryCount    int
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Endpoint", c.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	addField("Authenticated", strconv.FormatBool(c.Token != ""))

	return sb.String()
}
