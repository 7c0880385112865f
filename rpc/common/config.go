package common

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Shared transport tuning options
// --------------------------------------------------------------------------

// SocketConf holds socket buffer settings shared by every connection kind.
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds TCP-specific settings.
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
}

// --------------------------------------------------------------------------
// Server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters for one server node.
type ServerConfig struct {
	// Identity of this node
	StoreID uint64

	// Endpoint is the address the server listens on. AdvertiseAddr is the
	// address other nodes use to reach this one; it defaults to Endpoint.
	Endpoint      string
	AdvertiseAddr string

	// Worker concurrency
	SchedConcurrency    int
	EndPointConcurrency int

	// Directory for received snapshot payloads
	SnapDir string

	// Address resolution: either etcd endpoints for dynamic resolution, or
	// a static store-id to address map. Static entries win when both are set.
	ResolverEndpoints []string
	ClusterMembers    map[uint64]string

	// Socket tuning
	SocketConf SocketConf
	TCPConf    TCPConf

	// Timeout for single network operations
	TimeoutSecond int64

	// Logging configuration
	LogLevel string
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Node Identity")
	addField("Store ID", strconv.FormatUint(c.StoreID, 10))
	addField("Endpoint", c.Endpoint)
	addField("Advertise Address", c.AdvertiseAddr)

	addSection("Workers")
	addField("Scheduler Concurrency", strconv.Itoa(c.SchedConcurrency))
	addField("Endpoint Concurrency", strconv.Itoa(c.EndPointConcurrency))

	addSection("Snapshots")
	addField("Snapshot Directory", c.SnapDir)

	addSection("Address Resolution")
	if len(c.ResolverEndpoints) > 0 {
		addField("Etcd Endpoints", strings.Join(c.ResolverEndpoints, ","))
	}
	if len(c.ClusterMembers) > 0 {
		sb.WriteString("  Static Cluster Members:\n")

		// Sort keys for consistent output
		var keys []uint64
		for k := range c.ClusterMembers {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("    Store %d: %s\n", k, c.ClusterMembers[k]))
		}
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	addSection("Timeouts")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	return sb.String()
}

// --------------------------------------------------------------------------
// Peer client configuration struct
// --------------------------------------------------------------------------

// PeerConfig holds the settings used when dialing another store.
type PeerConfig struct {
	TimeoutSecond int64
	SocketConf    SocketConf
	TCPConf       TCPConf
}

// PeerConfigFrom derives the peer dial settings from a server configuration.
func PeerConfigFrom(c *ServerConfig) PeerConfig {
	return PeerConfig{
		TimeoutSecond: c.TimeoutSecond,
		SocketConf:    c.SocketConf,
		TCPConf:       c.TCPConf,
	}
}
