package serve

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdUtil "github.com/flame4/tikv/cmd/util"
	"github.com/flame4/tikv/lib/raftstore"
	"github.com/flame4/tikv/rpc/common"
	"github.com/flame4/tikv/rpc/router"
	"github.com/flame4/tikv/rpc/server"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a store node",
		Long:    `Start a store node with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is TIKV_<flag> (e.g. TIKV_STORE_ID=1)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "store-id"
	ServeCmd.PersistentFlags().Uint64(key, 1, cmdUtil.WrapString("StoreID is the unique identifier of this store within the cluster"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:20160", cmdUtil.WrapString("The address the node listens on (e.g. 0.0.0.0:20160 or /tmp/tikv.sock for the unix transport)"))

	key = "advertise-addr"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("The address other stores use to reach this node. Defaults to the bound listen address"))

	key = "cluster-members"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated static store address list in the format '1=host:port,2=host:port'. Static entries take precedence over etcd resolution"))

	key = "resolver-endpoints"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated etcd endpoints used to resolve store addresses and to publish this node's advertise address"))

	key = "snap-dir"
	ServeCmd.PersistentFlags().String(key, "snap", cmdUtil.WrapString("Directory used for staging received snapshot payloads"))

	key = "sched-concurrency"
	ServeCmd.PersistentFlags().Int(key, 8, cmdUtil.WrapString("Number of scheduler worker goroutines executing storage requests"))

	key = "endpoint-concurrency"
	ServeCmd.PersistentFlags().Int(key, 8, cmdUtil.WrapString("Number of coprocessor worker goroutines executing offloaded computations"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Timeout in seconds for single network operations"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	key = "write-buffer"
	ServeCmd.PersistentFlags().Int(key, 512, cmdUtil.WrapString("The size of the socket write buffer (in KB)"))

	key = "read-buffer"
	ServeCmd.PersistentFlags().Int(key, 512, cmdUtil.WrapString("The size of the socket read buffer (in KB)"))

	key = "tcp-nodelay"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Whether to enable TCP_NODELAY for peer and client connections"))

	key = "tcp-keepalive"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The TCP keepalive interval in seconds, 0 to disable"))

	key = "tcp-linger"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The TCP linger time in seconds, 0 to disable"))
}

// processConfig reads the configuration from the command line flags and
// environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	serveCmdConfig.StoreID = viper.GetUint64("store-id")
	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.AdvertiseAddr = viper.GetString("advertise-addr")
	serveCmdConfig.SnapDir = viper.GetString("snap-dir")
	serveCmdConfig.SchedConcurrency = viper.GetInt("sched-concurrency")
	serveCmdConfig.EndPointConcurrency = viper.GetInt("endpoint-concurrency")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	serveCmdConfig.SocketConf = common.SocketConf{
		WriteBufferSize: viper.GetInt("write-buffer") * 1024,
		ReadBufferSize:  viper.GetInt("read-buffer") * 1024,
	}
	serveCmdConfig.TCPConf = common.TCPConf{
		TCPNoDelay:      viper.GetBool("tcp-nodelay"),
		TCPKeepAliveSec: viper.GetInt("tcp-keepalive"),
		TCPLingerSec:    viper.GetInt("tcp-linger"),
	}

	// parse cluster members
	members, err := cmdUtil.ParseClusterMembers(viper.GetString("cluster-members"))
	if err != nil {
		return err
	}
	serveCmdConfig.ClusterMembers = members

	// parse resolver endpoints
	if endpoints := viper.GetString("resolver-endpoints"); endpoints != "" {
		serveCmdConfig.ResolverEndpoints = strings.Split(endpoints, ",")
	}

	if len(serveCmdConfig.ClusterMembers) == 0 && len(serveCmdConfig.ResolverEndpoints) == 0 {
		return fmt.Errorf("either cluster-members or resolver-endpoints is required")
	}

	return nil
}

// run starts the node and blocks until it is signalled to stop
func run(_ *cobra.Command, _ []string) error {
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}

	t, err := cmdUtil.GetServerTransport()
	if err != nil {
		return err
	}

	factory, err := cmdUtil.GetClientFactory()
	if err != nil {
		return err
	}

	serv := server.NewServer(
		*serveCmdConfig,
		t,
		s,
		raftstore.DiscardRouter{},
		nil,
		router.ClientFactory(factory),
	)
	if err := serv.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	return serv.Stop()
}

// initConfig reads in serveCmdConfig file and ENV variables if set.
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("tikv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}
