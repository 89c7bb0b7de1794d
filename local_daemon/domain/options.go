package domain

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/pkg/errors"

	"github.com/scusemua/kernel-manager/common/jupyter"
	"github.com/scusemua/kernel-manager/local_daemon/kernel"
)

var (
	ErrInvalidOptions = errors.New("invalid local daemon options")
)

// LocalDaemonOptions configures the kernel manager daemon.
//
// Durations are expressed in milliseconds since the options are bound to command line flags.
type LocalDaemonOptions struct {
	config.LoggerOptions `yaml:",inline" json:"logger_options"`
	ProvisionerOptions   `yaml:",inline" json:"provisioner_options"`
	StoreOptions         `yaml:",inline" json:"store_options"`

	KernelSpecDirs    string `name:"kernel-spec-dirs" description:"Colon-separated list of directories searched for kernel specs." yaml:"kernel-spec-dirs" json:"kernel-spec-dirs"`
	WatchKernelSpecs  bool   `name:"watch-kernel-specs" description:"Reload kernel specs when they change on disk." yaml:"watch-kernel-specs" json:"watch-kernel-specs"`
	DefaultKernelName string `name:"default-kernel" description:"Kernel spec used when a kernel is started without a name." yaml:"default-kernel" json:"default-kernel"`
	ConnectionDir     string `name:"connection-dir" description:"Directory in which connection files are written." yaml:"connection-dir" json:"connection-dir"`
	IP                string `name:"ip" description:"IP address kernels bind to." yaml:"ip" json:"ip"`
	Transport         string `name:"transport" description:"Kernel transport: tcp or ipc." yaml:"transport" json:"transport"`
	StartTimeoutMs    int    `name:"start-timeout-ms" description:"Time allowed for a kernel to launch and answer its first heartbeat." yaml:"start-timeout-ms" json:"start-timeout-ms"`
	ShutdownWaitMs    int    `name:"shutdown-wait-ms" description:"Time a kernel is given to exit after a shutdown_request." yaml:"shutdown-wait-ms" json:"shutdown-wait-ms"`
	ShutdownAllMs     int    `name:"shutdown-all-ms" description:"Time allowed to shut every kernel down when the daemon exits." yaml:"shutdown-all-ms" json:"shutdown-all-ms"`
	MonitorIntervalMs int    `name:"monitor-interval-ms" description:"Interval between liveness checks of running kernels. Negative disables them." yaml:"monitor-interval-ms" json:"monitor-interval-ms"`
	AutoRestart       bool   `name:"auto-restart" description:"Relaunch kernels that die on their own." yaml:"auto-restart" json:"auto-restart"`
	RestartLimit      int    `name:"restart-limit" description:"Number of automatic restarts before a kernel is given up on." yaml:"restart-limit" json:"restart-limit"`
	MetricsPort       int    `name:"metrics-port" description:"Port of the HTTP server exposing prometheus metrics. Zero disables it." yaml:"metrics-port" json:"metrics-port"`
	ConsulAddr        string `name:"consul" description:"Consul agent address. Kernels are not announced if empty." yaml:"consul" json:"consul"`
	Kernels           string `name:"kernels" description:"Comma-separated list of kernel names started when the daemon starts." yaml:"kernels" json:"kernels"`
}

// ProvisionerOptions configures the container provisioners. A provisioner is only registered if its options are set.
type ProvisionerOptions struct {
	DockerImage    string `name:"docker-image" description:"Image of kernel containers. Enables the docker provisioner." yaml:"docker-image" json:"docker-image"`
	DockerNetwork  string `name:"docker-network" description:"Docker network kernel containers join." yaml:"docker-network" json:"docker-network"`
	KubeNamespace  string `name:"kube-namespace" description:"Namespace of kernel pods." yaml:"kube-namespace" json:"kube-namespace"`
	KubeImage      string `name:"kube-image" description:"Image of kernel pods. Enables the kubernetes provisioner." yaml:"kube-image" json:"kube-image"`
	KubeConfigPath string `name:"kubeconfig" description:"Path to a kubeconfig file. The in-cluster configuration is used if empty." yaml:"kubeconfig" json:"kubeconfig"`
}

// StoreOptions configures where kernel records are persisted.
type StoreOptions struct {
	Store         string `name:"store" description:"Kernel record store: none, file or redis." yaml:"store" json:"store"`
	StoreDir      string `name:"store-dir" description:"Directory of the file store." yaml:"store-dir" json:"store-dir"`
	RedisHost     string `name:"redis-host" description:"Host of the redis store." yaml:"redis-host" json:"redis-host"`
	RedisPort     int    `name:"redis-port" description:"Port of the redis store." yaml:"redis-port" json:"redis-port"`
	RedisPassword string `name:"redis-password" description:"Password of the redis store." yaml:"redis-password" json:"-"`
	RedisDatabase int    `name:"redis-database" description:"Database number of the redis store." yaml:"redis-database" json:"redis-database"`
	RedisPrefix   string `name:"redis-prefix" description:"Prefix of the keys written to the redis store." yaml:"redis-prefix" json:"redis-prefix"`
}

// Validate fills in defaults and rejects inconsistent options.
func (o *LocalDaemonOptions) Validate() error {
	if o.DefaultKernelName == "" {
		o.DefaultKernelName = DefaultKernelName
	}

	if o.KernelSpecDirs == "" {
		o.KernelSpecDirs = os.Getenv(KernelSpecDirsEnv)
	}
	if o.KernelSpecDirs == "" {
		o.KernelSpecDirs = strings.Join(DefaultKernelSpecDirs, string(os.PathListSeparator))
	}

	if o.ConnectionDir == "" {
		o.ConnectionDir = os.Getenv(DefaultConnectionDirEnv)
	}

	switch o.Transport {
	case "":
		o.Transport = jupyter.TransportTCP
	case jupyter.TransportTCP, jupyter.TransportIPC:
	default:
		return errors.Wrapf(ErrInvalidOptions, "unknown transport \"%s\"", o.Transport)
	}

	if o.IP == "" {
		o.IP = jupyter.DefaultIP
	}

	if o.StartTimeoutMs <= 0 {
		fmt.Printf("[WARNING] \"start-timeout-ms\" is not set. Using default value: %d.\n", DefaultStartTimeoutMs)
		o.StartTimeoutMs = DefaultStartTimeoutMs
	}
	if o.ShutdownWaitMs <= 0 {
		o.ShutdownWaitMs = DefaultShutdownWaitMs
	}
	if o.ShutdownAllMs <= 0 {
		o.ShutdownAllMs = DefaultShutdownAllMs
	}
	if o.MetricsPort < 0 {
		return errors.Wrapf(ErrInvalidOptions, "invalid metrics port %d", o.MetricsPort)
	}

	if o.KubeImage != "" && o.KubeNamespace == "" {
		o.KubeNamespace = DefaultKubeNamespace
	}

	return o.StoreOptions.validate()
}

func (o *StoreOptions) validate() error {
	switch StoreKind(o.Store) {
	case "":
		o.Store = string(StoreNone)
	case StoreNone:
	case StoreFile:
		if o.StoreDir == "" {
			dir, err := os.UserCacheDir()
			if err != nil {
				return errors.Wrapf(ErrInvalidOptions, "\"store-dir\" is not set and there is no cache directory: %v", err)
			}
			o.StoreDir = filepath.Join(dir, "kernel-manager", DefaultStoreDirName)
		}
	case StoreRedis:
		if o.RedisHost == "" {
			return errors.Wrap(ErrInvalidOptions, "\"redis-host\" is required by the redis store")
		}
		if o.RedisPort <= 0 {
			fmt.Printf("[WARNING] \"redis-port\" is not set. Using default value: %d.\n", DefaultRedisPort)
			o.RedisPort = DefaultRedisPort
		}
		if o.RedisDatabase < 0 {
			o.RedisDatabase = DefaultRedisDatabase
		}
	default:
		return errors.Wrapf(ErrInvalidOptions, "unknown store \"%s\"", o.Store)
	}

	return nil
}

// RedisAddr returns the host:port of the redis store.
func (o *StoreOptions) RedisAddr() string {
	return fmt.Sprintf("%s:%d", o.RedisHost, o.RedisPort)
}

// SpecDirs returns the configured kernel spec directories in search order.
func (o *LocalDaemonOptions) SpecDirs() []string {
	dirs := make([]string, 0, 4)
	for _, dir := range filepath.SplitList(o.KernelSpecDirs) {
		if dir = strings.TrimSpace(dir); dir != "" {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// InitialKernels returns the names of the kernels to start with the daemon.
func (o *LocalDaemonOptions) InitialKernels() []string {
	var names []string
	for _, name := range strings.Split(o.Kernels, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func (o *LocalDaemonOptions) StartTimeout() time.Duration {
	return time.Duration(o.StartTimeoutMs) * time.Millisecond
}

func (o *LocalDaemonOptions) ShutdownWaitTime() time.Duration {
	return time.Duration(o.ShutdownWaitMs) * time.Millisecond
}

func (o *LocalDaemonOptions) ShutdownAllTimeout() time.Duration {
	return time.Duration(o.ShutdownAllMs) * time.Millisecond
}

// MonitorInterval returns the interval between liveness checks. Zero selects the kernel manager's default.
func (o *LocalDaemonOptions) MonitorInterval() time.Duration {
	if o.MonitorIntervalMs < 0 {
		return kernel.MonitorDisabled
	}
	return time.Duration(o.MonitorIntervalMs) * time.Millisecond
}

// ManagerOptions returns the options shared by every kernel manager of the daemon. Resolver, factory, transport,
// store and metrics are left for the caller to fill in.
func (o *LocalDaemonOptions) ManagerOptions() *kernel.ManagerOptions {
	return &kernel.ManagerOptions{
		StartTimeout:        o.StartTimeout(),
		ShutdownWaitTime:    o.ShutdownWaitTime(),
		MonitorInterval:     o.MonitorInterval(),
		AutoRestart:         o.AutoRestart,
		RestartLimit:        o.RestartLimit,
		ConnectionDir:       o.ConnectionDir,
		ConnectionTransport: o.Transport,
		IP:                  o.IP,
	}
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (o *LocalDaemonOptions) PrettyString(indentSize int) string {
	m, err := json.MarshalIndent(o, "", strings.Repeat(" ", indentSize))
	if err != nil {
		panic(err)
	}

	return string(m)
}

func (o *LocalDaemonOptions) String() string {
	m, err := json.Marshal(o)
	if err != nil {
		panic(err)
	}

	return string(m)
}
