package kernel

import (
	"time"

	"github.com/scusemua/kernel-manager/common/jupyter"
	"github.com/scusemua/kernel-manager/common/jupyter/client"
	"github.com/scusemua/kernel-manager/common/jupyter/kernelspec"
	"github.com/scusemua/kernel-manager/common/metrics"
	"github.com/scusemua/kernel-manager/common/store"
	"github.com/scusemua/kernel-manager/local_daemon/provisioner"
)

const (
	DefaultStartTimeout     = 60 * time.Second
	DefaultShutdownWaitTime = 5 * time.Second

	// DefaultCleanupTimeout bounds the termination and cleanup of a kernel that failed to start.
	DefaultCleanupTimeout = 15 * time.Second

	// DefaultMonitorInterval is how often a running kernel is checked for having died on its own.
	DefaultMonitorInterval = 3 * time.Second

	// MonitorDisabled, used as MonitorInterval, turns the liveness monitor off.
	MonitorDisabled time.Duration = -1

	// DefaultRestartLimit bounds the automatic restarts between two explicit starts or restarts.
	DefaultRestartLimit = 5

	// launchWatchInterval is how often a starting kernel is checked for having exited before its handshake.
	launchWatchInterval = 100 * time.Millisecond
)

// ProvisionerFactory creates the provisioner of a kernel from its spec.
type ProvisionerFactory interface {
	Create(kernelId string, spec *kernelspec.KernelSpec) (provisioner.Provisioner, error)
}

// Announcer publishes running kernels to a service catalog.
type Announcer interface {
	AnnounceKernel(kernelId string, kernelName string, connInfo *jupyter.ConnectionInfo) error
	WithdrawKernel(kernelId string) error
}

// ManagerOptions configures KernelManagers. Only Resolver is required.
type ManagerOptions struct {
	Resolver kernelspec.Resolver

	// Factory defaults to provisioner.NewFactory().
	Factory ProvisionerFactory

	// Transport defaults to client.NewZmqTransport().
	Transport client.Transport

	// StartTimeout bounds the launch and the handshake of a kernel.
	StartTimeout time.Duration

	// ShutdownWaitTime is how long a kernel is given to exit after a shutdown_request, before it is terminated.
	ShutdownWaitTime time.Duration

	// ConnectionDir is where connection files are written. The empty string means the system's temporary directory.
	ConnectionDir string

	// ConnectionTransport and IP, when set, are requested from the provisioner. Otherwise the provisioner decides.
	ConnectionTransport string
	IP                  string

	// Store, if set, receives a record of every running kernel.
	Store store.KernelStore

	// Metrics, if set, records lifecycle metrics.
	Metrics *metrics.KernelMetrics

	// MonitorInterval is how often a running kernel is checked for having died on its own. A kernel found dead is
	// Failed, or relaunched if AutoRestart is set.
	MonitorInterval time.Duration

	// AutoRestart relaunches kernels that died on their own, at most RestartLimit times between two explicit starts
	// or restarts.
	AutoRestart  bool
	RestartLimit int
}

// withDefaults returns a copy of the options with every unset field defaulted.
func (o *ManagerOptions) withDefaults() ManagerOptions {
	opts := ManagerOptions{}
	if o != nil {
		opts = *o
	}

	if opts.Factory == nil {
		opts.Factory = provisioner.NewFactory()
	}
	if opts.Transport == nil {
		opts.Transport = client.NewZmqTransport()
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	if opts.ShutdownWaitTime <= 0 {
		opts.ShutdownWaitTime = DefaultShutdownWaitTime
	}
	if opts.MonitorInterval == 0 {
		opts.MonitorInterval = DefaultMonitorInterval
	}
	if opts.RestartLimit <= 0 {
		opts.RestartLimit = DefaultRestartLimit
	}

	return opts
}

// connectionRequest returns the connection info to request from the provisioner, or nil.
func (o *ManagerOptions) connectionRequest() *jupyter.ConnectionInfo {
	if o.ConnectionTransport == "" && o.IP == "" {
		return nil
	}
	return jupyter.NewConnectionInfo(o.ConnectionTransport, o.IP)
}

// StartRequest holds the per-start overrides of a kernel spec.
type StartRequest struct {
	// Env is merged over the spec's env.
	Env map[string]string

	// ExtraArguments are appended to the spec's argv.
	ExtraArguments []string

	// Cwd is the working directory of the kernel.
	Cwd string
}

func (r *StartRequest) clone() *StartRequest {
	if r == nil {
		return &StartRequest{}
	}

	clone := &StartRequest{
		ExtraArguments: append([]string(nil), r.ExtraArguments...),
		Cwd:            r.Cwd,
	}
	if r.Env != nil {
		clone.Env = make(map[string]string, len(r.Env))
		for k, v := range r.Env {
			clone.Env[k] = v
		}
	}
	return clone
}
