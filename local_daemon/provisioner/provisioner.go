//go:generate mockgen -destination=mock_provisioner/provisioner.go -package=mock_provisioner . Provisioner,Handle

package provisioner

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/scusemua/kernel-manager/common/jupyter"
	"github.com/scusemua/kernel-manager/common/jupyter/kernelspec"
)

// Kind tells local provisioners, which own an OS process, apart from those that delegate to another system.
type Kind int

const (
	KindLocal Kind = iota
	KindRemote
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	case KindCustom:
		return "custom"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Handle identifies one kernel brought up by a Provisioner.
//
// Handles are opaque outside the provisioner that created them. Passing a handle to another provisioner fails.
type Handle interface {
	KernelId() string
}

// LaunchRequest carries everything a Provisioner needs to bring up a kernel.
type LaunchRequest struct {
	KernelId string
	Spec     *kernelspec.KernelSpec

	// Env holds overrides applied on top of the spec's env.
	Env map[string]string

	// ExtraArguments are appended to the spec's argv.
	ExtraArguments []string

	// Cwd is the working directory of the kernel, where the provisioner supports one.
	Cwd string

	// ConnectionInfo optionally carries the requested transport, ip and key. Ports left at 0 are assigned by the
	// provisioner. The provisioner never modifies the value it is given.
	ConnectionInfo *jupyter.ConnectionInfo

	// ConnectionDir is the directory in which the connection file is written. The empty string means the
	// system's temporary directory.
	ConnectionDir string
}

// Provisioner brings kernels into existence and controls them at the OS or infrastructure level.
//
// Launch returns as soon as the kernel has been started. Waiting for the kernel to answer on its channels is up to
// the caller.
type Provisioner interface {
	// Name is the name under which the provisioner is registered, such as "local-provisioner".
	Name() string

	Kind() Kind

	// SupportsSignal returns true if Signal can deliver sig.
	SupportsSignal(sig syscall.Signal) bool

	// Launch starts a kernel. Failures wrap jupyter.ErrLaunch.
	Launch(ctx context.Context, req *LaunchRequest) (*jupyter.ConnectionInfo, Handle, error)

	// IsAlive returns false once the kernel has exited. It never blocks for longer than a short bounded check.
	IsAlive(h Handle) bool

	// Signal delivers sig to the kernel. It fails with jupyter.ErrUnsupportedSignal if the provisioner cannot deliver
	// sig, and with jupyter.ErrProcessNotFound if the kernel already exited.
	Signal(h Handle, sig syscall.Signal) error

	// Terminate stops the kernel. Unless force is set, the kernel is first asked to stop and given until ctx is done,
	// or the provisioner's grace period elapsed, before it is killed. Terminating a kernel that already exited is a
	// no-op.
	Terminate(ctx context.Context, h Handle, force bool) error

	// Cleanup releases the resources held for the kernel, such as connection files and stopped containers.
	Cleanup(ctx context.Context, h Handle, restart bool) error

	// ShutdownWaitTime returns how long a graceful shutdown may take, given the caller's recommendation.
	ShutdownWaitTime(recommended time.Duration) time.Duration

	// Info returns what is needed to find the kernel again, such as its pid or container name.
	Info(h Handle) map[string]interface{}
}

// connectionInfoFor returns a copy of the requested connection info, or a new one, with the kernel name set.
func connectionInfoFor(req *LaunchRequest, defaultIP string) *jupyter.ConnectionInfo {
	var info *jupyter.ConnectionInfo
	if req.ConnectionInfo != nil {
		info = req.ConnectionInfo.Clone()
	} else {
		info = jupyter.NewConnectionInfo(jupyter.TransportTCP, defaultIP)
	}

	if info.Transport == "" {
		info.Transport = jupyter.TransportTCP
	}
	if info.IP == "" {
		info.IP = defaultIP
	}
	if info.Key == "" {
		info.Key = jupyter.NewKey()
	}
	if info.SignatureScheme == "" {
		info.SignatureScheme = jupyter.SignatureSchemeHmacSha256
	}
	if req.Spec != nil {
		info.KernelName = req.Spec.Name
	}

	return info
}

// unassignedChannels returns the channels of info that have no port yet.
func unassignedChannels(info *jupyter.ConnectionInfo) []jupyter.Channel {
	channels := make([]jupyter.Channel, 0, len(jupyter.Channels))
	for _, channel := range jupyter.Channels {
		if info.Port(channel) == 0 {
			channels = append(channels, channel)
		}
	}
	return channels
}

func validateRequest(req *LaunchRequest) error {
	if req == nil || req.Spec == nil {
		return jupyter.NewKernelError("", "launch", jupyter.ErrLaunch, fmt.Errorf("no kernel spec"))
	}

	if err := req.Spec.Validate(); err != nil {
		return jupyter.NewKernelError(req.KernelId, "launch", jupyter.ErrLaunch, err)
	}

	return nil
}

func foreignHandle(name string, h Handle) error {
	return fmt.Errorf("%s cannot operate on handle of type %T", name, h)
}
