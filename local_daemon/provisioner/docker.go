package provisioner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"

	"github.com/scusemua/kernel-manager/common/jupyter"
	"github.com/scusemua/kernel-manager/common/jupyter/kernelspec"
	"github.com/scusemua/kernel-manager/common/utils"
)

const (
	DockerProvisionerName = "docker-provisioner"

	DockerImageNameEnv     = "KERNEL_IMAGE"
	DockerImageNameDefault = "jupyter/base-notebook:latest"

	DockerNetworkNameEnv = "DOCKER_NETWORK_NAME"

	// DockerConnectionDir is where the connection file is mounted inside kernel containers.
	DockerConnectionDir = "/etc/jupyter/runtime"

	DockerKernelNameFormat = "kernel-%s-%s"

	dockerErrorPrefix     = "Error response from daemon: "
	dockerNoSuchContainer = "No such container"
	dockerNotRunning      = "is not running"

	dockerStatusTimeout = 2 * time.Second
)

var (
	ErrDockerContainerCreationFailed = errors.New("failed to create docker container for kernel")
)

// CommandRunner runs an external command and returns what it wrote to stdout and stderr.
type CommandRunner func(ctx context.Context, name string, args ...string) (stdout string, stderr string, err error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var outb, errb bytes.Buffer
	cmd.Stdout = &outb
	cmd.Stderr = &errb

	err := cmd.Run()
	return outb.String(), errb.String(), err
}

// ContainerMetricsProvider records the latency of container creation.
type ContainerMetricsProvider interface {
	ObserveContainerCreation(provisioner string, latency time.Duration)
}

// DockerOptions configures the containers created by a DockerProvisioner.
type DockerOptions struct {
	Image   string
	Network string

	// ConnectionDir is the host directory in which connection files are written before being mounted.
	ConnectionDir string

	// KeepStoppedContainers renames stopped containers instead of removing them.
	KeepStoppedContainers bool

	// Labels are added to every container.
	Labels map[string]string
}

// DockerProvisioner runs every kernel in its own container, through the docker CLI.
//
// The kernel's ports are published on the loopback interface of the host, so clients reach a containerized kernel
// the same way as a local one.
type DockerProvisioner struct {
	opts    DockerOptions
	run     CommandRunner
	metrics ContainerMetricsProvider

	// GracePeriod is the timeout handed to "docker stop".
	GracePeriod time.Duration

	log logger.Logger
}

// NewDockerProvisioner creates a DockerProvisioner. A nil runner means ExecRunner, and metrics may be nil.
func NewDockerProvisioner(opts DockerOptions, runner CommandRunner, metrics ContainerMetricsProvider) *DockerProvisioner {
	if opts.Image == "" {
		opts.Image = utils.GetEnv(DockerImageNameEnv, DockerImageNameDefault)
	}
	if opts.Network == "" {
		opts.Network = utils.GetEnv(DockerNetworkNameEnv, "")
	}
	if runner == nil {
		runner = ExecRunner
	}

	p := &DockerProvisioner{
		opts:        opts,
		run:         runner,
		metrics:     metrics,
		GracePeriod: DefaultGracePeriod,
	}
	config.InitLogger(&p.log, p)
	return p
}

// dockerHandle tracks one kernel container.
type dockerHandle struct {
	kernelId       string
	containerName  string
	connectionFile string

	// stopped is set once the container is known to be stopped.
	stopped atomic.Bool
}

func (h *dockerHandle) KernelId() string {
	return h.kernelId
}

func (p *DockerProvisioner) Name() string {
	return DockerProvisionerName
}

func (p *DockerProvisioner) Kind() Kind {
	return KindRemote
}

func (p *DockerProvisioner) SupportsSignal(sig syscall.Signal) bool {
	return sig > 0
}

func (p *DockerProvisioner) ShutdownWaitTime(recommended time.Duration) time.Duration {
	// "docker stop" has its own timeout, which the caller has to wait for on top of the kernel's.
	return recommended + p.GracePeriod
}

func (p *DockerProvisioner) Launch(ctx context.Context, req *LaunchRequest) (*jupyter.ConnectionInfo, Handle, error) {
	if err := validateRequest(req); err != nil {
		return nil, nil, err
	}

	hostInfo := connectionInfoFor(req, jupyter.DefaultIP)
	if hostInfo.Transport != jupyter.TransportTCP {
		return nil, nil, jupyter.NewKernelError(req.KernelId, "launch", jupyter.ErrLaunch,
			errors.Errorf("transport \"%s\" cannot cross a container boundary", hostInfo.Transport))
	}
	hostInfo.IP = jupyter.DefaultIP

	if err := assignPorts(hostInfo); err != nil {
		return nil, nil, jupyter.NewKernelError(req.KernelId, "launch", jupyter.ErrLaunch, err)
	}

	// The kernel binds every interface of its container, on the same ports as the ones published on the host.
	containerInfo := hostInfo.Clone()
	containerInfo.IP = "0.0.0.0"

	connectionFile, err := jupyter.WriteConnectionFile(p.opts.ConnectionDir, req.KernelId, containerInfo)
	if err != nil {
		return nil, nil, jupyter.NewKernelError(req.KernelId, "launch", jupyter.ErrLaunch,
			errors.Wrap(err, "failed to write connection file"))
	}

	h := &dockerHandle{
		kernelId:       req.KernelId,
		containerName:  fmt.Sprintf(DockerKernelNameFormat, req.KernelId, utils.GenerateRandomString(8)),
		connectionFile: connectionFile,
	}

	args := p.runArgs(req, h, hostInfo)
	p.log.Debug("Launching kernel %s in container %s: docker %s", req.KernelId, h.containerName, strings.Join(args, " "))

	startTime := time.Now()
	if _, stderr, err := p.run(ctx, "docker", args...); err != nil {
		_ = jupyter.RemoveConnectionFile(connectionFile)
		return nil, nil, jupyter.NewKernelError(req.KernelId, "launch", jupyter.ErrLaunch,
			errors.Wrapf(ErrDockerContainerCreationFailed, "%s (%v)", dockerErrorMessage(stderr), err))
	}

	latency := time.Since(startTime)
	p.log.Debug("Created container %s for kernel %s in %v.", h.containerName, req.KernelId, latency)
	if p.metrics != nil {
		p.metrics.ObserveContainerCreation(p.Name(), latency)
	}

	return hostInfo, h, nil
}

func (p *DockerProvisioner) runArgs(req *LaunchRequest, h *dockerHandle, info *jupyter.ConnectionInfo) []string {
	containerConnectionFile := filepath.Join(DockerConnectionDir, filepath.Base(h.connectionFile))

	args := []string{
		"run", "-d",
		"--name", h.containerName,
		"--label", "kernel_id=" + req.KernelId,
		"--label", "kernel_name=" + req.Spec.Name,
		"-v", h.connectionFile + ":" + containerConnectionFile + ":ro",
	}

	for key, value := range p.opts.Labels {
		args = append(args, "--label", key+"="+value)
	}

	if p.opts.Network != "" {
		args = append(args, "--network", p.opts.Network, "--network-alias", h.containerName)
	}

	for _, channel := range jupyter.Channels {
		port := strconv.Itoa(info.Port(channel))
		args = append(args, "-p", info.IP+":"+port+":"+port)
	}

	// Only the spec's env and the overrides cross into the container. The host's environment does not.
	env := req.Spec.LaunchEnv(nil, req.Env)
	for _, kv := range kernelspec.EnvList(env) {
		args = append(args, "-e", kv)
	}

	if req.Cwd != "" {
		args = append(args, "-w", req.Cwd)
	}

	args = append(args, p.opts.Image)
	return append(args, req.Spec.FormatArgv(containerConnectionFile, nil, req.ExtraArguments...)...)
}

func (p *DockerProvisioner) handle(h Handle) (*dockerHandle, error) {
	dh, ok := h.(*dockerHandle)
	if !ok || dh == nil {
		return nil, foreignHandle(p.Name(), h)
	}
	return dh, nil
}

func (p *DockerProvisioner) IsAlive(h Handle) bool {
	dh, err := p.handle(h)
	if err != nil || dh.stopped.Load() {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), dockerStatusTimeout)
	defer cancel()

	stdout, _, err := p.run(ctx, "docker", "inspect", "-f", "{{.State.Running}}", dh.containerName)
	if err != nil {
		return false
	}
	return strings.TrimSpace(stdout) == "true"
}

func (p *DockerProvisioner) Signal(h Handle, sig syscall.Signal) error {
	dh, err := p.handle(h)
	if err != nil {
		return err
	}

	if !p.SupportsSignal(sig) {
		return jupyter.NewKernelError(dh.kernelId, "signal", jupyter.ErrUnsupportedSignal, errors.Errorf("signal %d", sig))
	}

	if dh.stopped.Load() {
		return jupyter.NewKernelError(dh.kernelId, "signal", jupyter.ErrProcessNotFound, nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dockerStatusTimeout)
	defer cancel()

	_, stderr, err := p.run(ctx, "docker", "kill", "--signal", strconv.Itoa(int(sig)), dh.containerName)
	if err != nil {
		if containerGone(stderr) {
			return jupyter.NewKernelError(dh.kernelId, "signal", jupyter.ErrProcessNotFound, errors.New(dockerErrorMessage(stderr)))
		}
		return jupyter.NewKernelError(dh.kernelId, "signal", jupyter.ErrSignal, errors.Wrap(err, dockerErrorMessage(stderr)))
	}

	return nil
}

func (p *DockerProvisioner) Terminate(ctx context.Context, h Handle, force bool) error {
	dh, err := p.handle(h)
	if err != nil {
		return err
	}

	if dh.stopped.Load() {
		return nil
	}

	var args []string
	if force {
		args = []string{"kill", dh.containerName}
	} else {
		args = []string{"stop", "-t", strconv.Itoa(int(p.GracePeriod.Seconds())), dh.containerName}
	}

	p.log.Debug("Stopping container %s of kernel %s via docker %s.", dh.containerName, dh.kernelId, strings.Join(args, " "))
	if _, stderr, err := p.run(ctx, "docker", args...); err != nil && !containerGone(stderr) {
		return jupyter.NewKernelError(dh.kernelId, "terminate", jupyter.ErrTerminate, errors.Wrap(err, dockerErrorMessage(stderr)))
	}

	dh.stopped.Store(true)
	return nil
}

func (p *DockerProvisioner) Cleanup(ctx context.Context, h Handle, _ bool) error {
	dh, err := p.handle(h)
	if err != nil {
		return err
	}

	var containerErr error
	if p.opts.KeepStoppedContainers {
		containerErr = p.renameStoppedContainer(ctx, dh)
	} else {
		containerErr = p.removeContainer(ctx, dh)
	}

	if err = jupyter.RemoveConnectionFile(dh.connectionFile); err != nil && containerErr == nil {
		return err
	}
	return containerErr
}

func (p *DockerProvisioner) removeContainer(ctx context.Context, h *dockerHandle) error {
	_, stderr, err := p.run(ctx, "docker", "rm", "-f", h.containerName)
	if err != nil && !containerGone(stderr) {
		p.log.Warn("Failed to remove container %s: %s (%v)", h.containerName, dockerErrorMessage(stderr), err)
		return errors.Wrapf(err, "failed to remove container %s: %s", h.containerName, dockerErrorMessage(stderr))
	}

	h.stopped.Store(true)
	return nil
}

// renameStoppedContainer renames the container to "<name>-old-<timestamp>", so the name can be reused.
func (p *DockerProvisioner) renameStoppedContainer(ctx context.Context, h *dockerHandle) error {
	newName := fmt.Sprintf("%s-old-%s", h.containerName, time.Now().Format("2006-01-02-15-04-05.000"))

	p.log.Debug("Renaming stopped container %s to %s.", h.containerName, newName)
	if _, stderr, err := p.run(ctx, "docker", "container", "rename", h.containerName, newName); err != nil {
		if containerGone(stderr) {
			return nil
		}
		p.log.Warn("Failed to rename container %s: %s", h.containerName, dockerErrorMessage(stderr))
		return p.removeContainer(ctx, h)
	}

	return nil
}

func (p *DockerProvisioner) Info(h Handle) map[string]interface{} {
	dh, err := p.handle(h)
	if err != nil {
		return map[string]interface{}{}
	}

	return map[string]interface{}{
		"provisioner_name": p.Name(),
		"container_name":   dh.containerName,
		"image":            p.opts.Image,
		"connection_file":  dh.connectionFile,
	}
}

func dockerErrorMessage(stderr string) string {
	msg := strings.TrimSpace(stderr)
	if i := strings.Index(msg, dockerErrorPrefix); i >= 0 {
		msg = msg[i+len(dockerErrorPrefix):]
	}
	return msg
}

func containerGone(stderr string) bool {
	return strings.Contains(stderr, dockerNoSuchContainer) || strings.Contains(stderr, dockerNotRunning)
}
