package provisioner

import (
	"context"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
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
	LocalProvisionerName = kernelspec.DefaultProvisionerName

	DefaultGracePeriod = 5 * time.Second
	DefaultKillWait    = 5 * time.Second

	// GracePeriodEnv overrides DefaultGracePeriod, e.g. "10s".
	GracePeriodEnv = "KERNEL_MANAGER_GRACE_PERIOD"
)

// LocalProvisioner runs kernels as subprocesses of the current process.
//
// Every kernel gets its own process group, and signals are delivered to the whole group so that processes spawned by
// the kernel are reached too.
type LocalProvisioner struct {
	// GracePeriod bounds how long Terminate waits after SIGTERM when the caller's context has no earlier deadline.
	GracePeriod time.Duration

	// KillWait bounds how long Terminate waits for the kernel to exit after SIGKILL.
	KillWait time.Duration

	Stdout io.Writer
	Stderr io.Writer

	log logger.Logger
}

func NewLocalProvisioner() *LocalProvisioner {
	p := &LocalProvisioner{
		GracePeriod: utils.GetEnvDuration(GracePeriodEnv, DefaultGracePeriod),
		KillWait:    DefaultKillWait,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	}
	config.InitLogger(&p.log, p)
	return p
}

// localHandle tracks one kernel subprocess.
type localHandle struct {
	kernelId       string
	ip             string
	connectionFile string

	cmd  *exec.Cmd
	pid  int
	pgid int

	// exited is closed by the goroutine that waits for the process.
	exited   chan struct{}
	exitErr  error
	exitCode int

	terminateMu sync.Mutex
}

func (h *localHandle) KernelId() string {
	return h.kernelId
}

func (h *localHandle) hasExited() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

func (p *LocalProvisioner) Name() string {
	return LocalProvisionerName
}

func (p *LocalProvisioner) Kind() Kind {
	return KindLocal
}

func (p *LocalProvisioner) SupportsSignal(sig syscall.Signal) bool {
	return sig > 0
}

func (p *LocalProvisioner) ShutdownWaitTime(recommended time.Duration) time.Duration {
	return recommended
}

func (p *LocalProvisioner) Launch(ctx context.Context, req *LaunchRequest) (*jupyter.ConnectionInfo, Handle, error) {
	if err := validateRequest(req); err != nil {
		return nil, nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, jupyter.NewKernelError(req.KernelId, "launch", jupyter.ErrLaunch, err)
	}

	connInfo := connectionInfoFor(req, jupyter.DefaultIP)
	if connInfo.Transport == jupyter.TransportTCP && !isLocalIP(connInfo.IP) {
		return nil, nil, jupyter.NewKernelError(req.KernelId, "launch", jupyter.ErrLaunch,
			errors.Errorf("can only launch a kernel on a local interface, and %s is not one", connInfo.IP))
	}

	if err := assignPorts(connInfo); err != nil {
		return nil, nil, jupyter.NewKernelError(req.KernelId, "launch", jupyter.ErrLaunch, err)
	}

	connectionFile, err := jupyter.WriteConnectionFile(req.ConnectionDir, req.KernelId, connInfo)
	if err != nil {
		return nil, nil, jupyter.NewKernelError(req.KernelId, "launch", jupyter.ErrLaunch,
			errors.Wrap(err, "failed to write connection file"))
	}

	argv := req.Spec.FormatArgv(connectionFile, nil, req.ExtraArguments...)
	env := req.Spec.LaunchEnv(kernelspec.OSEnv(), req.Env)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = kernelspec.EnvList(env)
	cmd.Dir = req.Cwd
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p.log.Debug("Launching kernel %s: \"%s\"", req.KernelId, strings.Join(argv, " "))
	if err = cmd.Start(); err != nil {
		_ = jupyter.RemoveConnectionFile(connectionFile)
		return nil, nil, jupyter.NewKernelError(req.KernelId, "launch", jupyter.ErrLaunch,
			errors.Wrapf(err, "failed to start \"%s\"", argv[0]))
	}

	h := &localHandle{
		kernelId:       req.KernelId,
		ip:             connInfo.IP,
		connectionFile: connectionFile,
		cmd:            cmd,
		pid:            cmd.Process.Pid,
		pgid:           cmd.Process.Pid,
		exited:         make(chan struct{}),
	}

	if pgid, err := syscall.Getpgid(h.pid); err == nil {
		h.pgid = pgid
	}

	go p.wait(h)

	p.log.Debug("Kernel %s is running as pid %d (pgid %d).", req.KernelId, h.pid, h.pgid)
	return connInfo, h, nil
}

func (p *LocalProvisioner) wait(h *localHandle) {
	err := h.cmd.Wait()
	h.exitErr = err
	if h.cmd.ProcessState != nil {
		h.exitCode = h.cmd.ProcessState.ExitCode()
	}
	close(h.exited)

	if err != nil {
		p.log.Debug("Kernel %s (pid %d) exited: %v", h.kernelId, h.pid, err)
	} else {
		p.log.Debug("Kernel %s (pid %d) exited with code %d.", h.kernelId, h.pid, h.exitCode)
	}
}

func (p *LocalProvisioner) handle(h Handle) (*localHandle, error) {
	lh, ok := h.(*localHandle)
	if !ok || lh == nil {
		return nil, foreignHandle(p.Name(), h)
	}
	return lh, nil
}

func (p *LocalProvisioner) IsAlive(h Handle) bool {
	lh, err := p.handle(h)
	if err != nil {
		return false
	}
	return !lh.hasExited()
}

func (p *LocalProvisioner) Signal(h Handle, sig syscall.Signal) error {
	lh, err := p.handle(h)
	if err != nil {
		return err
	}

	if !p.SupportsSignal(sig) {
		return jupyter.NewKernelError(lh.kernelId, "signal", jupyter.ErrUnsupportedSignal, errors.Errorf("signal %d", sig))
	}

	if lh.hasExited() {
		return jupyter.NewKernelError(lh.kernelId, "signal", jupyter.ErrProcessNotFound, nil)
	}

	if err = p.signal(lh, sig); err != nil {
		if isProcessGone(err) {
			return jupyter.NewKernelError(lh.kernelId, "signal", jupyter.ErrProcessNotFound, err)
		}
		return jupyter.NewKernelError(lh.kernelId, "signal", jupyter.ErrSignal, errors.Wrapf(err, "failed to deliver %v", sig))
	}

	return nil
}

// signal delivers sig to the process group of the kernel, falling back to the process itself.
func (p *LocalProvisioner) signal(h *localHandle, sig syscall.Signal) error {
	if h.pgid > 0 {
		err := syscall.Kill(-h.pgid, sig)
		if err == nil {
			return nil
		}
		p.log.Debug("Failed to signal process group %d of kernel %s: %v", h.pgid, h.kernelId, err)
	}

	return h.cmd.Process.Signal(sig)
}

func (p *LocalProvisioner) Terminate(ctx context.Context, h Handle, force bool) error {
	lh, err := p.handle(h)
	if err != nil {
		return err
	}

	lh.terminateMu.Lock()
	defer lh.terminateMu.Unlock()

	if lh.hasExited() {
		return nil
	}

	if !force {
		if err = p.signal(lh, syscall.SIGTERM); err != nil && !isProcessGone(err) {
			p.log.Warn("Failed to send SIGTERM to kernel %s: %v", lh.kernelId, err)
		}

		grace := time.NewTimer(p.GracePeriod)
		defer grace.Stop()

		select {
		case <-lh.exited:
			p.log.Debug("Kernel %s exited after SIGTERM.", lh.kernelId)
			return nil
		case <-grace.C:
		case <-ctx.Done():
		}

		p.log.Warn(utils.OrangeStyle.Render("Kernel %s did not exit after SIGTERM. Killing it."), lh.kernelId)
	}

	return p.kill(lh)
}

func (p *LocalProvisioner) kill(h *localHandle) error {
	if err := p.signal(h, syscall.SIGKILL); err != nil && !isProcessGone(err) {
		return jupyter.NewKernelError(h.kernelId, "kill", jupyter.ErrTerminate, err)
	}

	wait := time.NewTimer(p.KillWait)
	defer wait.Stop()

	select {
	case <-h.exited:
		return nil
	case <-wait.C:
		return jupyter.NewKernelError(h.kernelId, "kill", jupyter.ErrTerminate,
			errors.Errorf("pid %d still running %v after SIGKILL", h.pid, p.KillWait))
	}
}

func (p *LocalProvisioner) Cleanup(_ context.Context, h Handle, _ bool) error {
	lh, err := p.handle(h)
	if err != nil {
		return err
	}

	return jupyter.RemoveConnectionFile(lh.connectionFile)
}

func (p *LocalProvisioner) Info(h Handle) map[string]interface{} {
	lh, err := p.handle(h)
	if err != nil {
		return map[string]interface{}{}
	}

	return map[string]interface{}{
		"provisioner_name": p.Name(),
		"pid":              lh.pid,
		"pgid":             lh.pgid,
		"ip":               lh.ip,
		"connection_file":  lh.connectionFile,
	}
}

// assignPorts gives a port to every channel of info that has none.
// TCP ports are reserved from the OS. IPC "ports" only need to be distinct.
func assignPorts(info *jupyter.ConnectionInfo) error {
	channels := unassignedChannels(info)
	if len(channels) == 0 {
		return nil
	}

	if info.Transport == jupyter.TransportIPC {
		next := 1
		for _, channel := range channels {
			for inUse(info, next) {
				next++
			}
			info.SetPort(channel, next)
			next++
		}
		return nil
	}

	ports, err := utils.ReservePorts(info.IP, len(channels))
	if err != nil {
		return err
	}

	for i, channel := range channels {
		info.SetPort(channel, ports[i])
	}
	return nil
}

func inUse(info *jupyter.ConnectionInfo, port int) bool {
	for _, channel := range jupyter.Channels {
		if info.Port(channel) == port {
			return true
		}
	}
	return false
}

// isLocalIP returns true if ip names the local host.
func isLocalIP(ip string) bool {
	switch ip {
	case "", "localhost", "0.0.0.0":
		return true
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	if parsed.IsLoopback() || parsed.IsUnspecified() {
		return true
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}

	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.Equal(parsed) {
			return true
		}
	}
	return false
}

func isProcessGone(err error) bool {
	return errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone)
}
