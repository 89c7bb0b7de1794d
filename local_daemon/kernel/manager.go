package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"

	"github.com/scusemua/kernel-manager/common/jupyter"
	"github.com/scusemua/kernel-manager/common/jupyter/client"
	"github.com/scusemua/kernel-manager/common/jupyter/kernelspec"
	"github.com/scusemua/kernel-manager/common/jupyter/messaging"
	"github.com/scusemua/kernel-manager/common/metrics"
	"github.com/scusemua/kernel-manager/common/store"
	"github.com/scusemua/kernel-manager/common/utils"
	"github.com/scusemua/kernel-manager/local_daemon/provisioner"
)

var errKernelExited = errors.New("kernel exited before completing its handshake")

// session is everything that belongs to one launch of a kernel. A session is never modified once published,
// except for being revoked.
type session struct {
	spec        *kernelspec.KernelSpec
	provisioner provisioner.Provisioner
	handle      provisioner.Handle
	connInfo    *jupyter.ConnectionInfo
	startedAt   time.Time

	// revoked is closed when the session ends. Clients bound to connInfo watch it.
	revoked    chan struct{}
	revokeOnce sync.Once
}

func (s *session) revoke() {
	s.revokeOnce.Do(func() { close(s.revoked) })
}

// KernelManager owns the lifecycle of one kernel.
//
// Lifecycle calls on the same KernelManager are serialized. State, IsAlive, ConnectionInfo, KernelId and KernelName
// never block.
type KernelManager struct {
	kernelId   string
	kernelName string
	opts       ManagerOptions

	// mu serializes lifecycle operations. It is held across launches and terminations.
	mu sync.Mutex

	// request is the StartRequest of the last successful StartKernel, reused by RestartKernel.
	request *StartRequest

	state   atomic.Int32
	session atomic.Pointer[session]

	// autoRestarts counts the relaunches of kernels that died on their own since the last explicit start or restart.
	autoRestarts int

	callbacks callbacks

	log logger.Logger
}

// NewKernelManager creates an unstarted KernelManager. An empty kernelId is replaced by a new UUID.
func NewKernelManager(kernelName string, kernelId string, opts *ManagerOptions) *KernelManager {
	if kernelId == "" {
		kernelId = uuid.NewString()
	}

	m := &KernelManager{
		kernelId:   kernelId,
		kernelName: kernelName,
		opts:       opts.withDefaults(),
	}
	config.InitLogger(&m.log, fmt.Sprintf("Kernel %s ", kernelId))

	return m
}

func (m *KernelManager) KernelId() string {
	return m.kernelId
}

func (m *KernelManager) KernelName() string {
	return m.kernelName
}

func (m *KernelManager) State() State {
	return State(m.state.Load())
}

func (m *KernelManager) setState(state State) {
	old := State(m.state.Swap(int32(state)))
	if old != state {
		m.log.Debug("%s → %s", utils.StateStyle(old.String()).Render(old.String()), utils.StateStyle(state.String()).Render(state.String()))
	}
}

// ConnectionInfo returns the connection info of the current launch, or nil if the kernel is not running.
func (m *KernelManager) ConnectionInfo() *jupyter.ConnectionInfo {
	if sess := m.session.Load(); sess != nil {
		return sess.connInfo
	}
	return nil
}

// KernelSpec returns the spec the kernel was launched from, or nil if the kernel is not running.
func (m *KernelManager) KernelSpec() *kernelspec.KernelSpec {
	if sess := m.session.Load(); sess != nil {
		return sess.spec.Clone()
	}
	return nil
}

// Info describes the kernel, including what its provisioner needs to find it again.
func (m *KernelManager) Info() map[string]interface{} {
	info := map[string]interface{}{
		"kernel_id":   m.kernelId,
		"kernel_name": m.kernelName,
		"state":       m.State().String(),
	}

	if sess := m.session.Load(); sess != nil {
		for k, v := range sess.provisioner.Info(sess.handle) {
			info[k] = v
		}
		info["provisioner_name"] = sess.provisioner.Name()
		info["connection_info"] = sess.connInfo
	}

	return info
}

// kernelError attaches the kernel ID and op to err, unless err already names this kernel and matches kind.
func (m *KernelManager) kernelError(op string, kind error, err error) error {
	var ke *jupyter.KernelError
	if errors.As(err, &ke) && ke.KernelId == m.kernelId && (kind == nil || errors.Is(err, kind)) {
		return err
	}
	return jupyter.NewKernelError(m.kernelId, op, kind, err)
}

// classify returns err with the kind it already carries, or wrapped in kind if it has none.
func (m *KernelManager) classify(op string, kind error, err error) error {
	var ke *jupyter.KernelError
	if errors.As(err, &ke) && ke.Kind != nil {
		if ke.KernelId == m.kernelId {
			return err
		}
		kind = ke.Kind
	}
	return jupyter.NewKernelError(m.kernelId, op, kind, err)
}

func (m *KernelManager) invalidState(op string) error {
	return jupyter.NewKernelError(m.kernelId, op, jupyter.ErrInvalidState, fmt.Errorf("kernel is %s", m.State()))
}

// StartKernel launches the kernel and waits for it to answer its first heartbeat.
//
// StartKernel is permitted from Unstarted and Failed. On failure nothing of the launch is left running, and the
// kernel is Failed.
func (m *KernelManager) StartKernel(ctx context.Context, req *StartRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.State().CanStart() {
		return m.invalidState("start")
	}

	m.setState(StateStarting)
	req = req.clone()

	err := m.launch(ctx, req, "start")
	m.opts.Metrics.ObserveOperation(metrics.OperationStart, err)
	if err != nil {
		m.log.Error(utils.RedStyle.Render("Failed to start: %v"), err)
		m.setState(StateFailed)
		return err
	}

	m.request = req
	m.autoRestarts = 0
	m.setState(StateRunning)
	return nil
}

// launch resolves the spec, launches the kernel and performs the handshake. On success the new session is
// published. Must be called with mu held.
func (m *KernelManager) launch(ctx context.Context, req *StartRequest, op string) error {
	spec, err := m.opts.Resolver.Resolve(m.kernelName)
	if err != nil {
		return m.kernelError(op, jupyter.ErrNoSuchKernel, err)
	}

	p, err := m.opts.Factory.Create(m.kernelId, spec)
	if err != nil {
		return m.kernelError(op, jupyter.ErrLaunch, err)
	}

	launchCtx, cancel := context.WithTimeout(ctx, m.opts.StartTimeout)
	defer cancel()

	startedAt := time.Now()
	connInfo, handle, err := p.Launch(launchCtx, &provisioner.LaunchRequest{
		KernelId:       m.kernelId,
		Spec:           spec,
		Env:            req.Env,
		ExtraArguments: req.ExtraArguments,
		Cwd:            req.Cwd,
		ConnectionInfo: m.opts.connectionRequest(),
		ConnectionDir:  m.opts.ConnectionDir,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return m.kernelError(op, jupyter.ErrStartTimeout, err)
		}
		return m.kernelError(op, jupyter.ErrLaunch, err)
	}

	m.log.Debug("Launched by %s; waiting for handshake at %s.", p.Name(), connInfo.Address(jupyter.HeartbeatChannel))

	readyCtx, cancelReady := context.WithCancelCause(launchCtx)
	go m.watchLaunch(readyCtx, cancelReady, p, handle)
	err = m.opts.Transport.WaitForReady(readyCtx, connInfo)
	cause := context.Cause(readyCtx)
	cancelReady(nil)

	if err != nil {
		m.abandon(p, handle)

		switch {
		case errors.Is(cause, errKernelExited):
			return m.kernelError(op, jupyter.ErrLaunch, cause)
		case errors.Is(err, context.DeadlineExceeded):
			return m.kernelError(op, jupyter.ErrStartTimeout, err)
		default:
			return m.kernelError(op, jupyter.ErrLaunch, err)
		}
	}

	sess := &session{
		spec:        spec,
		provisioner: p,
		handle:      handle,
		connInfo:    connInfo,
		startedAt:   startedAt,
		revoked:     make(chan struct{}),
	}
	m.session.Store(sess)
	if m.opts.MonitorInterval > 0 {
		go m.monitor(sess)
	}

	latency := time.Since(startedAt)
	m.opts.Metrics.ObserveStart(p.Name(), latency)
	m.log.Info(utils.GreenStyle.Render("Ready after %v."), latency)

	m.saveRecord(ctx, sess)
	return nil
}

// watchLaunch cancels ctx if the kernel exits before ctx is done.
func (m *KernelManager) watchLaunch(ctx context.Context, cancel context.CancelCauseFunc, p provisioner.Provisioner, h provisioner.Handle) {
	ticker := time.NewTicker(launchWatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.IsAlive(h) {
				cancel(errKernelExited)
				return
			}
		}
	}
}

// abandon kills and cleans up a kernel that failed to start.
func (m *KernelManager) abandon(p provisioner.Provisioner, h provisioner.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultCleanupTimeout)
	defer cancel()

	if err := p.Terminate(ctx, h, true); err != nil {
		m.log.Error(utils.RedStyle.Render("Failed to kill kernel that did not start: %v"), err)
	}
	if err := p.Cleanup(ctx, h, false); err != nil {
		m.log.Warn("Failed to clean up kernel that did not start: %v", err)
	}
}

// monitor watches the kernel of sess until the session ends, and handles its death if it dies first.
func (m *KernelManager) monitor(sess *session) {
	ticker := time.NewTicker(m.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.revoked:
			return
		case <-ticker.C:
			if !sess.provisioner.IsAlive(sess.handle) {
				m.handleDeath(sess)
				return
			}
		}
	}
}

// handleDeath fails a session whose kernel died on its own, relaunches the kernel if auto restart allows it, and
// then runs the callbacks of what happened.
func (m *KernelManager) handleDeath(sess *session) {
	m.mu.Lock()

	// A lifecycle operation ended the session first.
	if m.session.Load() != sess || m.State() != StateRunning {
		m.mu.Unlock()
		return
	}

	m.log.Warn(utils.OrangeStyle.Render("Kernel died unexpectedly."))

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.StartTimeout+DefaultCleanupTimeout)
	defer cancel()

	m.fail(ctx, sess)

	event := EventDead
	if m.opts.AutoRestart && m.autoRestarts < m.opts.RestartLimit {
		m.autoRestarts++
		m.setState(StateRestarting)
		m.log.Info(utils.LightBlueStyle.Render("Restarting dead kernel (%d/%d)."), m.autoRestarts, m.opts.RestartLimit)

		err := m.launch(ctx, m.request, "restart")
		m.opts.Metrics.ObserveOperation(metrics.OperationRestart, err)
		if err != nil {
			m.log.Error(utils.RedStyle.Render("Failed to restart dead kernel: %v"), err)
			m.setState(StateFailed)
		} else {
			m.setState(StateRunning)
			event = EventRestart
		}
	} else if m.opts.AutoRestart {
		m.log.Error(utils.RedStyle.Render("Kernel died after %d automatic restart(s); giving up."), m.autoRestarts)
	}
	m.mu.Unlock()

	for _, fn := range m.callbacks.forEvent(event) {
		fn(m)
	}
}

// AddCallback registers fn to be called on event. The returned ID removes it again.
func (m *KernelManager) AddCallback(event Event, fn Callback) CallbackId {
	return m.callbacks.add(event, fn)
}

// RemoveCallback removes a callback registered with AddCallback. It returns false if there was no such callback.
func (m *KernelManager) RemoveCallback(id CallbackId) bool {
	return m.callbacks.remove(id)
}

func (m *KernelManager) saveRecord(ctx context.Context, sess *session) {
	if m.opts.Store == nil {
		return
	}

	record := &store.KernelRecord{
		KernelId:        m.kernelId,
		KernelName:      m.kernelName,
		ProvisionerName: sess.provisioner.Name(),
		ConnectionInfo:  sess.connInfo,
		ProvisionerInfo: sess.provisioner.Info(sess.handle),
		StartedAt:       sess.startedAt,
	}
	if err := m.opts.Store.Save(ctx, record); err != nil {
		m.log.Warn(utils.OrangeStyle.Render("Failed to save kernel record: %v"), err)
	}
}

func (m *KernelManager) deleteRecord(ctx context.Context) {
	if m.opts.Store == nil {
		return
	}

	if err := m.opts.Store.Delete(ctx, m.kernelId); err != nil {
		m.log.Warn(utils.OrangeStyle.Render("Failed to delete kernel record: %v"), err)
	}
}

// IsAlive returns a snapshot of the kernel's liveness. It is false once this manager finished terminating the kernel.
func (m *KernelManager) IsAlive() bool {
	switch m.State() {
	case StateUnstarted, StateDead, StateFailed:
		return false
	}

	sess := m.session.Load()
	if sess == nil {
		return false
	}
	return sess.provisioner.IsAlive(sess.handle)
}

// running returns the current session, or an ErrInvalidState error if the kernel is not Running.
// Must be called with mu held.
func (m *KernelManager) running(op string) (*session, error) {
	sess := m.session.Load()
	if m.State() != StateRunning || sess == nil {
		return nil, m.invalidState(op)
	}
	return sess, nil
}

// InterruptKernel interrupts the kernel's current work. Kernels whose spec asks for message interrupts, and kernels
// whose provisioner cannot deliver SIGINT, get an interrupt_request on their control channel instead of SIGINT.
func (m *KernelManager) InterruptKernel(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.running("interrupt")
	if err != nil {
		return err
	}

	if !sess.spec.UsesMessageInterrupt() && sess.provisioner.SupportsSignal(syscall.SIGINT) {
		m.log.Debug("Interrupting with SIGINT.")
		err = m.signal(ctx, sess, syscall.SIGINT, "interrupt")
	} else {
		m.log.Debug("Interrupting with %s.", messaging.MessageTypeInterruptRequest)
		if err = m.opts.Transport.SendControlRequest(ctx, sess.connInfo, messaging.MessageTypeInterruptRequest, nil); err != nil {
			err = m.classify("interrupt", jupyter.ErrControlRequest, err)
		}
	}

	m.opts.Metrics.ObserveOperation(metrics.OperationInterrupt, err)
	return err
}

// SignalKernel delivers sig to the kernel.
func (m *KernelManager) SignalKernel(ctx context.Context, sig syscall.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.running("signal")
	if err != nil {
		return err
	}

	err = m.signal(ctx, sess, sig, "signal")
	m.opts.Metrics.ObserveOperation(metrics.OperationSignal, err)
	return err
}

// signal delivers sig. A kernel whose process is gone is Failed afterwards. Must be called with mu held.
func (m *KernelManager) signal(ctx context.Context, sess *session, sig syscall.Signal, op string) error {
	err := sess.provisioner.Signal(sess.handle, sig)
	if err == nil {
		return nil
	}

	if errors.Is(err, jupyter.ErrProcessNotFound) {
		m.log.Warn(utils.OrangeStyle.Render("Kernel process is gone; marking kernel as failed."))
		m.fail(ctx, sess)
	}
	return m.classify(op, jupyter.ErrSignal, err)
}

// fail ends a session whose kernel died on its own. Must be called with mu held.
func (m *KernelManager) fail(ctx context.Context, sess *session) {
	sess.revoke()
	m.session.Store(nil)
	m.setState(StateFailed)

	if err := sess.provisioner.Cleanup(ctx, sess.handle, false); err != nil {
		m.log.Warn("Failed to clean up after dead kernel: %v", err)
	}
	m.deleteRecord(ctx)
}

// RestartKernel stops the kernel and launches it again with the same spec and overrides.
//
// Unless now is set, the kernel is first sent a shutdown_request and given ShutdownWaitTime to exit. The restarted
// kernel has a new ConnectionInfo, and every client bound to the old one is revoked.
func (m *KernelManager) RestartKernel(ctx context.Context, now bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.restart(ctx, now)
	m.opts.Metrics.ObserveOperation(metrics.OperationRestart, err)
	return err
}

func (m *KernelManager) restart(ctx context.Context, now bool) error {
	sess, err := m.running("restart")
	if err != nil {
		return err
	}

	m.setState(StateRestarting)
	m.log.Info(utils.LightBlueStyle.Render("Restarting (now=%v)."), now)

	if err, _ = m.stop(ctx, sess, now, true); err != nil {
		m.setState(StateFailed)
		return m.kernelError("restart", jupyter.ErrRestart, err)
	}

	if err = m.launch(ctx, m.request, "restart"); err != nil {
		m.setState(StateFailed)
		m.deleteRecord(ctx)
		return m.kernelError("restart", jupyter.ErrRestart, err)
	}

	m.autoRestarts = 0
	m.setState(StateRunning)
	return nil
}

// ShutdownKernel stops the kernel and releases its resources. The kernel is Dead afterwards, unless terminating it
// failed, in which case it is Failed and ShutdownKernel may be retried.
//
// Unless now is set, the kernel is first sent a shutdown_request and given ShutdownWaitTime to exit.
// restartPending is passed on to the kernel and to the provisioner's cleanup.
func (m *KernelManager) ShutdownKernel(ctx context.Context, now bool, restartPending bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.session.Load()

	switch state := m.State(); {
	case state == StateDead:
		return nil
	case sess == nil:
		m.setState(StateDead)
		m.opts.Metrics.ObserveOperation(metrics.OperationShutdown, nil)
		return nil
	case state == StateFailed:
		// A previous termination failed. Do not wait on the kernel again.
		now = true
	}

	m.setState(StateShuttingDown)
	m.log.Info(utils.LightBlueStyle.Render("Shutting down (now=%v, restart=%v)."), now, restartPending)

	terminateErr, cleanupErr := m.stop(ctx, sess, now, restartPending)
	if terminateErr != nil {
		m.opts.Metrics.ObserveOperation(metrics.OperationShutdown, terminateErr)
		m.setState(StateFailed)
		return m.classify("shutdown", jupyter.ErrTerminate, terminateErr)
	}

	m.deleteRecord(ctx)
	m.setState(StateDead)

	m.opts.Metrics.ObserveOperation(metrics.OperationShutdown, cleanupErr)
	return cleanupErr
}

// stop ends the session: it revokes its clients, terminates the kernel and cleans up. The session is only
// forgotten once the kernel is terminated, so a failed termination can be retried. Cleanup failures are returned
// separately since the kernel is gone by then. Must be called with mu held.
func (m *KernelManager) stop(ctx context.Context, sess *session, now bool, restart bool) (terminateErr error, cleanupErr error) {
	sess.revoke()

	p, h := sess.provisioner, sess.handle
	if !now {
		m.requestShutdown(ctx, sess, restart)
	}

	if err := p.Terminate(ctx, h, now); err != nil {
		return m.kernelError("terminate", jupyter.ErrTerminate, err), nil
	}
	m.session.Store(nil)

	if err := p.Cleanup(ctx, h, restart); err != nil {
		m.log.Warn("Failed to clean up: %v", err)
		return nil, m.classify("cleanup", jupyter.ErrCleanup, err)
	}
	return nil, nil
}

// requestShutdown sends a shutdown_request and waits for the kernel to exit, for at most the shutdown wait time.
func (m *KernelManager) requestShutdown(ctx context.Context, sess *session, restart bool) {
	p, h := sess.provisioner, sess.handle

	waitCtx, cancel := context.WithTimeout(ctx, p.ShutdownWaitTime(m.opts.ShutdownWaitTime))
	defer cancel()

	content := map[string]interface{}{"restart": restart}
	if err := m.opts.Transport.SendControlRequest(waitCtx, sess.connInfo, messaging.MessageTypeShutdownRequest, content); err != nil {
		m.log.Debug("Kernel did not acknowledge %s: %v", messaging.MessageTypeShutdownRequest, err)
		return
	}

	ticker := time.NewTicker(launchWatchInterval)
	defer ticker.Stop()

	for p.IsAlive(h) {
		select {
		case <-waitCtx.Done():
			m.log.Debug("Kernel is still alive after %s.", messaging.MessageTypeShutdownRequest)
			return
		case <-ticker.C:
		}
	}
}

// Client returns a new client bound to the kernel's current connection info. The client is revoked by the next
// restart or shutdown.
func (m *KernelManager) Client() (*client.KernelClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.connected("client")
	if err != nil {
		return nil, err
	}
	return client.New(sess.connInfo, sess.revoked), nil
}

// BlockingClient is like Client, but the returned client's requests wait for their replies.
func (m *KernelManager) BlockingClient() (*client.BlockingClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.connected("blocking client")
	if err != nil {
		return nil, err
	}
	return client.NewBlocking(sess.connInfo, sess.revoked), nil
}

// ConnectChannel dials a standalone socket to one channel of the kernel. The caller owns the socket.
func (m *KernelManager) ConnectChannel(ctx context.Context, channel jupyter.Channel, identity string) (zmq4.Socket, error) {
	m.mu.Lock()
	sess, err := m.connected("connect " + channel.String())
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return client.DialChannel(ctx, sess.connInfo, channel, identity)
}

// connected returns the current session, or an ErrNotConnected error if the kernel is not Running.
func (m *KernelManager) connected(op string) (*session, error) {
	sess := m.session.Load()
	if m.State() != StateRunning || sess == nil {
		return nil, jupyter.NewKernelError(m.kernelId, op, jupyter.ErrNotConnected, fmt.Errorf("kernel is %s", m.State()))
	}
	return sess, nil
}
