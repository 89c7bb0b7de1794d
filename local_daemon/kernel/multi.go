package kernel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"syscall"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/scusemua/kernel-manager/common/jupyter"
	"github.com/scusemua/kernel-manager/common/jupyter/client"
	"github.com/scusemua/kernel-manager/common/utils"
)

const (
	// initialMapSize is the initial size of the maps of the MultiKernelManager.
	initialMapSize = 16

	// DefaultShutdownConcurrency bounds the number of kernels ShutdownAll stops at once.
	DefaultShutdownConcurrency = 16
)

// MultiKernelManager manages many kernels by kernel ID.
//
// The registry lock is only held to look up or modify the registry, never across a kernel lifecycle operation. A
// kernel is registered once it started successfully, and removed when it is shut down. A kernel that could not be
// terminated stays registered as Failed so that its shutdown can be retried.
type MultiKernelManager struct {
	opts              ManagerOptions
	defaultKernelName string

	// ShutdownConcurrency bounds the number of kernels ShutdownAll stops at once.
	ShutdownConcurrency int

	announcer Announcer

	mu      sync.Mutex
	kernels map[string]*KernelManager

	// starting holds the IDs reserved by StartKernel calls that have not returned yet.
	starting map[string]*KernelManager

	log logger.Logger
}

// NewMultiKernelManager returns an empty registry whose kernels share opts. Kernels started without a name use
// defaultKernelName.
func NewMultiKernelManager(defaultKernelName string, opts *ManagerOptions) *MultiKernelManager {
	m := &MultiKernelManager{
		opts:                opts.withDefaults(),
		defaultKernelName:   defaultKernelName,
		ShutdownConcurrency: DefaultShutdownConcurrency,
		kernels:             make(map[string]*KernelManager, initialMapSize),
		starting:            make(map[string]*KernelManager, initialMapSize),
	}
	config.InitLogger(&m.log, m)

	return m
}

// SetAnnouncer sets the service catalog notified when kernels start, restart and go away.
func (m *MultiKernelManager) SetAnnouncer(announcer Announcer) {
	m.announcer = announcer
}

func (m *MultiKernelManager) DefaultKernelName() string {
	return m.defaultKernelName
}

// StartKernel starts a kernel and registers it under kernelId. Empty values select the default kernel name and a new
// UUID. A failed start leaves nothing registered.
func (m *MultiKernelManager) StartKernel(ctx context.Context, kernelName string, kernelId string, req *StartRequest) (string, error) {
	if kernelName == "" {
		kernelName = m.defaultKernelName
	}
	if kernelId == "" {
		kernelId = uuid.NewString()
	}

	km := NewKernelManager(kernelName, kernelId, &m.opts)
	km.AddCallback(EventRestart, m.announce)
	km.AddCallback(EventDead, func(km *KernelManager) { m.withdraw(km.KernelId()) })

	m.mu.Lock()
	_, registered := m.kernels[kernelId]
	_, starting := m.starting[kernelId]
	if registered || starting {
		m.mu.Unlock()
		return "", jupyter.NewKernelError(kernelId, "start", jupyter.ErrDuplicateKernelId, nil)
	}
	m.starting[kernelId] = km
	m.mu.Unlock()

	m.log.Debug("Starting kernel %s (%s).", kernelId, kernelName)
	err := km.StartKernel(ctx, req)

	m.mu.Lock()
	current, stillReserved := m.starting[kernelId]
	stillReserved = stillReserved && current == km
	if stillReserved {
		delete(m.starting, kernelId)
	}
	if err == nil && stillReserved {
		m.kernels[kernelId] = km
	}
	numKernels := len(m.kernels)
	m.mu.Unlock()

	if err != nil {
		return "", err
	}

	if !stillReserved {
		// ShutdownAll took the kernel over while it was starting.
		return "", jupyter.NewKernelError(kernelId, "start", jupyter.ErrInvalidState, fmt.Errorf("kernel was shut down while starting"))
	}

	m.opts.Metrics.SetActiveKernels(numKernels)
	m.announce(km)

	m.log.Info(utils.GreenStyle.Render("Started kernel %s (%s)."), kernelId, kernelName)
	return kernelId, nil
}

func (m *MultiKernelManager) announce(km *KernelManager) {
	if m.announcer == nil {
		return
	}

	connInfo := km.ConnectionInfo()
	if connInfo == nil {
		return
	}

	if err := m.announcer.AnnounceKernel(km.KernelId(), km.KernelName(), connInfo); err != nil {
		m.log.Warn(utils.OrangeStyle.Render("Failed to announce kernel %s: %v"), km.KernelId(), err)
	}
}

func (m *MultiKernelManager) withdraw(kernelId string) {
	if m.announcer == nil {
		return
	}

	if err := m.announcer.WithdrawKernel(kernelId); err != nil {
		m.log.Warn(utils.OrangeStyle.Render("Failed to withdraw kernel %s: %v"), kernelId, err)
	}
}

// GetKernel returns the manager of a registered kernel.
func (m *MultiKernelManager) GetKernel(kernelId string) (*KernelManager, error) {
	m.mu.Lock()
	km, ok := m.kernels[kernelId]
	m.mu.Unlock()

	if !ok {
		return nil, jupyter.NewKernelError(kernelId, "lookup", jupyter.ErrKernelNotFound, nil)
	}
	return km, nil
}

// ListKernelIds returns the sorted IDs of the registered kernels.
func (m *MultiKernelManager) ListKernelIds() []string {
	m.mu.Lock()
	kernelIds := make([]string, 0, len(m.kernels))
	for kernelId := range m.kernels {
		kernelIds = append(kernelIds, kernelId)
	}
	m.mu.Unlock()

	sort.Strings(kernelIds)
	return kernelIds
}

func (m *MultiKernelManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.kernels)
}

func (m *MultiKernelManager) Contains(kernelId string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.kernels[kernelId]
	return ok
}

// unregister removes km from the registry, unless another manager has been registered under its ID since.
func (m *MultiKernelManager) unregister(km *KernelManager) {
	m.mu.Lock()
	if current, ok := m.kernels[km.KernelId()]; ok && current == km {
		delete(m.kernels, km.KernelId())
	}
	numKernels := len(m.kernels)
	m.mu.Unlock()

	m.opts.Metrics.SetActiveKernels(numKernels)
}

// RemoveKernel removes a kernel from the registry, shutting it down first if shutdown is set. A kernel that is still
// alive cannot be removed without shutting it down.
func (m *MultiKernelManager) RemoveKernel(ctx context.Context, kernelId string, shutdown bool) error {
	km, err := m.GetKernel(kernelId)
	if err != nil {
		return err
	}

	if shutdown {
		return m.shutdown(ctx, km, false)
	}

	if km.IsAlive() {
		return jupyter.NewKernelError(kernelId, "remove", jupyter.ErrInvalidState, fmt.Errorf("kernel is still alive"))
	}

	m.withdraw(kernelId)
	m.unregister(km)
	return nil
}

// ShutdownKernel shuts a kernel down and removes it from the registry.
func (m *MultiKernelManager) ShutdownKernel(ctx context.Context, kernelId string, now bool) error {
	km, err := m.GetKernel(kernelId)
	if err != nil {
		return err
	}

	return m.shutdown(ctx, km, now)
}

// shutdown withdraws, stops and unregisters km. If the kernel could not be terminated, it stays registered as
// Failed.
func (m *MultiKernelManager) shutdown(ctx context.Context, km *KernelManager, now bool) error {
	m.withdraw(km.KernelId())
	err := km.ShutdownKernel(ctx, now, false)

	if err != nil && km.State() == StateFailed {
		m.log.Error(utils.RedStyle.Render("Failed to terminate kernel %s, keeping it registered: %v"), km.KernelId(), err)
		return err
	}

	m.unregister(km)
	if err != nil {
		m.log.Error(utils.RedStyle.Render("Failed to shut down kernel %s: %v"), km.KernelId(), err)
	}
	return err
}

// ShutdownAll shuts down every kernel, including those still starting, and empties the registry. Kernels that could
// not be terminated are registered again as Failed.
//
// Kernels are stopped concurrently. A failure to stop one kernel does not prevent stopping the others, and every
// failure is reported in the returned *multierror.Error.
func (m *MultiKernelManager) ShutdownAll(ctx context.Context, now bool) error {
	m.mu.Lock()
	targets := make([]*KernelManager, 0, len(m.kernels)+len(m.starting))
	for _, km := range m.kernels {
		targets = append(targets, km)
	}
	for _, km := range m.starting {
		targets = append(targets, km)
	}
	m.kernels = make(map[string]*KernelManager, initialMapSize)
	m.starting = make(map[string]*KernelManager, initialMapSize)
	m.mu.Unlock()

	m.opts.Metrics.SetActiveKernels(0)
	m.log.Info("Shutting down %d kernel(s) (now=%v).", len(targets), now)

	var (
		resultMu sync.Mutex
		result   *multierror.Error
		failed   []*KernelManager
		group    errgroup.Group
	)
	if m.ShutdownConcurrency > 0 {
		group.SetLimit(m.ShutdownConcurrency)
	}

	for _, km := range targets {
		km := km
		group.Go(func() error {
			m.withdraw(km.KernelId())
			if err := km.ShutdownKernel(ctx, now, false); err != nil {
				resultMu.Lock()
				result = multierror.Append(result, err)
				if km.State() == StateFailed {
					failed = append(failed, km)
				}
				resultMu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()

	if len(failed) > 0 {
		m.reregister(failed)
	}

	if err := result.ErrorOrNil(); err != nil {
		m.log.Error(utils.RedStyle.Render("Failed to shut down %d kernel(s): %v"), len(result.Errors), err)
		return err
	}
	return nil
}

// reregister puts back kernels that ShutdownAll could not terminate. A kernel whose ID was taken in the meantime is
// not put back.
func (m *MultiKernelManager) reregister(kms []*KernelManager) {
	m.mu.Lock()
	for _, km := range kms {
		_, registered := m.kernels[km.KernelId()]
		_, starting := m.starting[km.KernelId()]
		if registered || starting {
			m.log.Error(utils.RedStyle.Render("Kernel %s could not be terminated, and its ID is in use again."), km.KernelId())
			continue
		}
		m.kernels[km.KernelId()] = km
	}
	numKernels := len(m.kernels)
	m.mu.Unlock()

	m.opts.Metrics.SetActiveKernels(numKernels)
}

// InterruptKernel interrupts a registered kernel.
func (m *MultiKernelManager) InterruptKernel(ctx context.Context, kernelId string) error {
	km, err := m.GetKernel(kernelId)
	if err != nil {
		return err
	}
	return km.InterruptKernel(ctx)
}

// SignalKernel delivers sig to a registered kernel.
func (m *MultiKernelManager) SignalKernel(ctx context.Context, kernelId string, sig syscall.Signal) error {
	km, err := m.GetKernel(kernelId)
	if err != nil {
		return err
	}
	return km.SignalKernel(ctx, sig)
}

// RestartKernel restarts a registered kernel and announces its new connection info.
func (m *MultiKernelManager) RestartKernel(ctx context.Context, kernelId string, now bool) error {
	km, err := m.GetKernel(kernelId)
	if err != nil {
		return err
	}

	if err = km.RestartKernel(ctx, now); err != nil {
		// The kernel is Failed, and no longer reachable at its announced address.
		m.withdraw(kernelId)
		return err
	}

	m.announce(km)
	return nil
}

// AddCallback registers fn to be called when event happens to a registered kernel.
func (m *MultiKernelManager) AddCallback(kernelId string, event Event, fn Callback) (CallbackId, error) {
	km, err := m.GetKernel(kernelId)
	if err != nil {
		return 0, err
	}
	return km.AddCallback(event, fn), nil
}

// RemoveCallback removes a callback registered with AddCallback.
func (m *MultiKernelManager) RemoveCallback(kernelId string, id CallbackId) error {
	km, err := m.GetKernel(kernelId)
	if err != nil {
		return err
	}

	if !km.RemoveCallback(id) {
		return jupyter.NewKernelError(kernelId, "remove callback", jupyter.ErrInvalidState, fmt.Errorf("no callback %d", id))
	}
	return nil
}

// IsAlive reports the liveness of a registered kernel.
func (m *MultiKernelManager) IsAlive(kernelId string) (bool, error) {
	km, err := m.GetKernel(kernelId)
	if err != nil {
		return false, err
	}
	return km.IsAlive(), nil
}

// GetConnectionInfo returns the connection info of a registered kernel.
func (m *MultiKernelManager) GetConnectionInfo(kernelId string) (*jupyter.ConnectionInfo, error) {
	km, err := m.GetKernel(kernelId)
	if err != nil {
		return nil, err
	}

	connInfo := km.ConnectionInfo()
	if connInfo == nil {
		return nil, jupyter.NewKernelError(kernelId, "connection info", jupyter.ErrNotConnected, nil)
	}
	return connInfo, nil
}

// Client returns a new client of a registered kernel.
func (m *MultiKernelManager) Client(kernelId string) (*client.KernelClient, error) {
	km, err := m.GetKernel(kernelId)
	if err != nil {
		return nil, err
	}
	return km.Client()
}

// BlockingClient returns a new blocking client of a registered kernel.
func (m *MultiKernelManager) BlockingClient(kernelId string) (*client.BlockingClient, error) {
	km, err := m.GetKernel(kernelId)
	if err != nil {
		return nil, err
	}
	return km.BlockingClient()
}

// ConnectChannel dials a standalone socket to one channel of a registered kernel.
func (m *MultiKernelManager) ConnectChannel(ctx context.Context, kernelId string, channel jupyter.Channel, identity string) (zmq4.Socket, error) {
	km, err := m.GetKernel(kernelId)
	if err != nil {
		return nil, err
	}
	return km.ConnectChannel(ctx, channel, identity)
}
