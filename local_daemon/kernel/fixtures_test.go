package kernel_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/scusemua/kernel-manager/common/jupyter"
	"github.com/scusemua/kernel-manager/common/jupyter/kernelspec"
	"github.com/scusemua/kernel-manager/local_daemon/provisioner"
	"github.com/scusemua/kernel-manager/local_daemon/provisioner/mock_provisioner"
)

const (
	testKernelName      = "test-kernel"
	mockProvisionerName = "mock-provisioner"
)

type testHandle struct {
	kernelId string
	launch   int
}

func (h *testHandle) KernelId() string {
	return h.kernelId
}

type factoryFunc func(kernelId string, spec *kernelspec.KernelSpec) (provisioner.Provisioner, error)

func (f factoryFunc) Create(kernelId string, spec *kernelspec.KernelSpec) (provisioner.Provisioner, error) {
	return f(kernelId, spec)
}

// fakeTransport answers handshakes and records control requests without any network traffic.
type fakeTransport struct {
	mu sync.Mutex

	// ready, if set, decides the outcome of each handshake.
	ready func(ctx context.Context, connInfo *jupyter.ConnectionInfo) error

	// onControl, if set, runs for every control request before it is answered.
	onControl func(msgType string, content interface{})

	controlErr      error
	controlRequests []string
}

func (t *fakeTransport) WaitForReady(ctx context.Context, connInfo *jupyter.ConnectionInfo) error {
	if t.ready != nil {
		return t.ready(ctx, connInfo)
	}
	return nil
}

func (t *fakeTransport) SendControlRequest(_ context.Context, _ *jupyter.ConnectionInfo, msgType string, content interface{}) error {
	t.mu.Lock()
	t.controlRequests = append(t.controlRequests, msgType)
	onControl := t.onControl
	t.mu.Unlock()

	if onControl != nil {
		onControl(msgType, content)
	}
	return t.controlErr
}

func (t *fakeTransport) ControlRequests() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]string(nil), t.controlRequests...)
}

// blockUntilDone is a handshake that never completes.
func blockUntilDone(ctx context.Context, _ *jupyter.ConnectionInfo) error {
	<-ctx.Done()
	return ctx.Err()
}

// simulatedKernels backs a MockProvisioner with a table of live handles, so that launches, liveness and terminations
// stay consistent with one another.
type simulatedKernels struct {
	mu       sync.Mutex
	alive    map[*testHandle]bool
	launches int
	nextPort int

	// launchErr, terminateErr, signalErr and cleanupErr, if set, are returned by the corresponding calls.
	launchErr    error
	terminateErr map[string]error
	signalErr    error
	cleanupErr   error

	signals      []syscall.Signal
	terminations []terminateCall
	cleanups     []cleanupCall
}

type terminateCall struct {
	launch int
	force  bool
}

type cleanupCall struct {
	launch  int
	restart bool
}

func newSimulatedKernels() *simulatedKernels {
	return &simulatedKernels{
		alive:        make(map[*testHandle]bool),
		nextPort:     40000,
		terminateErr: make(map[string]error),
	}
}

func (s *simulatedKernels) launch(_ context.Context, req *provisioner.LaunchRequest) (*jupyter.ConnectionInfo, provisioner.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.launchErr != nil {
		return nil, nil, jupyter.NewKernelError(req.KernelId, "launch", jupyter.ErrLaunch, s.launchErr)
	}

	s.launches++
	h := &testHandle{kernelId: req.KernelId, launch: s.launches}
	s.alive[h] = true

	connInfo := jupyter.NewConnectionInfo(jupyter.TransportTCP, jupyter.DefaultIP)
	for _, channel := range jupyter.Channels {
		connInfo.SetPort(channel, s.nextPort)
		s.nextPort++
	}
	connInfo.KernelName = req.Spec.Name

	return connInfo, h, nil
}

func (s *simulatedKernels) isAlive(h provisioner.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.alive[h.(*testHandle)]
}

// kill makes the kernels with the given ID exit on their own.
func (s *simulatedKernels) kill(kernelId string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for h := range s.alive {
		if h.kernelId == kernelId {
			s.alive[h] = false
		}
	}
}

// killAll makes every kernel exit on its own.
func (s *simulatedKernels) killAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for h := range s.alive {
		s.alive[h] = false
	}
}

func (s *simulatedKernels) terminate(_ context.Context, h provisioner.Handle, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.terminations = append(s.terminations, terminateCall{launch: h.(*testHandle).launch, force: force})
	if err := s.terminateErr[h.KernelId()]; err != nil {
		return jupyter.NewKernelError(h.KernelId(), "kill", jupyter.ErrTerminate, err)
	}
	s.alive[h.(*testHandle)] = false
	return nil
}

func (s *simulatedKernels) cleanup(_ context.Context, h provisioner.Handle, restart bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cleanups = append(s.cleanups, cleanupCall{launch: h.(*testHandle).launch, restart: restart})
	return s.cleanupErr
}

func (s *simulatedKernels) Terminations() []terminateCall {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]terminateCall(nil), s.terminations...)
}

func (s *simulatedKernels) Cleanups() []cleanupCall {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]cleanupCall(nil), s.cleanups...)
}

func (s *simulatedKernels) signal(h provisioner.Handle, sig syscall.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.signalErr != nil {
		return s.signalErr
	}
	if !s.alive[h.(*testHandle)] {
		return jupyter.NewKernelError(h.KernelId(), "signal", jupyter.ErrProcessNotFound, nil)
	}
	s.signals = append(s.signals, sig)
	return nil
}

func (s *simulatedKernels) Signals() []syscall.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]syscall.Signal(nil), s.signals...)
}

func (s *simulatedKernels) Launches() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.launches
}

func (s *simulatedKernels) LiveKernels() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, alive := range s.alive {
		if alive {
			n++
		}
	}
	return n
}

// newSimulatedProvisioner returns a MockProvisioner whose calls are served by sim.
func newSimulatedProvisioner(ctrl *gomock.Controller, sim *simulatedKernels, supportsSignal bool) *mock_provisioner.MockProvisioner {
	p := mock_provisioner.NewMockProvisioner(ctrl)
	p.EXPECT().Name().Return(mockProvisionerName).AnyTimes()
	p.EXPECT().Kind().Return(provisioner.KindCustom).AnyTimes()
	p.EXPECT().SupportsSignal(gomock.Any()).Return(supportsSignal).AnyTimes()
	p.EXPECT().ShutdownWaitTime(gomock.Any()).DoAndReturn(func(recommended time.Duration) time.Duration {
		return recommended
	}).AnyTimes()
	p.EXPECT().Info(gomock.Any()).DoAndReturn(func(h provisioner.Handle) map[string]interface{} {
		return map[string]interface{}{"launch": h.(*testHandle).launch}
	}).AnyTimes()
	p.EXPECT().Launch(gomock.Any(), gomock.Any()).DoAndReturn(sim.launch).AnyTimes()
	p.EXPECT().IsAlive(gomock.Any()).DoAndReturn(sim.isAlive).AnyTimes()
	p.EXPECT().Signal(gomock.Any(), gomock.Any()).DoAndReturn(sim.signal).AnyTimes()
	p.EXPECT().Terminate(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(sim.terminate).AnyTimes()
	p.EXPECT().Cleanup(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(sim.cleanup).AnyTimes()
	return p
}

func testSpec(name string, interruptMode string) *kernelspec.KernelSpec {
	return &kernelspec.KernelSpec{
		Name:          name,
		Argv:          []string{"fake-kernel", "-f", "{connection_file}"},
		DisplayName:   name,
		Language:      "fake",
		InterruptMode: interruptMode,
	}
}

// expectKernelError asserts that err is a *jupyter.KernelError matching kind.
func expectKernelError(err error, kind error) {
	GinkgoHelper()

	Expect(err).To(HaveOccurred())

	var ke *jupyter.KernelError
	Expect(errors.As(err, &ke)).To(BeTrue(), fmt.Sprintf("%v is not a KernelError", err))
	Expect(errors.Is(err, kind)).To(BeTrue(), fmt.Sprintf("%v is not %v", err, kind))
}
