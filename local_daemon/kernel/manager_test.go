package kernel_test

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/mock/gomock"

	"github.com/scusemua/kernel-manager/common/jupyter"
	"github.com/scusemua/kernel-manager/common/jupyter/kernelspec"
	"github.com/scusemua/kernel-manager/common/jupyter/messaging"
	"github.com/scusemua/kernel-manager/common/metrics"
	"github.com/scusemua/kernel-manager/common/store"
	"github.com/scusemua/kernel-manager/local_daemon/kernel"
	"github.com/scusemua/kernel-manager/local_daemon/provisioner"
)

var _ = Describe("KernelManager", func() {
	var (
		ctx       context.Context
		mockCtrl  *gomock.Controller
		sim       *simulatedKernels
		transport *fakeTransport
		resolver  *kernelspec.StaticResolver
		records   *store.FileStore
		km        *kernel.KernelManager

		supportsSignal  bool
		monitorInterval time.Duration
		autoRestart     bool
		kernelMetrics   *metrics.KernelMetrics
	)

	newManager := func(kernelName string, startTimeout time.Duration) *kernel.KernelManager {
		p := newSimulatedProvisioner(mockCtrl, sim, supportsSignal)
		return kernel.NewKernelManager(kernelName, "k1", &kernel.ManagerOptions{
			Resolver: resolver,
			Factory: factoryFunc(func(string, *kernelspec.KernelSpec) (provisioner.Provisioner, error) {
				return p, nil
			}),
			Transport:        transport,
			StartTimeout:     startTimeout,
			ShutdownWaitTime: 500 * time.Millisecond,
			MonitorInterval:  monitorInterval,
			AutoRestart:      autoRestart,
			RestartLimit:     2,
			Store:            records,
			Metrics:          kernelMetrics,
		})
	}

	BeforeEach(func() {
		ctx = context.Background()
		mockCtrl = gomock.NewController(GinkgoT())
		sim = newSimulatedKernels()
		transport = &fakeTransport{}
		resolver = kernelspec.NewStaticResolver(
			testSpec(testKernelName, kernelspec.InterruptModeSignal),
			testSpec("message-kernel", kernelspec.InterruptModeMessage),
		)
		supportsSignal = true
		monitorInterval = kernel.MonitorDisabled
		autoRestart = false

		var err error
		records, err = store.NewFileStore(GinkgoT().TempDir())
		Expect(err).ToNot(HaveOccurred())

		kernelMetrics = metrics.NewKernelMetrics()
		Expect(kernelMetrics.Register(prometheus.NewRegistry())).To(Succeed())
	})

	JustBeforeEach(func() {
		km = newManager(testKernelName, 2*time.Second)
	})

	Context("when unstarted", func() {
		It("should not be alive or connected", func() {
			Expect(km.KernelId()).To(Equal("k1"))
			Expect(km.KernelName()).To(Equal(testKernelName))
			Expect(km.State()).To(Equal(kernel.StateUnstarted))
			Expect(km.IsAlive()).To(BeFalse())
			Expect(km.ConnectionInfo()).To(BeNil())
			Expect(km.KernelSpec()).To(BeNil())

			_, err := km.Client()
			expectKernelError(err, jupyter.ErrNotConnected)

			_, err = km.BlockingClient()
			expectKernelError(err, jupyter.ErrNotConnected)
		})

		It("should refuse interrupts, signals and restarts", func() {
			expectKernelError(km.InterruptKernel(ctx), jupyter.ErrInvalidState)
			expectKernelError(km.SignalKernel(ctx, syscall.SIGUSR1), jupyter.ErrInvalidState)
			expectKernelError(km.RestartKernel(ctx, false), jupyter.ErrInvalidState)
			Expect(km.State()).To(Equal(kernel.StateUnstarted))
		})

		It("should become Dead when shut down", func() {
			Expect(km.ShutdownKernel(ctx, false, false)).To(Succeed())
			Expect(km.State()).To(Equal(kernel.StateDead))
			Expect(sim.Terminations()).To(BeEmpty())
		})

		It("should generate a kernel ID when none is given", func() {
			other := kernel.NewKernelManager(testKernelName, "", &kernel.ManagerOptions{Resolver: resolver})
			Expect(other.KernelId()).To(HaveLen(36))
		})
	})

	Context("when starting", func() {
		It("should become Running and alive", func() {
			Expect(km.StartKernel(ctx, &kernel.StartRequest{Env: map[string]string{"A": "1"}})).To(Succeed())

			Expect(km.State()).To(Equal(kernel.StateRunning))
			Expect(km.IsAlive()).To(BeTrue())
			Expect(km.ConnectionInfo().Validate()).To(Succeed())
			Expect(km.KernelSpec().Name).To(Equal(testKernelName))

			info := km.Info()
			Expect(info).To(HaveKeyWithValue("provisioner_name", mockProvisionerName))
			Expect(info).To(HaveKeyWithValue("state", "Running"))
			Expect(info).To(HaveKeyWithValue("launch", 1))
		})

		It("should save a kernel record", func() {
			Expect(km.StartKernel(ctx, nil)).To(Succeed())

			record, err := records.Load(ctx, "k1")
			Expect(err).ToNot(HaveOccurred())
			Expect(record.KernelName).To(Equal(testKernelName))
			Expect(record.ProvisionerName).To(Equal(mockProvisionerName))
			Expect(record.ConnectionInfo.Equal(km.ConnectionInfo())).To(BeTrue())
		})

		It("should count the start", func() {
			Expect(km.StartKernel(ctx, nil)).To(Succeed())

			counter := kernelMetrics.LifecycleOperationsCounterVec.WithLabelValues(metrics.OperationStart, metrics.OutcomeSuccess)
			Expect(testutil.ToFloat64(counter)).To(Equal(1.0))
		})

		It("should refuse to start twice", func() {
			Expect(km.StartKernel(ctx, nil)).To(Succeed())
			expectKernelError(km.StartKernel(ctx, nil), jupyter.ErrInvalidState)
			Expect(sim.Launches()).To(Equal(1))
			Expect(km.State()).To(Equal(kernel.StateRunning))
		})

		It("should fail with ErrNoSuchKernel for unknown kernel names", func() {
			km = newManager("missing-kernel", time.Second)

			expectKernelError(km.StartKernel(ctx, nil), jupyter.ErrNoSuchKernel)
			Expect(km.State()).To(Equal(kernel.StateFailed))
			Expect(sim.Launches()).To(Equal(0))
		})

		It("should fail with ErrLaunch when the provisioner cannot launch", func() {
			sim.launchErr = errors.New("exec: no such file")

			expectKernelError(km.StartKernel(ctx, nil), jupyter.ErrLaunch)
			Expect(km.State()).To(Equal(kernel.StateFailed))
			Expect(km.IsAlive()).To(BeFalse())
		})

		It("should kill the kernel and fail with ErrStartTimeout when the handshake times out", func() {
			transport.ready = blockUntilDone
			km = newManager(testKernelName, 200*time.Millisecond)

			err := km.StartKernel(ctx, nil)
			expectKernelError(err, jupyter.ErrStartTimeout)
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())

			Expect(km.State()).To(Equal(kernel.StateFailed))
			Expect(sim.LiveKernels()).To(Equal(0))
			Expect(sim.Terminations()).To(Equal([]terminateCall{{launch: 1, force: true}}))
			Expect(sim.Cleanups()).To(Equal([]cleanupCall{{launch: 1, restart: false}}))

			_, err = records.Load(ctx, "k1")
			Expect(err).To(MatchError(store.ErrRecordNotFound))
		})

		It("should fail with ErrLaunch when the kernel exits before its handshake", func() {
			transport.ready = func(ctx context.Context, connInfo *jupyter.ConnectionInfo) error {
				sim.killAll()

				<-ctx.Done()
				return ctx.Err()
			}
			km = newManager(testKernelName, 10*time.Second)

			startedAt := time.Now()
			err := km.StartKernel(ctx, nil)
			expectKernelError(err, jupyter.ErrLaunch)
			Expect(errors.Is(err, jupyter.ErrStartTimeout)).To(BeFalse())
			Expect(time.Since(startedAt)).To(BeNumerically("<", 5*time.Second))
			Expect(km.State()).To(Equal(kernel.StateFailed))
		})

		It("should accept a fresh start after a failure", func() {
			sim.launchErr = errors.New("transient")
			expectKernelError(km.StartKernel(ctx, nil), jupyter.ErrLaunch)

			sim.launchErr = nil
			Expect(km.StartKernel(ctx, nil)).To(Succeed())
			Expect(km.State()).To(Equal(kernel.StateRunning))
		})
	})

	Context("when running", func() {
		JustBeforeEach(func() {
			Expect(km.StartKernel(ctx, nil)).To(Succeed())
		})

		It("should interrupt with SIGINT", func() {
			Expect(km.InterruptKernel(ctx)).To(Succeed())
			Expect(sim.Signals()).To(Equal([]syscall.Signal{syscall.SIGINT}))
			Expect(transport.ControlRequests()).To(BeEmpty())
		})

		Context("with a provisioner that cannot deliver signals", func() {
			BeforeEach(func() {
				supportsSignal = false
			})

			It("should interrupt with an interrupt_request", func() {
				Expect(km.InterruptKernel(ctx)).To(Succeed())
				Expect(sim.Signals()).To(BeEmpty())
				Expect(transport.ControlRequests()).To(Equal([]string{messaging.MessageTypeInterruptRequest}))
			})
		})

		It("should interrupt with an interrupt_request when the spec asks for message interrupts", func() {
			other := newManager("message-kernel", time.Second)
			Expect(other.StartKernel(ctx, nil)).To(Succeed())

			Expect(other.InterruptKernel(ctx)).To(Succeed())
			Expect(sim.Signals()).To(BeEmpty())
			Expect(transport.ControlRequests()).To(Equal([]string{messaging.MessageTypeInterruptRequest}))
		})

		It("should deliver signals", func() {
			Expect(km.SignalKernel(ctx, syscall.SIGUSR1)).To(Succeed())
			Expect(sim.Signals()).To(Equal([]syscall.Signal{syscall.SIGUSR1}))
		})

		It("should classify other signal failures as ErrSignal", func() {
			sim.signalErr = errors.New("operation not permitted")

			expectKernelError(km.SignalKernel(ctx, syscall.SIGUSR2), jupyter.ErrSignal)
			Expect(km.State()).To(Equal(kernel.StateRunning))
		})

		It("should fail with ErrControlRequest when the interrupt_request is not answered", func() {
			other := newManager("message-kernel", time.Second)
			Expect(other.StartKernel(ctx, nil)).To(Succeed())
			transport.controlErr = errors.New("no reply")

			expectKernelError(other.InterruptKernel(ctx), jupyter.ErrControlRequest)
			Expect(other.State()).To(Equal(kernel.StateRunning))
		})

		It("should pass on ErrUnsupportedSignal and stay Running", func() {
			sim.signalErr = jupyter.NewKernelError("k1", "signal", jupyter.ErrUnsupportedSignal, nil)

			expectKernelError(km.SignalKernel(ctx, syscall.SIGUSR2), jupyter.ErrUnsupportedSignal)
			Expect(km.State()).To(Equal(kernel.StateRunning))
		})

		It("should become Failed when the kernel process is gone", func() {
			connInfo := km.ConnectionInfo()
			c, err := km.Client()
			Expect(err).ToNot(HaveOccurred())
			defer c.Close()

			sim.killAll()

			expectKernelError(km.SignalKernel(ctx, syscall.SIGUSR1), jupyter.ErrProcessNotFound)
			Expect(km.State()).To(Equal(kernel.StateFailed))
			Expect(km.IsAlive()).To(BeFalse())
			Expect(km.ConnectionInfo()).To(BeNil())
			Expect(c.Valid()).To(BeFalse())
			Expect(connInfo).ToNot(BeNil())
			Expect(sim.Cleanups()).To(HaveLen(1))

			Expect(km.ShutdownKernel(ctx, false, false)).To(Succeed())
			Expect(km.State()).To(Equal(kernel.StateDead))
		})

		It("should hand out clients bound to the current connection info", func() {
			c, err := km.Client()
			Expect(err).ToNot(HaveOccurred())
			defer c.Close()

			Expect(c.ConnectionInfo()).To(BeIdenticalTo(km.ConnectionInfo()))
			Expect(c.Valid()).To(BeTrue())

			bc, err := km.BlockingClient()
			Expect(err).ToNot(HaveOccurred())
			defer bc.Close()
			Expect(bc.ConnectionInfo()).To(BeIdenticalTo(km.ConnectionInfo()))
		})

		Describe("restarting", func() {
			It("should publish a new connection info and revoke old clients", func() {
				oldConnInfo := km.ConnectionInfo()
				oldClient, err := km.Client()
				Expect(err).ToNot(HaveOccurred())
				defer oldClient.Close()

				Expect(km.RestartKernel(ctx, true)).To(Succeed())

				Expect(km.State()).To(Equal(kernel.StateRunning))
				Expect(km.KernelId()).To(Equal("k1"))
				Expect(km.IsAlive()).To(BeTrue())
				Expect(km.ConnectionInfo()).ToNot(BeIdenticalTo(oldConnInfo))
				Expect(km.ConnectionInfo().Equal(oldConnInfo)).To(BeFalse())

				Expect(oldClient.Valid()).To(BeFalse())
				Expect(oldClient.Ping(ctx)).To(MatchError(jupyter.ErrNotConnected))

				Expect(sim.Terminations()).To(Equal([]terminateCall{{launch: 1, force: true}}))
				Expect(sim.Cleanups()).To(Equal([]cleanupCall{{launch: 1, restart: true}}))
				Expect(transport.ControlRequests()).To(BeEmpty())
				Expect(sim.LiveKernels()).To(Equal(1))
			})

			It("should ask the kernel to shut down first unless now is set", func() {
				transport.onControl = func(msgType string, content interface{}) {
					Expect(msgType).To(Equal(messaging.MessageTypeShutdownRequest))
					Expect(content).To(HaveKeyWithValue("restart", true))

					// The kernel exits on its own after acknowledging.
					sim.killAll()
				}

				Expect(km.RestartKernel(ctx, false)).To(Succeed())
				Expect(transport.ControlRequests()).To(Equal([]string{messaging.MessageTypeShutdownRequest}))
				Expect(sim.Terminations()).To(Equal([]terminateCall{{launch: 1, force: false}}))
			})

			It("should keep the record up to date", func() {
				Expect(km.RestartKernel(ctx, true)).To(Succeed())

				record, err := records.Load(ctx, "k1")
				Expect(err).ToNot(HaveOccurred())
				Expect(record.ConnectionInfo.Equal(km.ConnectionInfo())).To(BeTrue())
			})

			It("should fail with ErrRestart when the relaunch fails", func() {
				sim.launchErr = errors.New("out of resources")

				expectKernelError(km.RestartKernel(ctx, true), jupyter.ErrRestart)
				Expect(km.State()).To(Equal(kernel.StateFailed))
				Expect(km.IsAlive()).To(BeFalse())

				_, err := km.Client()
				expectKernelError(err, jupyter.ErrNotConnected)
			})

			It("should reuse the overrides of the last start", func() {
				var requests []*provisioner.LaunchRequest
				var mu sync.Mutex

				p := newSimulatedProvisioner(mockCtrl, sim, true)
				other := kernel.NewKernelManager(testKernelName, "k2", &kernel.ManagerOptions{
					Resolver: resolver,
					Factory: factoryFunc(func(string, *kernelspec.KernelSpec) (provisioner.Provisioner, error) {
						return &recordingProvisioner{Provisioner: p, onLaunch: func(req *provisioner.LaunchRequest) {
							mu.Lock()
							requests = append(requests, req)
							mu.Unlock()
						}}, nil
					}),
					Transport: transport,
				})

				Expect(other.StartKernel(ctx, &kernel.StartRequest{Env: map[string]string{"A": "1"}, ExtraArguments: []string{"--x"}})).To(Succeed())
				Expect(other.RestartKernel(ctx, true)).To(Succeed())

				mu.Lock()
				defer mu.Unlock()
				Expect(requests).To(HaveLen(2))
				Expect(requests[1].Env).To(HaveKeyWithValue("A", "1"))
				Expect(requests[1].ExtraArguments).To(Equal([]string{"--x"}))
			})
		})

		Describe("shutting down", func() {
			It("should terminate the kernel and become Dead", func() {
				c, err := km.Client()
				Expect(err).ToNot(HaveOccurred())
				defer c.Close()

				Expect(km.ShutdownKernel(ctx, true, false)).To(Succeed())

				Expect(km.State()).To(Equal(kernel.StateDead))
				Expect(km.IsAlive()).To(BeFalse())
				Expect(km.ConnectionInfo()).To(BeNil())
				Expect(c.Valid()).To(BeFalse())
				Expect(sim.Terminations()).To(Equal([]terminateCall{{launch: 1, force: true}}))
				Expect(sim.Cleanups()).To(Equal([]cleanupCall{{launch: 1, restart: false}}))

				_, err = km.Client()
				expectKernelError(err, jupyter.ErrNotConnected)

				_, err = records.Load(ctx, "k1")
				Expect(err).To(MatchError(store.ErrRecordNotFound))
			})

			It("should be idempotent", func() {
				Expect(km.ShutdownKernel(ctx, false, false)).To(Succeed())
				Expect(km.ShutdownKernel(ctx, false, false)).To(Succeed())

				Expect(km.State()).To(Equal(kernel.StateDead))
				Expect(sim.Terminations()).To(HaveLen(1))
				Expect(transport.ControlRequests()).To(Equal([]string{messaging.MessageTypeShutdownRequest}))
			})

			It("should not allow a restart or a start once Dead", func() {
				Expect(km.ShutdownKernel(ctx, true, false)).To(Succeed())

				expectKernelError(km.RestartKernel(ctx, true), jupyter.ErrInvalidState)
				expectKernelError(km.StartKernel(ctx, nil), jupyter.ErrInvalidState)
			})

			It("should report a failed termination and allow a retry", func() {
				sim.terminateErr["k1"] = errors.New("operation not permitted")

				expectKernelError(km.ShutdownKernel(ctx, true, false), jupyter.ErrTerminate)
				Expect(km.State()).To(Equal(kernel.StateFailed))
				Expect(km.IsAlive()).To(BeFalse())

				delete(sim.terminateErr, "k1")
				Expect(km.ShutdownKernel(ctx, false, false)).To(Succeed())
				Expect(km.State()).To(Equal(kernel.StateDead))
				Expect(sim.LiveKernels()).To(Equal(0))
				Expect(sim.Terminations()).To(Equal([]terminateCall{{launch: 1, force: true}, {launch: 1, force: true}}))
			})

			It("should report a failed cleanup as ErrCleanup once the kernel is Dead", func() {
				sim.cleanupErr = errors.New("connection file is busy")

				expectKernelError(km.ShutdownKernel(ctx, true, false), jupyter.ErrCleanup)
				Expect(km.State()).To(Equal(kernel.StateDead))
				Expect(sim.LiveKernels()).To(Equal(0))
			})

			It("should count the shutdown", func() {
				Expect(km.ShutdownKernel(ctx, true, false)).To(Succeed())

				counter := kernelMetrics.LifecycleOperationsCounterVec.WithLabelValues(metrics.OperationShutdown, metrics.OutcomeSuccess)
				Expect(testutil.ToFloat64(counter)).To(Equal(1.0))
			})
		})
	})

	Describe("watching liveness", func() {
		var events chan kernel.Event

		BeforeEach(func() {
			monitorInterval = 20 * time.Millisecond
			events = make(chan kernel.Event, 8)
		})

		JustBeforeEach(func() {
			record := func(event kernel.Event) kernel.Callback {
				return func(*kernel.KernelManager) { events <- event }
			}
			km.AddCallback(kernel.EventDead, record(kernel.EventDead))
			km.AddCallback(kernel.EventRestart, record(kernel.EventRestart))

			Expect(km.StartKernel(ctx, nil)).To(Succeed())
		})

		AfterEach(func() {
			Expect(km.ShutdownKernel(ctx, true, false)).To(Succeed())
		})

		It("should fail a kernel that dies on its own and report it", func() {
			sim.killAll()

			Eventually(events).Should(Receive(Equal(kernel.EventDead)))
			Expect(km.State()).To(Equal(kernel.StateFailed))
			Expect(km.ConnectionInfo()).To(BeNil())
			Expect(sim.Cleanups()).To(HaveLen(1))

			_, err := records.Load(ctx, "k1")
			Expect(err).To(MatchError(store.ErrRecordNotFound))

			Expect(km.ShutdownKernel(ctx, false, false)).To(Succeed())
			Expect(km.State()).To(Equal(kernel.StateDead))
		})

		It("should stop watching once the kernel is shut down", func() {
			Expect(km.ShutdownKernel(ctx, true, false)).To(Succeed())

			Consistently(events, 100*time.Millisecond).ShouldNot(Receive())
			Expect(km.State()).To(Equal(kernel.StateDead))
		})

		It("should not run removed callbacks", func() {
			id := km.AddCallback(kernel.EventDead, func(*kernel.KernelManager) {
				defer GinkgoRecover()
				Fail("removed callback was called")
			})
			Expect(km.RemoveCallback(id)).To(BeTrue())
			Expect(km.RemoveCallback(id)).To(BeFalse())

			sim.killAll()

			Eventually(events).Should(Receive(Equal(kernel.EventDead)))
		})

		Context("with automatic restarts", func() {
			BeforeEach(func() {
				autoRestart = true
			})

			It("should relaunch a kernel that dies on its own", func() {
				before := km.ConnectionInfo()
				sim.killAll()

				Eventually(events).Should(Receive(Equal(kernel.EventRestart)))
				Expect(km.State()).To(Equal(kernel.StateRunning))
				Expect(km.IsAlive()).To(BeTrue())
				Expect(km.ConnectionInfo().Equal(before)).To(BeFalse())
				Expect(sim.Launches()).To(Equal(2))
			})

			It("should give up after the restart limit", func() {
				for i := 0; i < 2; i++ {
					sim.killAll()
					Eventually(events).Should(Receive(Equal(kernel.EventRestart)))
				}

				sim.killAll()

				Eventually(events).Should(Receive(Equal(kernel.EventDead)))
				Expect(km.State()).To(Equal(kernel.StateFailed))
				Expect(sim.Launches()).To(Equal(3))
			})
		})
	})

	It("should serialize concurrent lifecycle calls", func() {
		Expect(km.StartKernel(ctx, nil)).To(Succeed())

		var wg sync.WaitGroup
		errs := make([]error, 4)
		for i := range errs {
			i := i
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()

				if i%2 == 0 {
					errs[i] = km.RestartKernel(ctx, true)
				} else {
					errs[i] = km.InterruptKernel(ctx)
				}
			}()
		}
		wg.Wait()

		for _, err := range errs {
			Expect(err).ToNot(HaveOccurred())
		}
		Expect(km.State()).To(Equal(kernel.StateRunning))
		Expect(sim.LiveKernels()).To(Equal(1))
		Expect(sim.Launches()).To(Equal(3))
	})
})

// recordingProvisioner observes the launch requests of the provisioner it wraps.
type recordingProvisioner struct {
	provisioner.Provisioner

	onLaunch func(req *provisioner.LaunchRequest)
}

func (p *recordingProvisioner) Launch(ctx context.Context, req *provisioner.LaunchRequest) (*jupyter.ConnectionInfo, provisioner.Handle, error) {
	p.onLaunch(req)
	return p.Provisioner.Launch(ctx, req)
}
