package provisioner_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/kernel-manager/common/jupyter"
	"github.com/scusemua/kernel-manager/common/jupyter/kernelspec"
	"github.com/scusemua/kernel-manager/local_daemon/provisioner"
)

type fakeResult struct {
	stdout string
	stderr string
	err    error
}

// fakeRunner records docker invocations and answers them from a table keyed by the docker subcommand.
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	results map[string]fakeResult
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{results: make(map[string]fakeResult)}
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, append([]string{name}, args...))
	if len(args) == 0 {
		return "", "", nil
	}

	res := r.results[args[0]]
	return res.stdout, res.stderr, res.err
}

func (r *fakeRunner) on(subcommand string, res fakeResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[subcommand] = res
}

func (r *fakeRunner) callsOf(subcommand string) [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var calls [][]string
	for _, call := range r.calls {
		if len(call) > 1 && call[1] == subcommand {
			calls = append(calls, call)
		}
	}
	return calls
}

type latencyRecorder struct {
	mu        sync.Mutex
	observed  []time.Duration
	recipient string
}

func (l *latencyRecorder) ObserveContainerCreation(provisioner string, latency time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recipient = provisioner
	l.observed = append(l.observed, latency)
}

var _ = Describe("DockerProvisioner", func() {
	var (
		runner  *fakeRunner
		metrics *latencyRecorder
		p       *provisioner.DockerProvisioner
		spec    *kernelspec.KernelSpec
		connDir string
	)

	BeforeEach(func() {
		runner = newFakeRunner()
		metrics = &latencyRecorder{}
		connDir = GinkgoT().TempDir()
		p = provisioner.NewDockerProvisioner(provisioner.DockerOptions{
			Image:         "kernels/python:1.0",
			Network:       "kernels",
			ConnectionDir: connDir,
		}, runner.Run, metrics)

		spec = &kernelspec.KernelSpec{
			Name:     "python3",
			Argv:     []string{"python", "-m", "ipykernel_launcher", "-f", "{connection_file}"},
			Language: "python",
			Env:      map[string]string{"GREETING": "hello"},
		}
	})

	launch := func() (*jupyter.ConnectionInfo, provisioner.Handle) {
		connInfo, h, err := p.Launch(context.Background(), &provisioner.LaunchRequest{
			KernelId:       "k1",
			Spec:           spec,
			Env:            map[string]string{"EXTRA": "1"},
			ExtraArguments: []string{"--debug"},
		})
		Expect(err).ToNot(HaveOccurred())
		return connInfo, h
	}

	It("should run the kernel in a container with its ports published on the host", func() {
		connInfo, h := launch()

		Expect(connInfo.IP).To(Equal(jupyter.DefaultIP))
		Expect(connInfo.Validate()).To(Succeed())

		runs := runner.callsOf("run")
		Expect(runs).To(HaveLen(1))
		cmdline := strings.Join(runs[0], " ")

		containerName := p.Info(h)["container_name"].(string)
		Expect(containerName).To(HavePrefix("kernel-k1-"))
		Expect(cmdline).To(ContainSubstring("--name " + containerName))
		Expect(cmdline).To(ContainSubstring("--network kernels"))
		Expect(cmdline).To(ContainSubstring("-e GREETING=hello"))
		Expect(cmdline).To(ContainSubstring("-e EXTRA=1"))

		for _, channel := range jupyter.Channels {
			port := connInfo.Port(channel)
			Expect(cmdline).To(ContainSubstring(fmt.Sprintf("-p 127.0.0.1:%d:%d", port, port)))
		}

		connectionFile := p.Info(h)["connection_file"].(string)
		Expect(filepath.Dir(connectionFile)).To(Equal(connDir))

		containerFile := filepath.Join(provisioner.DockerConnectionDir, filepath.Base(connectionFile))
		Expect(runs[0][len(runs[0])-7:]).To(Equal([]string{
			"kernels/python:1.0", "python", "-m", "ipykernel_launcher", "-f", containerFile, "--debug",
		}))

		// The kernel inside the container binds every interface, on the published ports.
		inContainer, err := jupyter.ReadConnectionFile(connectionFile)
		Expect(err).ToNot(HaveOccurred())
		Expect(inContainer.IP).To(Equal("0.0.0.0"))
		Expect(inContainer.ShellPort).To(Equal(connInfo.ShellPort))

		Expect(metrics.observed).To(HaveLen(1))
		Expect(metrics.recipient).To(Equal(provisioner.DockerProvisionerName))
	})

	It("should report docker errors as launch errors", func() {
		runner.on("run", fakeResult{
			stderr: "docker: Error response from daemon: pull access denied for kernels/python.\n",
			err:    errors.New("exit status 125"),
		})

		_, _, err := p.Launch(context.Background(), &provisioner.LaunchRequest{KernelId: "k1", Spec: spec})
		Expect(errors.Is(err, jupyter.ErrLaunch)).To(BeTrue())
		Expect(errors.Is(err, provisioner.ErrDockerContainerCreationFailed)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("pull access denied"))
		Expect(err.Error()).ToNot(ContainSubstring("Error response from daemon"))
		Expect(metrics.observed).To(BeEmpty())
	})

	It("should inspect the container to decide liveness", func() {
		_, h := launch()

		runner.on("inspect", fakeResult{stdout: "true\n"})
		Expect(p.IsAlive(h)).To(BeTrue())

		runner.on("inspect", fakeResult{stdout: "false\n"})
		Expect(p.IsAlive(h)).To(BeFalse())

		runner.on("inspect", fakeResult{stderr: "Error: No such container", err: errors.New("exit status 1")})
		Expect(p.IsAlive(h)).To(BeFalse())
	})

	It("should deliver signals with docker kill", func() {
		_, h := launch()

		Expect(p.Signal(h, syscall.SIGINT)).To(Succeed())
		kills := runner.callsOf("kill")
		Expect(kills).To(HaveLen(1))
		Expect(kills[0]).To(ContainElements("--signal", "2"))

		runner.on("kill", fakeResult{
			stderr: "Error response from daemon: Cannot kill container: abc: Container abc is not running",
			err:    errors.New("exit status 1"),
		})
		err := p.Signal(h, syscall.SIGINT)
		Expect(errors.Is(err, jupyter.ErrProcessNotFound)).To(BeTrue())
	})

	It("should stop the container gracefully, or kill it when forced", func() {
		_, h := launch()

		p.GracePeriod = 7 * time.Second
		Expect(p.Terminate(context.Background(), h, false)).To(Succeed())
		stops := runner.callsOf("stop")
		Expect(stops).To(HaveLen(1))
		Expect(stops[0]).To(ContainElements("-t", "7"))

		// Once stopped, terminating again does not touch docker.
		Expect(p.Terminate(context.Background(), h, true)).To(Succeed())
		Expect(runner.callsOf("kill")).To(BeEmpty())
		Expect(p.IsAlive(h)).To(BeFalse())

		_, h2 := launch()
		Expect(p.Terminate(context.Background(), h2, true)).To(Succeed())
		Expect(runner.callsOf("kill")).To(HaveLen(1))
	})

	It("should report a failing stop", func() {
		_, h := launch()
		runner.on("stop", fakeResult{stderr: "Error response from daemon: permission denied", err: errors.New("exit status 1")})

		err := p.Terminate(context.Background(), h, false)
		Expect(errors.Is(err, jupyter.ErrTerminate)).To(BeTrue())
	})

	It("should remove the container and the connection file on cleanup", func() {
		_, h := launch()
		connectionFile := p.Info(h)["connection_file"].(string)

		Expect(p.Cleanup(context.Background(), h, false)).To(Succeed())
		Expect(runner.callsOf("rm")).To(HaveLen(1))
		Expect(connectionFile).ToNot(BeAnExistingFile())
	})

	It("should rename stopped containers when asked to keep them", func() {
		p = provisioner.NewDockerProvisioner(provisioner.DockerOptions{
			Image:                 "kernels/python:1.0",
			ConnectionDir:         connDir,
			KeepStoppedContainers: true,
		}, runner.Run, nil)
		_, h := launch()
		containerName := p.Info(h)["container_name"].(string)

		Expect(p.Cleanup(context.Background(), h, false)).To(Succeed())

		renames := runner.callsOf("container")
		Expect(renames).To(HaveLen(1))
		Expect(renames[0][3]).To(Equal(containerName))
		Expect(renames[0][4]).To(HavePrefix(containerName + "-old-"))
		Expect(runner.callsOf("rm")).To(BeEmpty())
	})

	It("should ask for the docker stop timeout on top of the recommended wait", func() {
		p.GracePeriod = 3 * time.Second
		Expect(p.ShutdownWaitTime(5 * time.Second)).To(Equal(8 * time.Second))
		Expect(p.Kind()).To(Equal(provisioner.KindRemote))
	})
})
