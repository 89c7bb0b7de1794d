package fake_kernel

import (
	"os"

	"github.com/scusemua/kernel-manager/common/jupyter/kernelspec"
)

// EnvHelperProcess marks a test binary that was re-executed to act as a kernel.
const EnvHelperProcess = "KERNEL_MANAGER_FAKE_KERNEL"

// RunIfHelperProcess turns the current process into a fake kernel, and never returns, if it was launched from a
// kernel spec created by HelperKernelSpec. Test binaries call it first thing in TestMain.
func RunIfHelperProcess() {
	if os.Getenv(EnvHelperProcess) == "" {
		return
	}

	if len(os.Args) < 2 {
		os.Exit(2)
	}

	os.Exit(Main(os.Args[1]))
}

// HelperKernelSpec returns a kernel spec that re-executes the current test binary as a fake kernel.
//
// env is merged into the spec's env. Use EnvMuteHeartbeat and EnvIgnoreSigterm to make the kernel misbehave.
func HelperKernelSpec(name string, env map[string]string) *kernelspec.KernelSpec {
	spec := &kernelspec.KernelSpec{
		Name:        name,
		Argv:        []string{os.Args[0], "{connection_file}"},
		DisplayName: "Fake Kernel",
		Language:    "fake",
		Env:         map[string]string{EnvHelperProcess: "1"},
		Metadata:    map[string]interface{}{},
	}

	for k, v := range env {
		spec.Env[k] = v
	}

	return spec
}
