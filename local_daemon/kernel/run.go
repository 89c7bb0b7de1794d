package kernel

import (
	"context"

	"github.com/scusemua/kernel-manager/common/jupyter/client"
)

// RunKernel starts a kernel of the given name, calls fn with a started blocking client of it, and shuts the kernel
// down once fn returns.
//
// The kernel is shut down on every path out of RunKernel. A panic in fn is re-raised after the shutdown. The error of
// fn takes precedence over a shutdown error.
func RunKernel(ctx context.Context, opts *ManagerOptions, kernelName string, fn func(*client.BlockingClient) error) (err error) {
	km := NewKernelManager(kernelName, "", opts)

	defer func() {
		r := recover()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultCleanupTimeout)
		defer cancel()

		if shutdownErr := km.ShutdownKernel(shutdownCtx, true, false); shutdownErr != nil {
			if err == nil && r == nil {
				err = shutdownErr
			} else {
				km.log.Error("Failed to shut down kernel after run: %v", shutdownErr)
			}
		}

		if r != nil {
			panic(r)
		}
	}()

	if err = km.StartKernel(ctx, nil); err != nil {
		return err
	}

	c, err := km.BlockingClient()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if err = c.Start(); err != nil {
		return err
	}

	return fn(c)
}
