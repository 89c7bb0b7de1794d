package jupyter

import (
	"errors"
	"fmt"
)

var (
	ErrNoSuchKernel          = errors.New("no such kernel")
	ErrLaunch                = errors.New("failed to launch kernel")
	ErrStartTimeout          = errors.New("timed out waiting for kernel to start")
	ErrInvalidState          = errors.New("operation not permitted in current kernel state")
	ErrUnsupportedSignal     = errors.New("signal not supported")
	ErrProcessNotFound       = errors.New("kernel process not found")
	ErrRestart               = errors.New("failed to restart kernel")
	ErrDuplicateKernelId     = errors.New("duplicate kernel id")
	ErrKernelNotFound        = errors.New("kernel not found")
	ErrNotConnected          = errors.New("kernel not connected")
	ErrTerminate             = errors.New("failed to terminate kernel")
	ErrInvalidConnectionInfo = errors.New("invalid connection info")
	ErrSignal                = errors.New("failed to signal kernel")
	ErrControlRequest        = errors.New("kernel did not answer control request")
	ErrCleanup               = errors.New("failed to clean up kernel")
)

// KernelError attaches the kernel ID and the attempted operation to one of the sentinel error kinds above.
//
// errors.Is matches both the Kind and the underlying Err.
type KernelError struct {
	KernelId string
	Op       string
	Kind     error
	Err      error
}

// NewKernelError returns a *KernelError, or nil if both kind and cause are nil.
func NewKernelError(kernelId string, op string, kind error, cause error) error {
	if kind == nil && cause == nil {
		return nil
	}

	return &KernelError{KernelId: kernelId, Op: op, Kind: kind, Err: cause}
}

func (e *KernelError) Error() string {
	switch {
	case e.Kind == nil:
		return fmt.Sprintf("kernel %s: %s: %v", e.KernelId, e.Op, e.Err)
	case e.Err == nil || e.Err == e.Kind:
		return fmt.Sprintf("kernel %s: %s: %v", e.KernelId, e.Op, e.Kind)
	case errors.Is(e.Err, e.Kind):
		return fmt.Sprintf("kernel %s: %s: %v", e.KernelId, e.Op, e.Err)
	default:
		return fmt.Sprintf("kernel %s: %s: %v: %v", e.KernelId, e.Op, e.Kind, e.Err)
	}
}

func (e *KernelError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil && e.Err != e.Kind {
		errs = append(errs, e.Err)
	}
	return errs
}
