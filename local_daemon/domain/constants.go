package domain

const (
	// KernelSpecDirsEnv, if set, overrides the default kernel spec directories (colon-separated, like JUPYTER_PATH).
	KernelSpecDirsEnv = "KERNEL_MANAGER_KERNEL_SPEC_DIRS"

	DefaultKernelName       = "python3"
	DefaultStartTimeoutMs   = 60_000
	DefaultShutdownWaitMs   = 5_000
	DefaultShutdownAllMs    = 30_000
	DefaultMetricsPort      = 9088
	DefaultRedisPort        = 6379
	DefaultRedisDatabase    = 0
	DefaultKubeNamespace    = "default"
	DefaultStoreDirName     = "kernels"
	DefaultConnectionDirEnv = "JUPYTER_RUNTIME_DIR"
)

// DefaultKernelSpecDirs are searched, in order, when no kernel spec directory is configured.
var DefaultKernelSpecDirs = []string{
	"/usr/local/share/jupyter/kernels",
	"/usr/share/jupyter/kernels",
}

// StoreKind selects where kernel records are persisted.
type StoreKind string

const (
	StoreNone  StoreKind = "none"
	StoreFile  StoreKind = "file"
	StoreRedis StoreKind = "redis"
)
