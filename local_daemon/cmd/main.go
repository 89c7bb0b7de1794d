package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Scusemua/go-utils/config"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/scusemua/kernel-manager/common/consul"
	"github.com/scusemua/kernel-manager/common/jupyter/client"
	"github.com/scusemua/kernel-manager/common/jupyter/kernelspec"
	"github.com/scusemua/kernel-manager/common/metrics"
	"github.com/scusemua/kernel-manager/common/store"
	"github.com/scusemua/kernel-manager/common/utils"
	"github.com/scusemua/kernel-manager/local_daemon/domain"
	"github.com/scusemua/kernel-manager/local_daemon/kernel"
	"github.com/scusemua/kernel-manager/local_daemon/provisioner"
)

const (
	ServiceName = "kernel-manager"
)

var (
	options      = domain.LocalDaemonOptions{}
	globalLogger = config.GetLogger("")
	sig          = make(chan os.Signal, 1)
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)

	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)

	// Set default options.
	options.DefaultKernelName = domain.DefaultKernelName
	options.MetricsPort = domain.DefaultMetricsPort
	options.StartTimeoutMs = domain.DefaultStartTimeoutMs
	options.ShutdownWaitMs = domain.DefaultShutdownWaitMs
	options.ShutdownAllMs = domain.DefaultShutdownAllMs
	options.Store = string(domain.StoreNone)
	options.RedisPort = domain.DefaultRedisPort
	options.RedisPrefix = store.DefaultRedisKeyPrefix
}

// ValidateOptions ensures that the options/configuration is valid.
func ValidateOptions() {
	flags, err := config.ValidateOptions(&options)
	if errors.Is(err, config.ErrPrintUsage) {
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		log.Fatal(err)
	}
}

// CreateResolver returns the kernel spec resolver over the configured directories.
func CreateResolver(options *domain.LocalDaemonOptions) *kernelspec.DirectoryResolver {
	resolver := kernelspec.NewDirectoryResolver(options.SpecDirs()...)

	if options.WatchKernelSpecs {
		if err := resolver.Watch(); err != nil {
			globalLogger.Warn(utils.OrangeStyle.Render("Cannot watch kernel spec directories: %v"), err)
		}
	}

	globalLogger.Info("Found %d kernel spec(s) in %v: %v", len(resolver.List()), options.SpecDirs(), resolver.List())
	return resolver
}

// CreateFactory registers the provisioners enabled by the options.
func CreateFactory(options *domain.LocalDaemonOptions, kernelMetrics *metrics.KernelMetrics) *provisioner.Factory {
	factory := provisioner.NewFactory()

	if options.DockerImage != "" {
		factory.RegisterInstance(provisioner.NewDockerProvisioner(provisioner.DockerOptions{
			Image:         options.DockerImage,
			Network:       options.DockerNetwork,
			ConnectionDir: options.ConnectionDir,
			Labels:        map[string]string{"app": ServiceName},
		}, nil, kernelMetrics))
	}

	if options.KubeImage != "" {
		clientset, err := provisioner.NewKubeClientset(options.KubeConfigPath)
		if err != nil {
			log.Fatalf("Failed to create kubernetes clientset: %v", err)
		}

		factory.RegisterInstance(provisioner.NewKubeProvisioner(clientset, provisioner.KubeOptions{
			Namespace: options.KubeNamespace,
			Image:     options.KubeImage,
		}))
	}

	globalLogger.Info("Available kernel provisioners: %v", factory.Names())
	return factory
}

// CreateStore returns the configured kernel record store, or nil.
func CreateStore(options *domain.LocalDaemonOptions) store.KernelStore {
	var (
		s   store.KernelStore
		err error
	)

	switch domain.StoreKind(options.Store) {
	case domain.StoreFile:
		s, err = store.NewFileStore(options.StoreDir)
	case domain.StoreRedis:
		s, err = store.NewRedisStore(options.RedisAddr(), options.RedisPassword, options.RedisDatabase, options.RedisPrefix)
	default:
		return nil
	}

	if err != nil {
		log.Fatalf("Failed to create %s kernel store: %v", options.Store, err)
	}

	globalLogger.Info("Persisting kernel records in the %s store.", options.Store)
	return s
}

// ReapStaleRecords drops the records left by a previous run of the daemon. Their kernels are no longer managed.
func ReapStaleRecords(ctx context.Context, s store.KernelStore) {
	records, err := s.List(ctx)
	if err != nil {
		globalLogger.Warn(utils.OrangeStyle.Render("Failed to list kernel records: %v"), err)
		return
	}

	for _, r := range records {
		globalLogger.Warn(utils.OrangeStyle.Render("Kernel %s (%s, %s) was left behind by a previous run, started at %v. Dropping its record."),
			r.KernelId, r.KernelName, r.ProvisionerName, r.StartedAt)

		if err = s.Delete(ctx, r.KernelId); err != nil {
			globalLogger.Warn(utils.OrangeStyle.Render("Failed to drop record of kernel %s: %v"), r.KernelId, err)
		}
	}
}

// CreateMetrics registers the kernel metrics, and returns them along with the server exposing them.
func CreateMetrics(options *domain.LocalDaemonOptions) (*metrics.KernelMetrics, *metrics.Server) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	kernelMetrics := metrics.NewKernelMetrics()
	if err := kernelMetrics.Register(registry); err != nil {
		log.Fatalf("Failed to register kernel metrics: %v", err)
	}

	if options.MetricsPort == 0 {
		return kernelMetrics, nil
	}

	return kernelMetrics, metrics.NewServer(options.MetricsPort, registry)
}

func main() {
	ValidateOptions()
	globalLogger.Info("Starting the kernel manager with the following options:\n%s\n", options.PrettyString(2))

	ctx := context.Background()

	kernelMetrics, metricsServer := CreateMetrics(&options)
	if metricsServer != nil {
		if err := metricsServer.Start(); err != nil {
			log.Fatalf("Failed to start metrics server: %v", err)
		}
		globalLogger.Info("Serving metrics on %s.", metricsServer.Addr())
	}

	resolver := CreateResolver(&options)

	kernelStore := CreateStore(&options)
	if kernelStore != nil {
		ReapStaleRecords(ctx, kernelStore)
	}

	managerOptions := options.ManagerOptions()
	managerOptions.Resolver = resolver
	managerOptions.Factory = CreateFactory(&options, kernelMetrics)
	managerOptions.Transport = client.NewZmqTransport()
	managerOptions.Store = kernelStore
	managerOptions.Metrics = kernelMetrics

	manager := kernel.NewMultiKernelManager(options.DefaultKernelName, managerOptions)

	if options.ConsulAddr != "" {
		globalLogger.Info("Initializing consul agent [host: %v]...", options.ConsulAddr)
		consulClient, err := consul.NewClient(options.ConsulAddr)
		if err != nil {
			log.Fatalf("Got error while initializing consul agent: %v", err)
		}
		manager.SetAnnouncer(consulClient)
		globalLogger.Info("Consul agent initialized")
	}

	for _, kernelName := range options.InitialKernels() {
		kernelId, err := manager.StartKernel(ctx, kernelName, "", nil)
		if err != nil {
			globalLogger.Error(utils.RedStyle.Render("Failed to start kernel \"%s\": %v"), kernelName, err)
			continue
		}

		connInfo, _ := manager.GetConnectionInfo(kernelId)
		globalLogger.Info(utils.GreenStyle.Render("Kernel %s (%s) is running: %v"), kernelId, kernelName, connInfo)
	}

	received := <-sig
	globalLogger.Info("Received signal %v. Shutting down %d kernel(s).", received, manager.Len())

	shutdownCtx, cancel := context.WithTimeout(ctx, options.ShutdownAllTimeout())
	defer cancel()

	exitCode := 0
	if err := manager.ShutdownAll(shutdownCtx, false); err != nil {
		globalLogger.Error(utils.RedStyle.Render("Failed to shut down every kernel: %v"), err)
		exitCode = 1
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			globalLogger.Warn("Failed to stop metrics server: %v", err)
		}
	}

	if err := resolver.Close(); err != nil {
		globalLogger.Warn("Failed to stop watching kernel specs: %v", err)
	}

	if kernelStore != nil {
		if err := kernelStore.Close(); err != nil {
			globalLogger.Warn("Failed to close kernel store: %v", err)
		}
	}

	os.Exit(exitCode)
}
