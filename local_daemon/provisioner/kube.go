package provisioner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/scusemua/kernel-manager/common/jupyter"
	"github.com/scusemua/kernel-manager/common/utils"
)

const (
	KubeProvisionerName = "kubernetes-provisioner"

	KubeNamespaceDefault = "default"

	// KubeConnectionInfoEnv carries the JSON connection info into kernel pods.
	KubeConnectionInfoEnv = "KERNEL_CONNECTION_INFO"
	KubeKernelIdEnv       = "KERNEL_ID"

	// KubeConnectionFile is the path substituted for {connection_file} in the argv of kernel pods. The pod's entry
	// point is expected to write KERNEL_CONNECTION_INFO there.
	KubeConnectionFile = "/etc/jupyter/runtime/connection.json"

	KubeContainerName = "kernel"

	kubeAppLabel      = "app"
	kubeAppLabelValue = "jupyter-kernel"
	kubeKernelIdLabel = "kernel_id"

	kubeStatusTimeout = 2 * time.Second
)

// DefaultKubeKernelPorts are the container ports used by kernel pods. Every pod has its own IP, so they can be fixed.
var DefaultKubeKernelPorts = map[jupyter.Channel]int{
	jupyter.ShellChannel:     52700,
	jupyter.IOPubChannel:     52701,
	jupyter.StdinChannel:     52702,
	jupyter.ControlChannel:   52703,
	jupyter.HeartbeatChannel: 52704,
}

// KubeOptions configures the pods created by a KubeProvisioner.
type KubeOptions struct {
	Namespace string
	Image     string

	// PollInterval is the pause between two checks of a starting pod.
	PollInterval time.Duration

	// GracePeriod is the termination grace period of a pod deleted without force.
	GracePeriod time.Duration
}

// KubeProvisioner runs every kernel in its own pod.
//
// Pods cannot be signaled, so kernels provisioned this way are interrupted with interrupt_request messages.
type KubeProvisioner struct {
	opts      KubeOptions
	clientset kubernetes.Interface

	log logger.Logger
}

// NewKubeProvisioner creates a KubeProvisioner that uses clientset.
func NewKubeProvisioner(clientset kubernetes.Interface, opts KubeOptions) *KubeProvisioner {
	if opts.Namespace == "" {
		opts.Namespace = KubeNamespaceDefault
	}
	if opts.Image == "" {
		opts.Image = utils.GetEnv(DockerImageNameEnv, DockerImageNameDefault)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}

	p := &KubeProvisioner{
		opts:      opts,
		clientset: clientset,
	}
	config.InitLogger(&p.log, p)
	return p
}

// NewKubeClientset connects to the cluster the process runs in, or to the one of kubeconfig if it is set.
func NewKubeClientset(kubeconfig string) (kubernetes.Interface, error) {
	var (
		restConfig *rest.Config
		err        error
	)

	if kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load kubernetes client configuration")
	}

	return kubernetes.NewForConfig(restConfig)
}

type kubeHandle struct {
	kernelId string
	podName  string
	podIP    string
}

func (h *kubeHandle) KernelId() string {
	return h.kernelId
}

func (p *KubeProvisioner) Name() string {
	return KubeProvisionerName
}

func (p *KubeProvisioner) Kind() Kind {
	return KindRemote
}

func (p *KubeProvisioner) SupportsSignal(syscall.Signal) bool {
	return false
}

func (p *KubeProvisioner) ShutdownWaitTime(recommended time.Duration) time.Duration {
	return recommended + p.opts.GracePeriod
}

func (p *KubeProvisioner) Launch(ctx context.Context, req *LaunchRequest) (*jupyter.ConnectionInfo, Handle, error) {
	if err := validateRequest(req); err != nil {
		return nil, nil, err
	}

	podInfo := connectionInfoFor(req, "0.0.0.0")
	podInfo.Transport = jupyter.TransportTCP
	podInfo.IP = "0.0.0.0"
	for channel, port := range DefaultKubeKernelPorts {
		podInfo.SetPort(channel, port)
	}

	pod, err := p.podFor(req, podInfo)
	if err != nil {
		return nil, nil, jupyter.NewKernelError(req.KernelId, "launch", jupyter.ErrLaunch, err)
	}

	pods := p.clientset.CoreV1().Pods(p.opts.Namespace)
	if _, err = pods.Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return nil, nil, jupyter.NewKernelError(req.KernelId, "launch", jupyter.ErrLaunch,
			errors.Wrapf(err, "failed to create pod %s", pod.Name))
	}

	h := &kubeHandle{kernelId: req.KernelId, podName: pod.Name}
	p.log.Debug("Created pod %s/%s for kernel %s.", p.opts.Namespace, pod.Name, req.KernelId)

	if err = p.waitForPodIP(ctx, h); err != nil {
		p.deletePod(h, 0)
		return nil, nil, jupyter.NewKernelError(req.KernelId, "launch", jupyter.ErrLaunch, err)
	}

	info := podInfo.Clone()
	info.IP = h.podIP
	return info, h, nil
}

func (p *KubeProvisioner) podFor(req *LaunchRequest, info *jupyter.ConnectionInfo) (*corev1.Pod, error) {
	encoded, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}

	env := []corev1.EnvVar{
		{Name: KubeConnectionInfoEnv, Value: string(encoded)},
		{Name: KubeKernelIdEnv, Value: req.KernelId},
	}
	for name, value := range req.Spec.LaunchEnv(nil, req.Env) {
		env = append(env, corev1.EnvVar{Name: name, Value: value})
	}

	ports := make([]corev1.ContainerPort, 0, len(jupyter.Channels))
	for _, channel := range jupyter.Channels {
		ports = append(ports, corev1.ContainerPort{
			Name:          channelPortName(channel),
			ContainerPort: int32(info.Port(channel)),
			Protocol:      corev1.ProtocolTCP,
		})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName(req.KernelId),
			Namespace: p.opts.Namespace,
			Labels: map[string]string{
				kubeAppLabel:      kubeAppLabelValue,
				kubeKernelIdLabel: req.KernelId,
			},
			Annotations: map[string]string{
				"jupyter.org/kernel-name": req.Spec.Name,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:       KubeContainerName,
				Image:      p.opts.Image,
				Args:       req.Spec.FormatArgv(KubeConnectionFile, nil, req.ExtraArguments...),
				Env:        env,
				Ports:      ports,
				WorkingDir: req.Cwd,
			}},
		},
	}, nil
}

func (p *KubeProvisioner) waitForPodIP(ctx context.Context, h *kubeHandle) error {
	pods := p.clientset.CoreV1().Pods(p.opts.Namespace)

	err := wait.PollUntilContextCancel(ctx, p.opts.PollInterval, true, func(ctx context.Context) (bool, error) {
		pod, err := pods.Get(ctx, h.podName, metav1.GetOptions{})
		if err != nil {
			return false, err
		}

		switch pod.Status.Phase {
		case corev1.PodFailed, corev1.PodSucceeded:
			return false, errors.Errorf("pod %s terminated during startup (%s: %s)", h.podName, pod.Status.Phase, pod.Status.Message)
		case corev1.PodRunning:
			if pod.Status.PodIP != "" {
				h.podIP = pod.Status.PodIP
				return true, nil
			}
		}
		return false, nil
	})

	return errors.Wrapf(err, "pod %s did not start", h.podName)
}

func (p *KubeProvisioner) handle(h Handle) (*kubeHandle, error) {
	kh, ok := h.(*kubeHandle)
	if !ok || kh == nil {
		return nil, foreignHandle(p.Name(), h)
	}
	return kh, nil
}

func (p *KubeProvisioner) IsAlive(h Handle) bool {
	kh, err := p.handle(h)
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), kubeStatusTimeout)
	defer cancel()

	pod, err := p.clientset.CoreV1().Pods(p.opts.Namespace).Get(ctx, kh.podName, metav1.GetOptions{})
	if err != nil {
		return false
	}
	return pod.DeletionTimestamp == nil && pod.Status.Phase == corev1.PodRunning
}

func (p *KubeProvisioner) Signal(h Handle, sig syscall.Signal) error {
	kh, err := p.handle(h)
	if err != nil {
		return err
	}

	return jupyter.NewKernelError(kh.kernelId, "signal", jupyter.ErrUnsupportedSignal,
		errors.Errorf("%s cannot deliver %v", p.Name(), sig))
}

func (p *KubeProvisioner) Terminate(ctx context.Context, h Handle, force bool) error {
	kh, err := p.handle(h)
	if err != nil {
		return err
	}

	grace := int64(p.opts.GracePeriod.Seconds())
	if force {
		grace = 0
	}

	pods := p.clientset.CoreV1().Pods(p.opts.Namespace)
	err = pods.Delete(ctx, kh.podName, metav1.DeleteOptions{GracePeriodSeconds: &grace})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return jupyter.NewKernelError(kh.kernelId, "terminate", jupyter.ErrTerminate, errors.Wrapf(err, "failed to delete pod %s", kh.podName))
	}

	p.log.Debug("Deleted pod %s of kernel %s (grace period %ds).", kh.podName, kh.kernelId, grace)
	return nil
}

func (p *KubeProvisioner) Cleanup(_ context.Context, h Handle, _ bool) error {
	kh, err := p.handle(h)
	if err != nil {
		return err
	}

	p.deletePod(kh, 0)
	return nil
}

// deletePod removes the pod if it still exists.
func (p *KubeProvisioner) deletePod(h *kubeHandle, grace int64) {
	ctx, cancel := context.WithTimeout(context.Background(), kubeStatusTimeout)
	defer cancel()

	err := p.clientset.CoreV1().Pods(p.opts.Namespace).Delete(ctx, h.podName, metav1.DeleteOptions{GracePeriodSeconds: &grace})
	if err != nil && !apierrors.IsNotFound(err) {
		p.log.Warn("Failed to delete pod %s of kernel %s: %v", h.podName, h.kernelId, err)
	}
}

func (p *KubeProvisioner) Info(h Handle) map[string]interface{} {
	kh, err := p.handle(h)
	if err != nil {
		return map[string]interface{}{}
	}

	return map[string]interface{}{
		"provisioner_name": p.Name(),
		"namespace":        p.opts.Namespace,
		"pod_name":         kh.podName,
		"ip":               kh.podIP,
	}
}

// podName returns a DNS-compatible pod name for the kernel.
func podName(kernelId string) string {
	name := strings.ToLower(fmt.Sprintf("kernel-%s", kernelId))
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '-'
	}, name)

	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "-")
}

func channelPortName(channel jupyter.Channel) string {
	// Port names are limited to 15 characters.
	return "kernel-" + string(channel)
}
