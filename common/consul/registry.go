package consul

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	consul "github.com/hashicorp/consul/api"

	"github.com/scusemua/kernel-manager/common/jupyter"
)

const (
	// KernelServiceName is the consul service name under which kernels are announced.
	KernelServiceName = "jupyter-kernel"

	// NetworkEnv names the environment variable holding the CIDR of the network on which kernels are reachable.
	NetworkEnv = "KERNEL_MANAGER_NETWORK"
)

// NewClient returns a new Client with connection to consul
func NewClient(addr string) (*Client, error) {
	cfg := consul.DefaultConfig()
	cfg.Address = addr

	c, err := consul.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	cli := &Client{Client: c}
	config.InitLogger(&cli.logger, "Consul ")

	return cli, nil
}

// Client announces running kernels in the consul catalog, so that frontends on other hosts can find them.
type Client struct {
	*consul.Client

	logger logger.Logger
}

// ServiceId returns the consul service ID of a kernel.
func ServiceId(kernelId string) string {
	return "kernel-" + kernelId
}

// getLocalIP returns the first non-loopback IPv4 address, preferring one within the network named by NetworkEnv.
func (c *Client) getLocalIP() (string, error) {
	var ips []net.IP

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("registry: can not find local ip")
	}

	network := os.Getenv(NetworkEnv)
	if len(ips) == 1 || network == "" {
		return ips[0].String(), nil
	}

	_, ipNet, err := net.ParseCIDR(network)
	if err != nil {
		c.logger.Error("An invalid network CIDR is set in environment %s: %v", NetworkEnv, network)
		return ips[0].String(), nil
	}

	for _, ip := range ips {
		if ipNet.Contains(ip) {
			return ip.String(), nil
		}
	}
	return ips[0].String(), nil
}

// advertisedIP returns the address under which the kernel of connInfo should be announced.
func (c *Client) advertisedIP(connInfo *jupyter.ConnectionInfo) (string, error) {
	ip := net.ParseIP(connInfo.IP)
	if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
		return c.getLocalIP()
	}
	return connInfo.IP, nil
}

// AnnounceKernel registers a tcp kernel as a consul service. The shell port is the service port and the other ports
// are published as service metadata. The signing key is never published.
func (c *Client) AnnounceKernel(kernelId string, kernelName string, connInfo *jupyter.ConnectionInfo) error {
	if connInfo.Transport != jupyter.TransportTCP {
		c.logger.Debug("Not announcing kernel %s: transport %s is host-local.", kernelId, connInfo.Transport)
		return nil
	}

	ip, err := c.advertisedIP(connInfo)
	if err != nil {
		return err
	}

	meta := map[string]string{
		"kernel_id":        kernelId,
		"kernel_name":      kernelName,
		"transport":        connInfo.Transport,
		"signature_scheme": connInfo.SignatureScheme,
	}
	for _, channel := range jupyter.Channels {
		meta[channel.String()+"_port"] = strconv.Itoa(connInfo.Port(channel))
	}

	reg := &consul.AgentServiceRegistration{
		ID:      ServiceId(kernelId),
		Name:    KernelServiceName,
		Tags:    []string{kernelName},
		Port:    connInfo.ShellPort,
		Address: ip,
		Meta:    meta,
	}
	c.logger.Info("Trying to register kernel [ id: %s, name: %s, address: %s:%d ]", kernelId, kernelName, ip, connInfo.ShellPort)
	return c.Agent().ServiceRegister(reg)
}

// WithdrawKernel removes the kernel's service from consul.
func (c *Client) WithdrawKernel(kernelId string) error {
	c.logger.Debug("Deregistering kernel %s.", kernelId)
	return c.Agent().ServiceDeregister(ServiceId(kernelId))
}
