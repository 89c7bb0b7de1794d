package fake_kernel

import (
	"github.com/scusemua/kernel-manager/common/jupyter"
	"github.com/scusemua/kernel-manager/common/utils"
)

// NewLocalConnectionInfo returns a tcp ConnectionInfo on 127.0.0.1 with five free ports and a fresh key.
func NewLocalConnectionInfo() (*jupyter.ConnectionInfo, error) {
	ports, err := utils.ReservePorts(jupyter.DefaultIP, len(jupyter.Channels))
	if err != nil {
		return nil, err
	}

	connInfo := jupyter.NewConnectionInfo(jupyter.TransportTCP, jupyter.DefaultIP)
	for i, channel := range jupyter.Channels {
		connInfo.SetPort(channel, ports[i])
	}
	return connInfo, nil
}
