package utils

import (
	"fmt"
	"net"
)

// ReservePorts asks the OS for n distinct free TCP ports on ip.
//
// Every listener is held until all ports have been picked and then released, so the ports can be bound by another
// process shortly afterwards. Nothing prevents a third party from grabbing one of them in between.
func ReservePorts(ip string, n int) ([]int, error) {
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, l := range listeners {
			_ = l.Close()
		}
	}()

	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
		if err != nil {
			return nil, fmt.Errorf("failed to reserve port on %s: %w", ip, err)
		}
		listeners = append(listeners, l)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}

	return ports, nil
}
