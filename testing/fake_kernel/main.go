package fake_kernel

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/scusemua/kernel-manager/common/jupyter"
)

const (
	// EnvMuteHeartbeat makes a fake kernel process never answer heartbeats.
	EnvMuteHeartbeat = "FAKE_KERNEL_MUTE_HEARTBEAT"

	// EnvIgnoreSigterm makes a fake kernel process survive SIGTERM, so that only SIGKILL stops it.
	EnvIgnoreSigterm = "FAKE_KERNEL_IGNORE_SIGTERM"

	// InterruptFileSuffix is appended to the connection file path to name the file in which a fake kernel process
	// records how many interrupts it received.
	InterruptFileSuffix = ".interrupts"
)

// Main runs a fake kernel process bound to the given connection file until it is asked to shut down.
//
// SIGINT counts as an interrupt. SIGTERM and shutdown_request stop the process. The returned value is the exit code.
func Main(connectionFile string) int {
	connInfo, err := jupyter.ReadConnectionFile(connectionFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fake kernel: %v\n", err)
		return 2
	}

	kernel := NewFakeKernel(connInfo)
	kernel.MuteHeartbeat.Store(os.Getenv(EnvMuteHeartbeat) != "")

	sigC := make(chan os.Signal, 4)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigC)

	interruptFile := connectionFile + InterruptFileSuffix
	recordInterrupts := func() {
		_ = os.WriteFile(interruptFile, []byte(strconv.Itoa(kernel.Interrupts())), 0o600)
	}
	recordInterrupts()
	kernel.OnInterrupt = recordInterrupts

	if err = kernel.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "fake kernel: %v\n", err)
		return 1
	}
	defer kernel.Close()

	ignoreSigterm := os.Getenv(EnvIgnoreSigterm) != ""
	for {
		select {
		case sig := <-sigC:
			if sig == syscall.SIGINT {
				kernel.RecordInterrupt()
				continue
			}

			if !ignoreSigterm {
				return 0
			}
		case <-kernel.ShutdownRequested():
			return 0
		}
	}
}

// ReadInterrupts returns the number of interrupts recorded by the fake kernel process using connectionFile.
func ReadInterrupts(connectionFile string) int {
	content, err := os.ReadFile(connectionFile + InterruptFileSuffix)
	if err != nil {
		return -1
	}

	n, err := strconv.Atoi(string(content))
	if err != nil {
		return -1
	}
	return n
}
