package fake_kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/go-zeromq/zmq4"

	"github.com/scusemua/kernel-manager/common/jupyter"
	"github.com/scusemua/kernel-manager/common/jupyter/messaging"
	"github.com/scusemua/kernel-manager/common/utils"
)

type SocketWrapper struct {
	zmq4.Socket

	Channel jupyter.Channel
}

// FakeKernel serves the five channels of a Jupyter kernel without executing anything.
//
// Heartbeats are echoed, kernel_info_request, interrupt_request and shutdown_request are answered, and every other
// request gets a generic "<type>_reply" with status "ok".
type FakeKernel struct {
	ConnInfo *jupyter.ConnectionInfo
	Session  string

	ShellSocket     *SocketWrapper
	IOPubSocket     *SocketWrapper
	StdinSocket     *SocketWrapper
	ControlSocket   *SocketWrapper
	HeartbeatSocket *SocketWrapper

	// MuteHeartbeat makes the kernel swallow heartbeats, so that it never appears ready.
	MuteHeartbeat atomic.Bool

	// OnInterrupt, if set before Start, is called after every interrupt.
	OnInterrupt func()

	Serving atomic.Bool

	interrupts   atomic.Int32
	shutdownOnce sync.Once
	shutdown     chan struct{}
	restart      atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	log logger.Logger
}

func NewFakeKernel(connInfo *jupyter.ConnectionInfo) *FakeKernel {
	ctx, cancel := context.WithCancel(context.Background())
	session := fmt.Sprintf("fake-kernel-%s", utils.GenerateRandomString(8))
	kernel := &FakeKernel{
		ConnInfo:        connInfo,
		Session:         session,
		HeartbeatSocket: &SocketWrapper{zmq4.NewRep(ctx), jupyter.HeartbeatChannel},
		ControlSocket:   &SocketWrapper{zmq4.NewRouter(ctx), jupyter.ControlChannel},
		ShellSocket:     &SocketWrapper{zmq4.NewRouter(ctx), jupyter.ShellChannel},
		StdinSocket:     &SocketWrapper{zmq4.NewRouter(ctx), jupyter.StdinChannel},
		IOPubSocket:     &SocketWrapper{zmq4.NewPub(ctx), jupyter.IOPubChannel},
		shutdown:        make(chan struct{}),
		cancel:          cancel,
	}

	config.InitLogger(&kernel.log, session+" ")

	_ = kernel.ControlSocket.SetOption("ROUTER_MANDATORY", 1)
	_ = kernel.ShellSocket.SetOption("ROUTER_MANDATORY", 1)

	return kernel
}

func (k *FakeKernel) sockets() []*SocketWrapper {
	return []*SocketWrapper{k.HeartbeatSocket, k.ControlSocket, k.ShellSocket, k.StdinSocket, k.IOPubSocket}
}

// Start binds every socket to the addresses of the connection info and starts serving.
func (k *FakeKernel) Start() error {
	k.Serving.Store(true)

	for _, socket := range k.sockets() {
		addr := k.ConnInfo.Address(socket.Channel)
		if err := socket.Listen(addr); err != nil {
			k.Close()
			return fmt.Errorf("failed to listen on %s channel at %s: %w", socket.Channel, addr, err)
		}
		k.log.Debug("is listening on %s channel at %s", socket.Channel, addr)
	}

	k.wg.Add(3)
	go k.serveHeartbeat()
	go k.serve(k.ControlSocket)
	go k.serve(k.ShellSocket)

	return nil
}

// Interrupts returns the number of interrupt_request messages received.
func (k *FakeKernel) Interrupts() int {
	return int(k.interrupts.Load())
}

// RecordInterrupt counts an interrupt that was delivered out of band, such as SIGINT.
func (k *FakeKernel) RecordInterrupt() {
	k.interrupts.Add(1)
	if k.OnInterrupt != nil {
		k.OnInterrupt()
	}
}

// ShutdownRequested is closed once a shutdown_request has been answered.
func (k *FakeKernel) ShutdownRequested() <-chan struct{} {
	return k.shutdown
}

// RestartRequested reports the "restart" flag of the shutdown_request, if one was received.
func (k *FakeKernel) RestartRequested() bool {
	return k.restart.Load()
}

// Close stops serving and closes every socket. Close is idempotent.
func (k *FakeKernel) Close() {
	if !k.Serving.Swap(false) {
		return
	}

	for _, socket := range k.sockets() {
		_ = socket.Close()
	}
	k.cancel()
	k.wg.Wait()
}

func (k *FakeKernel) serveHeartbeat() {
	defer k.wg.Done()

	for k.Serving.Load() {
		msg, err := k.HeartbeatSocket.Recv()
		if err != nil {
			k.log.Debug("stopped serving heartbeats: %v", err)
			return
		}

		if k.MuteHeartbeat.Load() {
			continue
		}

		if err = k.HeartbeatSocket.Send(msg); err != nil {
			k.log.Debug("failed to echo heartbeat: %v", err)
			return
		}
	}
}

func (k *FakeKernel) serve(socket *SocketWrapper) {
	defer k.wg.Done()

	key := []byte(k.ConnInfo.Key)
	for k.Serving.Load() {
		raw, err := socket.Recv()
		if err != nil {
			k.log.Debug("stopped serving %s channel: %v", socket.Channel, err)
			return
		}

		request, err := messaging.Decode(raw.Frames, k.ConnInfo.SignatureScheme, key)
		if err != nil {
			k.log.Warn(utils.RedStyle.Render("dropping invalid %s message: %v"), socket.Channel, err)
			continue
		}

		k.log.Debug("[%s] received %s request %s", socket.Channel, request.MsgType(), request.Header.MsgID)
		k.publishStatus(request, "busy")

		replyType, content := k.handle(request)
		reply, err := messaging.NewReply(request, replyType, content)
		if err != nil {
			k.log.Error("failed to create %s: %v", replyType, err)
			continue
		}

		frames, err := reply.Encode(k.ConnInfo.SignatureScheme, key)
		if err != nil {
			k.log.Error("failed to encode %s: %v", replyType, err)
			continue
		}

		if err = socket.Send(zmq4.NewMsgFrom(frames...)); err != nil && !errors.Is(err, context.Canceled) {
			k.log.Error(utils.RedStyle.Render("failed to send %s on %s channel: %v"), replyType, socket.Channel, err)
			continue
		}

		k.publishStatus(request, "idle")

		if request.MsgType() == messaging.MessageTypeShutdownRequest {
			k.shutdownOnce.Do(func() { close(k.shutdown) })
		}
	}
}

func (k *FakeKernel) handle(request *messaging.Message) (string, interface{}) {
	switch request.MsgType() {
	case messaging.MessageTypeKernelInfoRequest:
		return messaging.MessageTypeKernelInfoReply, map[string]interface{}{
			"status":           "ok",
			"protocol_version": messaging.ProtocolVersion,
			"implementation":   "fake_kernel",
			"language_info":    map[string]interface{}{"name": "fake"},
		}
	case messaging.MessageTypeInterruptRequest:
		k.RecordInterrupt()
		return messaging.MessageTypeInterruptReply, map[string]interface{}{"status": "ok"}
	case messaging.MessageTypeShutdownRequest:
		var content struct {
			Restart bool `json:"restart"`
		}
		_ = request.DecodeContent(&content)
		k.restart.Store(content.Restart)
		return messaging.MessageTypeShutdownReply, map[string]interface{}{"status": "ok", "restart": content.Restart}
	default:
		return strings.TrimSuffix(request.MsgType(), "_request") + "_reply", map[string]interface{}{"status": "ok"}
	}
}

func (k *FakeKernel) publishStatus(parent *messaging.Message, state string) {
	status, err := messaging.NewReply(parent, messaging.MessageTypeStatus, map[string]string{"execution_state": state})
	if err != nil {
		return
	}
	status.Identities = [][]byte{[]byte(messaging.MessageTypeStatus)}

	frames, err := status.Encode(k.ConnInfo.SignatureScheme, []byte(k.ConnInfo.Key))
	if err != nil {
		return
	}

	if err = k.IOPubSocket.Send(zmq4.NewMsgFrom(frames...)); err != nil {
		k.log.Debug("failed to publish status: %v", err)
	}
}
