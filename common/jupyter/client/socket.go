package client

import (
	"context"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"

	"github.com/scusemua/kernel-manager/common/jupyter"
)

const (
	DefaultDialerRetry      = 100 * time.Millisecond
	DefaultDialerMaxRetries = 20
	DefaultDialerTimeout    = 5 * time.Second
	DefaultSocketTimeout    = 5 * time.Second
)

// SocketOptions returns the zmq4 options shared by every client socket.
func SocketOptions(extra ...zmq4.Option) []zmq4.Option {
	opts := []zmq4.Option{
		zmq4.WithTimeout(DefaultSocketTimeout),
		zmq4.WithDialerMaxRetries(DefaultDialerMaxRetries),
		zmq4.WithDialerRetry(DefaultDialerRetry),
		zmq4.WithDialerTimeout(DefaultDialerTimeout),
	}
	return append(opts, extra...)
}

// newChannelSocket creates the client-side socket of the given channel.
// Shell and stdin share the session identity, which is how a kernel routes input requests back to the shell client.
func newChannelSocket(ctx context.Context, channel jupyter.Channel, identity string) zmq4.Socket {
	switch channel {
	case jupyter.IOPubChannel:
		return zmq4.NewSub(ctx, SocketOptions()...)
	case jupyter.HeartbeatChannel:
		return zmq4.NewReq(ctx, SocketOptions()...)
	default:
		return zmq4.NewDealer(ctx, SocketOptions(zmq4.WithID(zmq4.SocketIdentity(identity)))...)
	}
}

type recvResult struct {
	msg zmq4.Msg
	err error
}

// recvWithContext receives from socket until ctx or done fires.
//
// zmq4 has no cancellable Recv, so the receive runs in its own goroutine. When ctx or done fires first, the socket is
// left in an unusable state and must be closed by the caller, which also unblocks the goroutine.
func recvWithContext(ctx context.Context, done <-chan struct{}, socket zmq4.Socket) (msg zmq4.Msg, abandoned bool, err error) {
	resultC := make(chan recvResult, 1)
	go func() {
		msg, err := socket.Recv()
		resultC <- recvResult{msg: msg, err: err}
	}()

	select {
	case r := <-resultC:
		return r.msg, false, r.err
	case <-ctx.Done():
		return zmq4.Msg{}, true, ctx.Err()
	case <-done:
		return zmq4.Msg{}, true, jupyter.ErrNotConnected
	}
}

// DialChannel creates and dials a standalone socket for one channel of the kernel at connInfo.
//
// The socket is not tied to any KernelClient and is never revoked. The caller owns it and must close it.
func DialChannel(ctx context.Context, connInfo *jupyter.ConnectionInfo, channel jupyter.Channel, identity string) (zmq4.Socket, error) {
	if !channel.Valid() {
		return nil, fmt.Errorf("unknown channel \"%s\"", channel)
	}

	if identity == "" {
		identity = uuid.NewString()
	}

	sock := newChannelSocket(ctx, channel, identity)
	if err := sock.Dial(connInfo.Address(channel)); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("failed to dial %s channel at %s: %w", channel, connInfo.Address(channel), err)
	}

	if channel == jupyter.IOPubChannel {
		if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
			_ = sock.Close()
			return nil, err
		}
	}

	return sock, nil
}
