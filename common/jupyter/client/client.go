package client

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"

	"github.com/scusemua/kernel-manager/common/jupyter"
	"github.com/scusemua/kernel-manager/common/jupyter/messaging"
)

var heartbeatPayload = []byte("ping")

// KernelClient sends and receives messages on the channels of one kernel.
//
// A KernelClient is bound to a single ConnectionInfo. When the kernel that published that ConnectionInfo is restarted
// or shut down, the client is revoked: its sockets are closed and every subsequent call fails with
// jupyter.ErrNotConnected. A new client has to be obtained from the kernel's manager.
//
// Calls on different channels may run concurrently. Each channel supports one caller at a time.
type KernelClient struct {
	connInfo *jupyter.ConnectionInfo
	session  string
	key      []byte

	// revoked is closed by the owner of the ConnectionInfo once the ConnectionInfo is no longer current.
	revoked <-chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	sockets map[jupyter.Channel]zmq4.Socket
	closed  bool

	log logger.Logger
}

// New creates a KernelClient bound to connInfo. No socket is dialed until Start or the first call on a channel.
//
// revoked may be nil, in which case the client stays valid until Close.
func New(connInfo *jupyter.ConnectionInfo, revoked <-chan struct{}) *KernelClient {
	return NewWithContext(context.Background(), connInfo, revoked)
}

// NewWithContext is like New, but the client's sockets are closed, and pending dials aborted, once parent is done.
func NewWithContext(parent context.Context, connInfo *jupyter.ConnectionInfo, revoked <-chan struct{}) *KernelClient {
	ctx, cancel := context.WithCancel(parent)
	c := &KernelClient{
		connInfo: connInfo,
		session:  uuid.NewString(),
		key:      []byte(connInfo.Key),
		revoked:  revoked,
		ctx:      ctx,
		cancel:   cancel,
		sockets:  make(map[jupyter.Channel]zmq4.Socket),
	}
	config.InitLogger(&c.log, fmt.Sprintf("KernelClient[%s] ", c.session[:8]))

	if revoked != nil {
		go func() {
			select {
			case <-revoked:
				c.log.Debug("Connection info was revoked; closing sockets.")
				_ = c.Close()
			case <-ctx.Done():
			}
		}()
	}

	return c
}

// ConnectionInfo returns the connection info the client is bound to.
func (c *KernelClient) ConnectionInfo() *jupyter.ConnectionInfo {
	return c.connInfo
}

// Session returns the session ID used in the headers of messages sent by the client.
func (c *KernelClient) Session() string {
	return c.session
}

// Valid returns true until the client is closed or revoked.
func (c *KernelClient) Valid() bool {
	if c.isRevoked() {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *KernelClient) isRevoked() bool {
	if c.revoked == nil {
		return false
	}

	select {
	case <-c.revoked:
		return true
	default:
		return false
	}
}

// Start dials the sockets of every channel.
func (c *KernelClient) Start() error {
	for _, channel := range jupyter.Channels {
		if _, err := c.socket(channel); err != nil {
			return err
		}
	}
	return nil
}

// socket returns the socket of the given channel, dialing it if necessary.
func (c *KernelClient) socket(channel jupyter.Channel) (zmq4.Socket, error) {
	if !channel.Valid() {
		return nil, fmt.Errorf("unknown channel \"%s\"", channel)
	}

	if c.isRevoked() {
		return nil, jupyter.ErrNotConnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, jupyter.ErrNotConnected
	}

	if sock, ok := c.sockets[channel]; ok {
		return sock, nil
	}

	sock, err := DialChannel(c.ctx, c.connInfo, channel, c.session)
	if err != nil {
		return nil, err
	}

	c.log.Debug("Connected %s channel to %s.", channel, c.connInfo.Address(channel))
	c.sockets[channel] = sock
	return sock, nil
}

// discard closes and forgets the socket of a channel so that the next call dials a fresh one.
func (c *KernelClient) discard(channel jupyter.Channel, sock zmq4.Socket) {
	c.mu.Lock()
	if current, ok := c.sockets[channel]; ok && current == sock {
		delete(c.sockets, channel)
	}
	c.mu.Unlock()

	_ = sock.Close()
}

// NewMessage creates a message for this client's session.
func (c *KernelClient) NewMessage(msgType string, content interface{}) (*messaging.Message, error) {
	return messaging.NewMessage(msgType, c.session, content)
}

// Send signs and sends msg on the given channel.
func (c *KernelClient) Send(channel jupyter.Channel, msg *messaging.Message) error {
	if channel == jupyter.IOPubChannel || channel == jupyter.HeartbeatChannel {
		return fmt.Errorf("cannot send jupyter messages on the %s channel", channel)
	}

	sock, err := c.socket(channel)
	if err != nil {
		return err
	}

	frames, err := msg.Encode(c.connInfo.SignatureScheme, c.key)
	if err != nil {
		return err
	}

	c.log.Trace("Sending %s message on %s channel: %v", msg.MsgType(), channel, messaging.JupyterFrames(frames))
	if err = sock.Send(zmq4.NewMsgFrom(frames...)); err != nil {
		c.discard(channel, sock)
		return err
	}
	return nil
}

// Recv waits for the next message on the given channel.
func (c *KernelClient) Recv(ctx context.Context, channel jupyter.Channel) (*messaging.Message, error) {
	if channel == jupyter.HeartbeatChannel {
		return nil, fmt.Errorf("cannot receive jupyter messages on the %s channel", channel)
	}

	sock, err := c.socket(channel)
	if err != nil {
		return nil, err
	}

	raw, abandoned, err := recvWithContext(ctx, c.revoked, sock)
	if abandoned {
		c.discard(channel, sock)
	}
	if err != nil {
		if !c.Valid() {
			return nil, jupyter.ErrNotConnected
		}
		return nil, err
	}

	return messaging.Decode(raw.Frames, c.connInfo.SignatureScheme, c.key)
}

// Ping sends a heartbeat and waits for the kernel to echo it.
func (c *KernelClient) Ping(ctx context.Context) error {
	sock, err := c.socket(jupyter.HeartbeatChannel)
	if err != nil {
		return err
	}

	if err = sock.Send(zmq4.NewMsg(heartbeatPayload)); err != nil {
		c.discard(jupyter.HeartbeatChannel, sock)
		return err
	}

	reply, abandoned, err := recvWithContext(ctx, c.revoked, sock)
	if abandoned || err != nil {
		// A REQ socket that missed its reply cannot send again.
		c.discard(jupyter.HeartbeatChannel, sock)
	}
	if err != nil {
		return err
	}

	if !bytes.Equal(reply.Bytes(), heartbeatPayload) {
		return fmt.Errorf("unexpected heartbeat reply %q", reply.Bytes())
	}
	return nil
}

// Close closes every socket of the client. Close is idempotent.
func (c *KernelClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sockets := c.sockets
	c.sockets = make(map[jupyter.Channel]zmq4.Socket)
	c.mu.Unlock()

	var firstErr error
	for channel, sock := range sockets {
		if err := sock.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close %s socket: %w", channel, err)
		}
	}

	c.cancel()
	return firstErr
}
