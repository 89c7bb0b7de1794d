package client

import (
	"context"
	"fmt"
	"time"

	"github.com/scusemua/kernel-manager/common/jupyter"
	"github.com/scusemua/kernel-manager/common/jupyter/messaging"
)

const (
	DefaultRequestTimeout = 10 * time.Second
)

// BlockingClient is a KernelClient whose requests wait for their replies.
type BlockingClient struct {
	*KernelClient

	// Timeout bounds each request when the caller's context has no deadline.
	Timeout time.Duration
}

// NewBlocking creates a BlockingClient bound to connInfo. See New.
func NewBlocking(connInfo *jupyter.ConnectionInfo, revoked <-chan struct{}) *BlockingClient {
	return NewBlockingWithContext(context.Background(), connInfo, revoked)
}

// NewBlockingWithContext creates a BlockingClient whose sockets live no longer than parent. See NewWithContext.
func NewBlockingWithContext(parent context.Context, connInfo *jupyter.ConnectionInfo, revoked <-chan struct{}) *BlockingClient {
	return &BlockingClient{
		KernelClient: NewWithContext(parent, connInfo, revoked),
		Timeout:      DefaultRequestTimeout,
	}
}

func (c *BlockingClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.Timeout)
}

// Request sends a message of type msgType on channel and waits for the reply to it.
// Messages on the channel that do not respond to the request are dropped.
func (c *BlockingClient) Request(ctx context.Context, channel jupyter.Channel, msgType string, content interface{}) (*messaging.Message, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	request, err := c.NewMessage(msgType, content)
	if err != nil {
		return nil, err
	}

	if err = c.Send(channel, request); err != nil {
		return nil, err
	}

	for {
		reply, err := c.Recv(ctx, channel)
		if err != nil {
			return nil, err
		}

		if reply.ParentMsgID() == request.Header.MsgID {
			return reply, nil
		}

		c.log.Debug("Dropping %s message on %s channel that does not respond to %s request %s.",
			reply.MsgType(), channel, msgType, request.Header.MsgID)
	}
}

// KernelInfo requests the kernel's kernel_info_reply content.
func (c *BlockingClient) KernelInfo(ctx context.Context) (map[string]interface{}, error) {
	reply, err := c.Request(ctx, jupyter.ShellChannel, messaging.MessageTypeKernelInfoRequest, nil)
	if err != nil {
		return nil, err
	}

	var content map[string]interface{}
	if err = reply.DecodeContent(&content); err != nil {
		return nil, err
	}
	return content, nil
}

// Interrupt sends an interrupt_request on the control channel and waits for the reply.
func (c *BlockingClient) Interrupt(ctx context.Context) error {
	reply, err := c.Request(ctx, jupyter.ControlChannel, messaging.MessageTypeInterruptRequest, nil)
	if err != nil {
		return err
	}
	return replyStatus(reply)
}

// Shutdown sends a shutdown_request on the control channel and waits for the reply.
func (c *BlockingClient) Shutdown(ctx context.Context, restart bool) error {
	reply, err := c.Request(ctx, jupyter.ControlChannel, messaging.MessageTypeShutdownRequest, map[string]interface{}{"restart": restart})
	if err != nil {
		return err
	}
	return replyStatus(reply)
}

// IsAlive pings the kernel's heartbeat channel.
func (c *BlockingClient) IsAlive(ctx context.Context) bool {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	return c.Ping(ctx) == nil
}

func replyStatus(reply *messaging.Message) error {
	var content struct {
		Status string `json:"status"`
		EName  string `json:"ename"`
		EValue string `json:"evalue"`
	}
	if err := reply.DecodeContent(&content); err != nil {
		return err
	}

	if content.Status == "error" {
		return fmt.Errorf("%s request failed: %s: %s", reply.MsgType(), content.EName, content.EValue)
	}
	return nil
}
