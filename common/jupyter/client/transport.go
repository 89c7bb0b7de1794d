package client

import (
	"context"
	"fmt"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/kernel-manager/common/jupyter"
)

const (
	DefaultReadyPollInterval = 100 * time.Millisecond
	DefaultReadyAttemptTime  = time.Second
)

// Transport is the part of the messaging layer a kernel manager needs to supervise a kernel.
type Transport interface {
	// WaitForReady blocks until the kernel answers on its heartbeat channel or ctx is done.
	WaitForReady(ctx context.Context, connInfo *jupyter.ConnectionInfo) error

	// SendControlRequest sends a message of type msgType on the kernel's control channel and waits for the reply.
	SendControlRequest(ctx context.Context, connInfo *jupyter.ConnectionInfo, msgType string, content interface{}) error
}

// ZmqTransport implements Transport with short-lived zmq clients.
type ZmqTransport struct {
	// PollInterval is the pause between two readiness checks.
	PollInterval time.Duration

	// AttemptTimeout bounds a single readiness check.
	AttemptTimeout time.Duration

	log logger.Logger
}

func NewZmqTransport() *ZmqTransport {
	t := &ZmqTransport{
		PollInterval:   DefaultReadyPollInterval,
		AttemptTimeout: DefaultReadyAttemptTime,
	}
	config.InitLogger(&t.log, t)
	return t
}

func (t *ZmqTransport) WaitForReady(ctx context.Context, connInfo *jupyter.ConnectionInfo) error {
	for attempt := 1; ; attempt++ {
		err := t.ping(ctx, connInfo)
		if err == nil {
			t.log.Debug("Kernel at %s answered heartbeat after %d attempt(s).", connInfo.Address(jupyter.HeartbeatChannel), attempt)
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last heartbeat error: %v)", ctx.Err(), err)
		case <-time.After(t.PollInterval):
		}
	}
}

func (t *ZmqTransport) ping(ctx context.Context, connInfo *jupyter.ConnectionInfo) error {
	attemptCtx, cancel := context.WithTimeout(ctx, t.AttemptTimeout)
	defer cancel()

	c := NewWithContext(attemptCtx, connInfo, nil)
	defer c.Close()

	return c.Ping(attemptCtx)
}

func (t *ZmqTransport) SendControlRequest(ctx context.Context, connInfo *jupyter.ConnectionInfo, msgType string, content interface{}) error {
	c := NewBlockingWithContext(ctx, connInfo, nil)
	defer c.Close()

	reply, err := c.Request(ctx, jupyter.ControlChannel, msgType, content)
	if err != nil {
		return err
	}

	t.log.Debug("Kernel at %s replied to %s with %s.", connInfo.Address(jupyter.ControlChannel), msgType, reply.MsgType())
	return replyStatus(reply)
}
