package testbed

import (
	"context"
	"errors"
	"fmt"

	"github.com/testbed/testbed/internal/models"
)

// ConnectAdapter opens a connection to a named service of a peer, given the
// peer's configuration. It runs on the loop and must not block.
type ConnectAdapter func(ctx context.Context, service string, cfg models.PeerConfig) (any, error)

// DisconnectAdapter closes a handle returned by a ConnectAdapter.
type DisconnectAdapter func(handle any)

// ServiceConnectCallback receives the handle of a service connection. The
// handle stays valid until the operation is released.
type ServiceConnectCallback func(op *Operation, handle any, err error)

// ServiceConnect connects to a named service of peer through the given
// adapters. The operation waits on the controller's service-connection queue,
// fetches the peer's configuration and then calls connect. Releasing the
// operation calls disconnect for a handle that was obtained; releasing it
// earlier calls no adapter at all. The handle is opaque to the testbed.
func (c *Controller) ServiceConnect(peer *Peer, serviceName string, connect ConnectAdapter, disconnect DisconnectAdapter, cb ServiceConnectCallback) (*Operation, error) {
	if c.closed {
		return nil, ErrControllerDisconnected
	}
	if peer == nil || peer.c != c {
		return nil, errors.New("peer does not belong to this controller")
	}
	if peer.state == models.PeerDestroyed {
		return nil, ErrPeerDestroyed
	}
	if serviceName == "" {
		return nil, errors.New("service name is required")
	}
	if connect == nil {
		return nil, errors.New("connect adapter is required")
	}

	ctx, cancel := context.WithCancel(c.ctx)
	var (
		op        *Operation
		handle    any
		connected bool
	)
	op = c.newOperation("service_connect", func() {
		c.callOp(ctx, op, func(ctx context.Context) (any, error) {
			return c.svc.PeerInfo(ctx, peer.id, models.InfoConfiguration)
		}, func(res any, err error) {
			var h any
			if err == nil {
				info, _ := res.(models.PeerInfo)
				peer.config = info.Config.Clone()
				h, err = connect(ctx, serviceName, info.Config.Clone())
				if err != nil {
					err = fmt.Errorf("connect to %s of %s: %w", serviceName, peer, err)
				} else {
					handle, connected = h, true
				}
			}
			c.metrics.incOperation(op.Kind(), err)
			if cb != nil {
				cb(op, h, err)
				return
			}
			c.operationFinished(op, err, h)
		})
	}, func() {
		cancel()
		if connected && disconnect != nil {
			disconnect(handle)
		}
		handle, connected = nil, false
	})
	return op, c.enqueue(op, c.opqServiceConnect)
}
