// Package client is the caller side of the bus. A Client owns one reply mailbox and
// sends calls either to a known instance (CallSync) or to an instance of a service
// type chosen by a load balancer (Call).
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"svcbus/broker"
	"svcbus/codec"
	"svcbus/descriptor"
	"svcbus/loadbalance"
	"svcbus/message"
	"svcbus/middleware"
	"svcbus/registry"
	"svcbus/transport"
)

const DefaultCallTimeout = 3 * time.Second

var ErrNoInstances = errors.New("client: no registered instances")

type Options struct {
	Self     descriptor.ServiceDescriptor
	Broker   broker.Broker
	Codec    codec.CodecType
	Registry registry.Registry // used by Call; may be nil if only CallSync is used
	Balancer loadbalance.Balancer
	Timeout  time.Duration // default per-call timeout
	Retries  int           // resends after a timeout or transport error
	Logger   *zap.Logger
}

type Client struct {
	transport   *transport.ClientTransport
	registry    registry.Registry
	balancer    loadbalance.Balancer
	timeout     time.Duration
	retries     int
	logger      *zap.Logger
	middlewares []middleware.Middleware
}

func NewClient(ctx context.Context, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("client")

	t, err := transport.NewClientTransport(ctx, opts.Broker, opts.Self, opts.Codec, logger)
	if err != nil {
		return nil, err
	}
	bal := opts.Balancer
	if bal == nil {
		bal = &loadbalance.RandomBalancer{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Client{
		transport: t,
		registry:  opts.Registry,
		balancer:  bal,
		timeout:   timeout,
		retries:   opts.Retries,
		logger:    logger,
	}, nil
}

// Use adds a middleware around every call. Middlewares run in the order they are
// added, outside retry and timeout handling.
func (c *Client) Use(mw middleware.Middleware) {
	c.middlewares = append(c.middlewares, mw)
}

// CallSync sends command to target and waits up to timeout for the response
// (timeout <= 0 uses the client default). A service-side failure is returned as a
// *message.ErrorResult.
func (c *Client) CallSync(ctx context.Context, target descriptor.ServiceDescriptor, command string, args [][]byte, timeout time.Duration) ([][]byte, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	mws := append(append([]middleware.Middleware(nil), c.middlewares...),
		middleware.RetryMiddleware(c.retries, timeout/4, c.logger),
		middleware.TimeOutMiddleware(timeout))
	handler := middleware.Chain(mws...)(c.roundTrip)

	resp := handler(ctx, &message.CallFrame{
		Target:  target.Encode(),
		Command: command,
		Args:    args,
	})
	if resp.IsError {
		return nil, resp.Err()
	}
	return resp.Payload, nil
}

// Call discovers the instances of serviceType, lets the balancer pick one and calls it.
func (c *Client) Call(ctx context.Context, serviceType, command string, args [][]byte) ([][]byte, error) {
	if c.registry == nil {
		return nil, fmt.Errorf("client: no registry to discover %q", serviceType)
	}
	instances, err := c.registry.Discover(serviceType)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w for %q", ErrNoInstances, serviceType)
	}
	target, err := c.balancer.Pick(instances)
	if err != nil {
		return nil, err
	}
	return c.CallSync(ctx, target, command, args, c.timeout)
}

// Pending returns the number of calls still waiting for a response.
func (c *Client) Pending() int {
	return c.transport.Pending()
}

func (c *Client) Close() error {
	return c.transport.Close()
}

// roundTrip is the innermost handler: one send and one wait. Giving up on a call
// forgets it so a late response is dropped.
func (c *Client) roundTrip(ctx context.Context, call *message.CallFrame) *message.ResponseFrame {
	target, err := descriptor.ParseServiceFullId(call.Target)
	if err != nil {
		return message.ErrorResponse(call.ID, message.Errorf(message.KindBadRequest, "%v", err))
	}

	seq, ch, err := c.transport.Send(ctx, target, call.Command, call.Args)
	if err != nil {
		return message.ErrorResponse(call.ID, message.Errorf(message.KindTransport, "%v", err))
	}

	select {
	case resp := <-ch:
		return resp
	case <-ctx.Done():
		c.transport.Forget(seq)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return message.ErrorResponse(call.ID, message.Errorf(message.KindTimeout, "request timed out"))
		}
		return message.ErrorResponse(call.ID, message.Errorf(message.KindTransport, "%v", ctx.Err()))
	}
}
