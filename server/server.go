// Package server implements the dispatcher runtime of a service: it listens on the
// service's calls mailbox, runs each call through the middleware chain and the command
// registry, and publishes the response to the caller's reply mailbox.
//
// Request processing pipeline:
//
//	broker inbox → Unpack envelope → decode CallFrame
//	  → Middleware Chain → businessHandler (registry lookup + handler) → Pack response → Publish(ReplyTo)
//
// Calls are handled one at a time in arrival order. A slow handler delays the calls
// behind it; no two handler invocations overlap.
//
// State machine:
//
//	Disconnected → Connected → Listening ⇄ Dispatching
//	                    └──────────┴──────────┴→ Stopped
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"svcbus/broker"
	"svcbus/codec"
	"svcbus/command"
	"svcbus/descriptor"
	"svcbus/message"
	"svcbus/middleware"
	"svcbus/protocol"
	"svcbus/registry"
)

// ErrBrokerClosed is returned by Serve when the broker subscription ends on its own.
var ErrBrokerClosed = errors.New("server: broker connection lost")

type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateListening
	StateDispatching
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateListening:
		return "listening"
	case StateDispatching:
		return "dispatching"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Options configures a Server. Self and Commands are read-only for the server's lifetime.
type Options struct {
	Self     descriptor.ServiceDescriptor
	Broker   broker.Broker
	Commands *command.Registry
	Codec    codec.CodecType // Codec of outgoing envelopes
	Logger   *zap.Logger
}

// RegistrationOptions configures the registration task started by Run.
type RegistrationOptions struct {
	Orchestrator      descriptor.ServiceDescriptor
	Attempts          int
	PerAttemptTimeout time.Duration
	HeartbeatInterval time.Duration // 0 disables heartbeats
}

// Server is the dispatcher runtime of one service instance.
type Server struct {
	self        descriptor.ServiceDescriptor
	broker      broker.Broker
	commands    *command.Registry
	codecType   codec.CodecType
	logger      *zap.Logger
	registrar   *registry.Registrar
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	state      atomic.Int32
	served     atomic.Uint64
	registered atomic.Bool
	ready      chan struct{}
	readyOnce  sync.Once
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("service", opts.Self.Encode()))
	return &Server{
		self:      opts.Self,
		broker:    opts.Broker,
		commands:  opts.Commands,
		codecType: opts.Codec,
		logger:    logger,
		registrar: registry.NewRegistrar(opts.Broker, opts.Self, opts.Codec, logger),
		ready:     make(chan struct{}),
	}
}

// Use registers a middleware. Middlewares are applied in the order they are added,
// outside the built-in panic recovery.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

func (svr *Server) State() State {
	return State(svr.state.Load())
}

// Served returns the number of calls answered so far, errors included.
func (svr *Server) Served() uint64 {
	return svr.served.Load()
}

// Registered reports whether the last registration succeeded.
func (svr *Server) Registered() bool {
	return svr.registered.Load()
}

// Registrar exposes registration bookkeeping (attempt counter).
func (svr *Server) Registrar() *registry.Registrar {
	return svr.registrar
}

func (svr *Server) setState(s State) {
	svr.state.Store(int32(s))
}

// Serve runs the dispatch loop until ctx is done (returns nil) or the broker
// subscription is lost (returns ErrBrokerClosed). Either way the server ends Stopped.
func (svr *Server) Serve(ctx context.Context) error {
	defer svr.setState(StateStopped)

	// Build the middleware chain once at startup (not per call).
	mws := append(append([]middleware.Middleware(nil), svr.middlewares...), middleware.RecoverMiddleware())
	svr.handler = middleware.Chain(mws...)(svr.businessHandler)

	inbox, err := svr.broker.Subscribe(ctx, broker.CallsMailbox(svr.self.Encode()))
	if err != nil {
		return fmt.Errorf("server: subscribe calls: %w", err)
	}
	svr.setState(StateConnected)
	svr.logger.Debug("subscribed to calls mailbox", zap.Strings("commands", svr.commands.Names()))

	for {
		svr.setState(StateListening)
		svr.readyOnce.Do(func() { close(svr.ready) })

		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-inbox:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrBrokerClosed
			}
			svr.setState(StateDispatching)
			if err := svr.dispatch(ctx, data); err != nil {
				return err
			}
		}
	}
}

// Run starts the dispatch loop and, concurrently, the registration task. If registration
// is exhausted or rejected, the dispatch loop is stopped and Run returns that error.
// After a successful registration the task sends heartbeats, and an unregister once ctx
// is done. A rejected re-registration during heartbeats also stops Run.
func (svr *Server) Run(ctx context.Context, opts RegistrationOptions) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svr.Serve(gctx)
	})

	g.Go(func() error {
		select {
		case <-svr.ready:
		case <-gctx.Done():
			return nil
		}

		err := svr.registrar.TryRegister(gctx, opts.Orchestrator, opts.Attempts, opts.PerAttemptTimeout)
		if err != nil {
			if gctx.Err() != nil {
				return nil
			}
			svr.logger.Error("registration to orchestrator failed, breaking down",
				zap.String("orchestrator", opts.Orchestrator.Encode()),
				zap.Int("attempts", svr.registrar.Attempts()),
				zap.Error(err))
			return err
		}
		svr.registered.Store(true)
		svr.logger.Info("registered to orchestrator", zap.String("orchestrator", opts.Orchestrator.Encode()))

		if opts.HeartbeatInterval > 0 {
			if err := svr.registrar.Heartbeat(gctx, opts.Orchestrator, opts.HeartbeatInterval); err != nil {
				svr.registered.Store(false)
				svr.logger.Error("orchestrator dropped this service, breaking down",
					zap.String("orchestrator", opts.Orchestrator.Encode()),
					zap.Error(err))
				return err
			}
		} else {
			<-gctx.Done()
		}

		uctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := svr.registrar.Unregister(uctx, opts.Orchestrator); err != nil {
			svr.logger.Warn("unregister failed", zap.Error(err))
		}
		svr.registered.Store(false)
		return nil
	})

	return g.Wait()
}

// dispatch handles one inbox message. Malformed messages are dropped since there is
// no reply address to report to. Only a closed broker is returned as an error.
func (svr *Server) dispatch(ctx context.Context, data []byte) error {
	header, body, err := protocol.Unpack(data)
	if err != nil {
		svr.logger.Warn("dropping malformed envelope", zap.Error(err))
		return nil
	}
	if header.MsgType != protocol.MsgTypeCall {
		svr.logger.Warn("dropping unexpected message", zap.Stringer("type", header.MsgType))
		return nil
	}
	var call message.CallFrame
	if err := protocol.DecodeBody(header, body, &call); err != nil {
		svr.logger.Warn("dropping undecodable call", zap.Error(err))
		return nil
	}
	if call.ReplyTo == "" {
		svr.logger.Warn("dropping call without reply mailbox", zap.String("command", call.Command), zap.String("call_id", call.ID))
		return nil
	}

	resp := svr.handler(ctx, &call)
	resp.ID = call.ID
	svr.served.Add(1)

	var flags protocol.Flags
	if resp.IsError {
		flags |= protocol.FlagError
	}
	envelope, err := protocol.Pack(svr.codecType, protocol.MsgTypeResponse, flags, header.Seq, resp)
	if err != nil {
		svr.logger.Error("failed to encode response", zap.String("command", call.Command), zap.Error(err))
		return nil
	}
	if err := svr.broker.Publish(ctx, call.ReplyTo, envelope); err != nil {
		if errors.Is(err, broker.ErrClosed) {
			return ErrBrokerClosed
		}
		if ctx.Err() == nil {
			svr.logger.Warn("failed to publish response", zap.String("reply_to", call.ReplyTo), zap.Error(err))
		}
	}
	return nil
}

// businessHandler looks the command up and invokes it. Unknown commands and handler
// errors become error responses.
func (svr *Server) businessHandler(ctx context.Context, call *message.CallFrame) *message.ResponseFrame {
	handler, err := svr.commands.Lookup(call.Command)
	if err != nil {
		return message.ErrorResponse(call.ID, message.Errorf(message.KindNotFound, "unknown command %q for %s", call.Command, svr.self.Encode()))
	}

	result, err := handler(ctx, message.NewRPCCallRequest(call))
	if err != nil {
		var er *message.ErrorResult
		if !errors.As(err, &er) {
			er = &message.ErrorResult{Kind: message.KindHandler, Message: err.Error()}
		}
		return message.ErrorResponse(call.ID, er)
	}
	return message.SuccessResponse(call.ID, result)
}
