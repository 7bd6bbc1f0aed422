package registry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"svcbus/broker"
	"svcbus/codec"
	"svcbus/descriptor"
	"svcbus/message"
	"svcbus/protocol"
)

// Defaults observed in deployed services.
const (
	DefaultAttempts          = 30
	DefaultPerAttemptTimeout = 3 * time.Second
)

// Session is the transient state of one registration run. It lives until the
// registration succeeds or the attempts run out.
type Session struct {
	AttemptsRemaining int
	PerAttemptTimeout time.Duration
	Orchestrator      descriptor.ServiceDescriptor
}

// Registrar announces one service to an orchestrator.
type Registrar struct {
	broker    broker.Broker
	self      descriptor.ServiceDescriptor
	codecType codec.CodecType
	logger    *zap.Logger

	seq      atomic.Uint32
	attempts atomic.Int32
}

func NewRegistrar(b broker.Broker, self descriptor.ServiceDescriptor, ct codec.CodecType, logger *zap.Logger) *Registrar {
	return &Registrar{
		broker:    b,
		self:      self,
		codecType: ct,
		logger:    logger.Named("registrar"),
	}
}

// Attempts returns how many registration attempts have been made so far.
func (r *Registrar) Attempts() int {
	return int(r.attempts.Load())
}

// TryRegister runs a registration session: up to attempts tries, each bounded by
// timeout. Tries are spaced by at least timeout, with no growth. A rejection from
// the orchestrator ends the session immediately.
//
// Any returned error means the service is unreachable; callers are expected to stop.
func (r *Registrar) TryRegister(ctx context.Context, orchestrator descriptor.ServiceDescriptor, attempts int, timeout time.Duration) error {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if timeout <= 0 {
		timeout = DefaultPerAttemptTimeout
	}
	session := &Session{
		AttemptsRemaining: attempts,
		PerAttemptTimeout: timeout,
		Orchestrator:      orchestrator,
	}

	// Listen for acks before the first announcement, so a fast ack is never missed.
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	acks, err := r.broker.Subscribe(subCtx, broker.AcksMailbox(r.self.Encode()))
	if err != nil {
		return fmt.Errorf("%w: subscribe acks: %v", ErrRegistrationExhausted, err)
	}

	var lastErr error
	for session.AttemptsRemaining > 0 {
		session.AttemptsRemaining--
		n := r.attempts.Add(1)
		started := time.Now()

		lastErr = r.attempt(ctx, session, acks)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrRegistrationRejected) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("registration attempt failed",
			zap.Int32("attempt", n),
			zap.Int("remaining", session.AttemptsRemaining),
			zap.String("orchestrator", orchestrator.Encode()),
			zap.Error(lastErr))

		if session.AttemptsRemaining == 0 {
			break
		}
		// An attempt can fail fast (e.g. publish error); keep the spacing anyway.
		if wait := session.PerAttemptTimeout - time.Since(started); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return fmt.Errorf("%w: %d attempts to %s: %v", ErrRegistrationExhausted, attempts, orchestrator.Encode(), lastErr)
}

func (r *Registrar) attempt(ctx context.Context, session *Session, acks <-chan []byte) error {
	ctx, cancel := context.WithTimeout(ctx, session.PerAttemptTimeout)
	defer cancel()

	seq := r.seq.Add(1)
	envelope, err := protocol.Pack(r.codecType, protocol.MsgTypeRegister, 0, seq, &message.Registration{Descriptor: r.self.Encode()})
	if err != nil {
		return err
	}
	if err := r.broker.Publish(ctx, broker.RegistrationsMailbox(session.Orchestrator.Encode()), envelope); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ErrAckTimeout
		case data, ok := <-acks:
			if !ok {
				return broker.ErrClosed
			}
			header, body, err := protocol.Unpack(data)
			if err != nil {
				r.logger.Warn("dropping malformed ack", zap.Error(err))
				continue
			}
			// Acks of earlier, timed out attempts are stale.
			if header.MsgType != protocol.MsgTypeAck || header.Seq != seq {
				continue
			}
			if header.IsError() {
				return rejection(header, body)
			}
			return nil
		}
	}
}

func rejection(header *protocol.Header, body []byte) error {
	var reg message.Registration
	if err := protocol.DecodeBody(header, body, &reg); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistrationRejected, err)
	}
	return fmt.Errorf("%w: %s", ErrRegistrationRejected, reg.Reason)
}

// Heartbeat publishes a heartbeat every interval until ctx is done, then returns nil.
// Publish failures are logged; the orchestrator notices missing heartbeats on its own.
//
// An orchestrator that no longer knows this service (it was evicted as a zombie, or the
// orchestrator restarted) registers it again on the next heartbeat and acks it. If that
// registration is rejected, Heartbeat returns ErrRegistrationRejected.
func (r *Registrar) Heartbeat(ctx context.Context, orchestrator descriptor.ServiceDescriptor, interval time.Duration) error {
	acks, err := r.broker.Subscribe(ctx, broker.AcksMailbox(r.self.Encode()))
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("registry: subscribe acks: %w", err)
	}
	// Acks at or below this seq answer earlier registration attempts.
	floor := r.seq.Load()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.notify(ctx, orchestrator, protocol.MsgTypeHeartbeat); err != nil && ctx.Err() == nil {
				r.logger.Warn("heartbeat failed", zap.Error(err))
			}
		case data, ok := <-acks:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Warn("ack subscription lost, heartbeats continue without feedback")
				acks = nil
				continue
			}
			header, body, err := protocol.Unpack(data)
			if err != nil {
				r.logger.Warn("dropping malformed ack", zap.Error(err))
				continue
			}
			if header.MsgType != protocol.MsgTypeAck || header.Seq <= floor {
				continue
			}
			if header.IsError() {
				return rejection(header, body)
			}
			r.logger.Info("registered again through heartbeat", zap.String("orchestrator", orchestrator.Encode()))
		}
	}
}

// Unregister tells the orchestrator this service is going away.
func (r *Registrar) Unregister(ctx context.Context, orchestrator descriptor.ServiceDescriptor) error {
	return r.notify(ctx, orchestrator, protocol.MsgTypeUnregister)
}

func (r *Registrar) notify(ctx context.Context, orchestrator descriptor.ServiceDescriptor, msgType protocol.MsgType) error {
	envelope, err := protocol.Pack(r.codecType, msgType, 0, r.seq.Add(1), &message.Registration{Descriptor: r.self.Encode()})
	if err != nil {
		return err
	}
	return r.broker.Publish(ctx, broker.RegistrationsMailbox(orchestrator.Encode()), envelope)
}
