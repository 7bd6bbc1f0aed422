// Package transport implements the caller side of the bus: many concurrent calls share
// one private reply mailbox.
//
// Each call gets a unique sequence number. A background goroutine (recvLoop) reads the
// reply mailbox and routes every response to the waiting caller via its pending channel.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ broker ──→ services
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop: ←── response(seq=2) → pending[2] ← response → goroutine-2 wakes up
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"svcbus/broker"
	"svcbus/codec"
	"svcbus/descriptor"
	"svcbus/message"
	"svcbus/protocol"
)

var ErrClosed = errors.New("transport: closed")

// ClientTransport owns one reply mailbox and the calls waiting on it.
type ClientTransport struct {
	broker  broker.Broker
	codec   codec.CodecType
	replyTo string
	logger  *zap.Logger
	seq     uint32     // protected by sending
	pending sync.Map   // map[uint32]chan *message.ResponseFrame
	sending sync.Mutex // serializes seq allocation + pending registration
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewClientTransport subscribes to a fresh reply mailbox under self and starts recvLoop.
// The transport lives until ctx is done or Close is called.
func NewClientTransport(ctx context.Context, b broker.Broker, self descriptor.ServiceDescriptor, ct codec.CodecType, logger *zap.Logger) (*ClientTransport, error) {
	ctx, cancel := context.WithCancel(ctx)
	replyTo := broker.RepliesMailbox(self.Encode(), uuid.NewString())
	replies, err := b.Subscribe(ctx, replyTo)
	if err != nil {
		cancel()
		return nil, err
	}

	t := &ClientTransport{
		broker:  b,
		codec:   ct,
		replyTo: replyTo,
		logger:  logger.Named("transport"),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go t.recvLoop(replies)
	return t, nil
}

// ReplyTo returns the mailbox responses are delivered to.
func (t *ClientTransport) ReplyTo() string {
	return t.replyTo
}

// Send publishes a call to target and returns its sequence number together with a
// channel that receives exactly one response.
func (t *ClientTransport) Send(ctx context.Context, target descriptor.ServiceDescriptor, command string, args [][]byte) (uint32, <-chan *message.ResponseFrame, error) {
	select {
	case <-t.done:
		return 0, nil, ErrClosed
	default:
	}

	t.sending.Lock()
	t.seq++
	seq := t.seq
	// Register BEFORE publishing so recvLoop cannot miss a fast response.
	respChan := make(chan *message.ResponseFrame, 1)
	t.pending.Store(seq, respChan)
	t.sending.Unlock()

	select {
	case <-t.done:
		t.pending.Delete(seq)
		return 0, nil, ErrClosed
	default:
	}

	frame := &message.CallFrame{
		ID:      uuid.NewString(),
		Target:  target.Encode(),
		ReplyTo: t.replyTo,
		Command: command,
		Args:    args,
	}
	envelope, err := protocol.Pack(t.codec, protocol.MsgTypeCall, 0, seq, frame)
	if err != nil {
		t.pending.Delete(seq)
		return 0, nil, err
	}
	if err := t.broker.Publish(ctx, broker.CallsMailbox(target.Encode()), envelope); err != nil {
		t.pending.Delete(seq)
		return 0, nil, err
	}
	return seq, respChan, nil
}

// Forget drops a pending call, e.g. after its caller gave up waiting.
// A late response for it is discarded.
func (t *ClientTransport) Forget(seq uint32) {
	t.pending.Delete(seq)
}

// Pending returns the number of calls still waiting for a response.
func (t *ClientTransport) Pending() int {
	n := 0
	t.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close stops recvLoop. Pending calls receive a transport error.
func (t *ClientTransport) Close() error {
	t.cancel()
	<-t.done
	return nil
}

// recvLoop is the only reader of the reply mailbox. It ends when the subscription closes.
func (t *ClientTransport) recvLoop(replies <-chan []byte) {
	for data := range replies {
		header, body, err := protocol.Unpack(data)
		if err != nil {
			t.logger.Warn("dropping malformed response", zap.Error(err))
			continue
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}
		resp := &message.ResponseFrame{}
		if err := protocol.DecodeBody(header, body, resp); err != nil {
			t.logger.Warn("dropping undecodable response", zap.Uint32("seq", header.Seq), zap.Error(err))
			continue
		}
		// The envelope flag is authoritative for success vs. failure.
		resp.IsError = header.IsError()

		if channel, ok := t.pending.LoadAndDelete(header.Seq); ok {
			channel.(chan *message.ResponseFrame) <- resp
		}
	}
	// Close done first: a Send racing with shutdown either sees done or is drained below.
	close(t.done)
	t.closeAllPending(ErrClosed)
}

// closeAllPending unblocks every waiting caller with a transport error.
func (t *ClientTransport) closeAllPending(err error) {
	t.pending.Range(func(key, value any) bool {
		t.pending.Delete(key)
		value.(chan *message.ResponseFrame) <- message.ErrorResponse("", message.Errorf(message.KindTransport, "%v", err))
		return true
	})
}
